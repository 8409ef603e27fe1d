// Package immutable installs the enforcement policy file inside the jail
// and pins it with the filesystem immutability attribute, so not even a
// privileged process inside the session can alter or unlink it. Clearing
// the attribute is reserved for the owning session manager at teardown.
package immutable

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrUnsupported means the underlying filesystem has no immutability
// attribute. Degraded but non-fatal: the packet filter remains the primary
// control.
var ErrUnsupported = errors.New("filesystem does not support the immutability attribute")

// Installer writes and pins a config file, and unpins it at teardown.
type Installer interface {
	Install(path string, content []byte) error
	Uninstall(path string) error
}

// FakeInstaller is the in-memory test double.
type FakeInstaller struct {
	mu          sync.Mutex
	Unsupported bool
	FailWith    error
	installed   map[string][]byte
	pinned      map[string]bool
}

func NewFakeInstaller() *FakeInstaller {
	return &FakeInstaller{
		installed: map[string][]byte{},
		pinned:    map[string]bool{},
	}
}

func (f *FakeInstaller) Install(path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.installed[path] = append([]byte(nil), content...)
	if f.Unsupported {
		return fmt.Errorf("install %s: %w", path, ErrUnsupported)
	}
	f.pinned[path] = true
	return nil
}

func (f *FakeInstaller) Uninstall(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pinned, path)
	return nil
}

// Pinned reports whether path currently carries the (fake) attribute.
func (f *FakeInstaller) Pinned(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned[path]
}

// Installed returns the content last written to path, or nil.
func (f *FakeInstaller) Installed(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[path]
}

var _ Installer = (*FakeInstaller)(nil)

// writeReadOnly is shared by the real installers: write then drop write
// permission bits before any attribute work.
func writeReadOnly(path string, content []byte) error {
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o444); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

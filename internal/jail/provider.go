// Package jail builds and tears down the sandbox filesystem tree: the
// directory skeleton, seed identity files, and the ordered mount set.
// Mount syscalls go through a MountProvider so the lifecycle logic can be
// tested without root or kernel mutation.
package jail

import (
	"fmt"
	"slices"
	"sync"

	"github.com/agentcage/agentcage/pkg/types"
)

// MountProvider abstracts the mount/umount primitives.
type MountProvider interface {
	// Mount applies one entry at an absolute target path.
	Mount(source, target string, kind types.MountKind, writable bool) error

	// Unmount removes the mount at target. With force, a lazy detach is
	// acceptable; without it, the unmount must be clean or fail.
	Unmount(target string, force bool) error
}

// FakeProvider records mount activity in memory. Busy targets simulate
// EBUSY on clean unmount; FailOn simulates a mount failure at a target.
type FakeProvider struct {
	mu      sync.Mutex
	mounted []string
	FailOn  map[string]error
	Busy    map[string]bool
	// BusyYieldsAfter lets a busy target succeed after N clean attempts.
	BusyYieldsAfter map[string]int
	attempts        map[string]int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		FailOn:          map[string]error{},
		Busy:            map[string]bool{},
		BusyYieldsAfter: map[string]int{},
		attempts:        map[string]int{},
	}
}

func (f *FakeProvider) Mount(source, target string, kind types.MountKind, writable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailOn[target]; ok {
		return err
	}
	if slices.Contains(f.mounted, target) {
		return fmt.Errorf("%s already mounted", target)
	}
	f.mounted = append(f.mounted, target)
	return nil
}

func (f *FakeProvider) Unmount(target string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.Index(f.mounted, target)
	if i < 0 {
		return fmt.Errorf("%s not mounted", target)
	}
	if f.Busy[target] && !force {
		f.attempts[target]++
		if n, ok := f.BusyYieldsAfter[target]; !ok || f.attempts[target] <= n {
			return fmt.Errorf("%s: device or resource busy", target)
		}
	}
	f.mounted = slices.Delete(f.mounted, i, i+1)
	return nil
}

// Mounted returns the currently mounted targets in mount order.
func (f *FakeProvider) Mounted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.mounted)
}

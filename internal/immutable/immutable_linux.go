//go:build linux

package immutable

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fsImmutableFl is FS_IMMUTABLE_FL from <linux/fs.h>; x/sys/unix does not
// export this inode flag constant.
const fsImmutableFl = 0x00000010

// LinuxInstaller pins files with FS_IMMUTABLE_FL (the chattr +i attribute).
// Requires CAP_LINUX_IMMUTABLE.
type LinuxInstaller struct{}

func NewLinuxInstaller() *LinuxInstaller { return &LinuxInstaller{} }

func (l *LinuxInstaller) Install(path string, content []byte) error {
	if err := writeReadOnly(path, content); err != nil {
		return err
	}
	if err := setImmutable(path, true); err != nil {
		if isUnsupported(err) {
			return fmt.Errorf("install %s: %w", path, ErrUnsupported)
		}
		return fmt.Errorf("set immutable %s: %w", path, err)
	}
	return nil
}

func (l *LinuxInstaller) Uninstall(path string) error {
	if err := setImmutable(path, false); err != nil {
		if errors.Is(err, os.ErrNotExist) || isUnsupported(err) {
			return nil
		}
		return fmt.Errorf("clear immutable %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o644); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func setImmutable(path string, on bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return err
	}
	if on {
		flags |= fsImmutableFl
	} else {
		flags &^= fsImmutableFl
	}
	return unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, flags)
}

func isUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTTY) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.EINVAL)
}

var _ Installer = (*LinuxInstaller)(nil)

//go:build linux

package jail

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/agentcage/agentcage/pkg/types"
)

// LinuxProvider performs real mount syscalls. Requires CAP_SYS_ADMIN.
type LinuxProvider struct{}

func NewLinuxProvider() *LinuxProvider { return &LinuxProvider{} }

func (p *LinuxProvider) Mount(source, target string, kind types.MountKind, writable bool) error {
	switch kind {
	case types.MountBind:
		if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind %s -> %s: %w", source, target, err)
		}
		if !writable {
			// A bind mount ignores MS_RDONLY on the initial call; the
			// read-only flag needs a remount.
			flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
			if err := unix.Mount("", target, "", flags, ""); err != nil {
				_ = unix.Unmount(target, 0)
				return fmt.Errorf("remount read-only %s: %w", target, err)
			}
		}
		return nil
	case types.MountTmpfs:
		var flags uintptr
		if !writable {
			flags |= unix.MS_RDONLY
		}
		if err := unix.Mount("tmpfs", target, "tmpfs", flags, "mode=0755"); err != nil {
			return fmt.Errorf("tmpfs %s: %w", target, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown mount kind %q", kind)
	}
}

func (p *LinuxProvider) Unmount(target string, force bool) error {
	var flags int
	if force {
		flags = unix.MNT_DETACH
	}
	if err := unix.Unmount(target, flags); err != nil {
		// EINVAL: target is not a mount point. Absence is the goal, so
		// a force-drain of a half-released jail is not an error.
		if err == unix.EINVAL {
			return nil
		}
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

var _ MountProvider = (*LinuxProvider)(nil)

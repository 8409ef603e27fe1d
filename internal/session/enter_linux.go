//go:build linux

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/agentcage/agentcage/pkg/types"
)

// Environment variables carrying the resource limits into the re-exec'd
// child, which applies them after the chroot and before the target exec.
const (
	EnvRlimitNproc = "AGENTCAGE_RLIMIT_NPROC"
	EnvRlimitAS    = "AGENTCAGE_RLIMIT_AS"
	EnvRlimitFsize = "AGENTCAGE_RLIMIT_FSIZE"
)

// Enter transfers control to the sandboxed program and blocks until it
// exits. It performs no cleanup; Release owns that, on every exit path.
//
// The child is this same binary re-exec'd via /proc/self/exe (so the jail
// needs its /proc mount) running the hidden run-jailed command, which
// applies rlimits and execs the target. Chroot and the credential drop
// happen kernel-side between fork and exec; in Isolated mode the child
// also gets a fresh, interface-less network namespace.
func (m *Manager) Enter(ctx context.Context, s *Session, argv []string, env []string) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("enter: empty argv")
	}
	if s.State != StateFilterInstalled {
		return -1, fmt.Errorf("enter: session is %s, want %s", s.State, StateFilterInstalled)
	}
	if err := s.transition(StateActive); err != nil {
		return -1, err
	}
	m.emit(ctx, s.ID, types.EventSessionEnter, argv[0], "", nil)

	args := append([]string{"run-jailed", "--"}, argv...)
	cmd := exec.CommandContext(ctx, "/proc/self/exe", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = "/workspace"
	cmd.Env = append(env,
		EnvRlimitNproc+"="+strconv.FormatUint(s.Limits.MaxProcesses, 10),
		EnvRlimitAS+"="+strconv.FormatUint(s.Limits.MaxVirtualMemory, 10),
		EnvRlimitFsize+"="+strconv.FormatUint(s.Limits.MaxFileSize, 10),
	)

	attr := &syscall.SysProcAttr{
		Chroot:  s.Root,
		Setpgid: true,
		Credential: &syscall.Credential{
			Uid: uint32(s.UID),
			Gid: uint32(s.GID),
		},
	}
	if s.Mode == types.ModeIsolated {
		attr.Cloneflags = unix.CLONE_NEWNET
	}
	cmd.SysProcAttr = attr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, fmt.Errorf("enter: %w", err)
}

// ApplyRlimitsFromEnv is called by the run-jailed child before it execs
// the target. Soft limits only; the hard limit stays so the child cannot
// raise them back but an operator debugging a jail still can.
func ApplyRlimitsFromEnv() error {
	for _, l := range []struct {
		env      string
		resource int
	}{
		{EnvRlimitNproc, unix.RLIMIT_NPROC},
		{EnvRlimitAS, unix.RLIMIT_AS},
		{EnvRlimitFsize, unix.RLIMIT_FSIZE},
	} {
		v := os.Getenv(l.env)
		if v == "" || v == "0" {
			continue
		}
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", l.env, err)
		}
		var current unix.Rlimit
		if err := unix.Getrlimit(l.resource, &current); err != nil {
			return fmt.Errorf("getrlimit %s: %w", l.env, err)
		}
		rl := unix.Rlimit{Cur: limit, Max: current.Max}
		if current.Max != unix.RLIM_INFINITY && limit > current.Max {
			rl.Cur = current.Max
		}
		if err := unix.Setrlimit(l.resource, &rl); err != nil {
			return fmt.Errorf("setrlimit %s: %w", l.env, err)
		}
	}
	return nil
}

// ExecJailed replaces the current process with the target program. Called
// only from inside the jail by the run-jailed command.
func ExecJailed(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("run-jailed: empty argv")
	}
	path := argv[0]
	if lp, err := exec.LookPath(path); err == nil {
		path = lp
	}
	return unix.Exec(path, argv, os.Environ())
}

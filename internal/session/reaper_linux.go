//go:build linux

package session

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// ProcReaper walks /proc and matches processes by their root link. Only
// processes chrooted into the jail match; the controlling process itself
// never does.
type ProcReaper struct {
	procfs string
}

func NewProcReaper() *ProcReaper { return &ProcReaper{procfs: "/proc"} }

func (r *ProcReaper) Reap(root string, grace time.Duration) (ReapResult, error) {
	var res ReapResult

	targets := r.findByRoot(root)
	if len(targets) == 0 {
		return res, nil
	}

	for _, pid := range targets {
		_ = unix.Kill(pid, unix.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(r.findByRoot(root)) == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	survivors := r.findByRoot(root)
	for _, pid := range survivors {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	// SIGKILL is not discretionary, but zombies held by an unreaped
	// parent can still show up; give the kernel a moment, then report
	// whatever remains.
	if len(survivors) > 0 {
		time.Sleep(100 * time.Millisecond)
	}
	still := r.findByRoot(root)

	for _, pid := range targets {
		if slices.Contains(still, pid) {
			res.Unreachable = append(res.Unreachable, pid)
		} else {
			res.Killed = append(res.Killed, pid)
		}
	}
	return res, nil
}

// findByRoot lists pids whose /proc/<pid>/root resolves to root. Readlink
// failures (process exited, or not ours to inspect) are skipped.
func (r *ProcReaper) findByRoot(root string) []int {
	entries, err := os.ReadDir(r.procfs)
	if err != nil {
		return nil
	}
	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		link, err := os.Readlink(filepath.Join(r.procfs, e.Name(), "root"))
		if err != nil {
			continue
		}
		if link == root {
			pids = append(pids, pid)
		}
	}
	return pids
}

var _ Reaper = (*ProcReaper)(nil)

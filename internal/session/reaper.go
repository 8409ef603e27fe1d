package session

import (
	"slices"
	"sync"
	"time"
)

// ReapResult partitions the processes found in the jail.
type ReapResult struct {
	Killed      []int
	Unreachable []int
}

// Reaper terminates processes whose root directory matches the jail path.
// The grace period between the polite and the forced signal is bounded by
// configuration; reaping never blocks indefinitely.
type Reaper interface {
	Reap(root string, grace time.Duration) (ReapResult, error)
}

// FakeReaper is the in-memory test double. Processes registered under a
// root are "killed" unless listed in Stuck.
type FakeReaper struct {
	mu    sync.Mutex
	procs map[string][]int
	Stuck []int
	calls int
}

func NewFakeReaper() *FakeReaper {
	return &FakeReaper{procs: map[string][]int{}}
}

// Add registers a fake process under the jail root.
func (f *FakeReaper) Add(root string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[root] = append(f.procs[root], pid)
}

func (f *FakeReaper) Reap(root string, _ time.Duration) (ReapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var res ReapResult
	var remaining []int
	for _, pid := range f.procs[root] {
		if slices.Contains(f.Stuck, pid) {
			res.Unreachable = append(res.Unreachable, pid)
			remaining = append(remaining, pid)
		} else {
			res.Killed = append(res.Killed, pid)
		}
	}
	f.procs[root] = remaining
	return res, nil
}

// Calls returns how many times Reap ran.
func (f *FakeReaper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ Reaper = (*FakeReaper)(nil)

package session

import (
	"fmt"
	"strings"
)

// AcquireError identifies the step that failed during acquire and the
// steps already rolled back before it was returned.
type AcquireError struct {
	Step       string
	Cause      error
	RolledBack []string
}

func (e *AcquireError) Error() string {
	if len(e.RolledBack) == 0 {
		return fmt.Sprintf("acquire failed at %s: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("acquire failed at %s (rolled back: %s): %v",
		e.Step, strings.Join(e.RolledBack, ", "), e.Cause)
}

func (e *AcquireError) Unwrap() error { return e.Cause }

// LockContentionError means another session holds the jail root. The
// caller should retry later or pick a different root.
type LockContentionError struct {
	Root string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("jail root %s is locked by another session", e.Root)
}

// Warning is one non-fatal teardown finding. Release never aborts on a
// warning; it reports them all.
type Warning struct {
	Kind   string // residual_mount, residual_process, uninstall, filter, event_store
	Detail string
}

func (w Warning) String() string { return w.Kind + ": " + w.Detail }

// ReleaseReport is the outcome of release: sessions always end released,
// with any residual resources explicitly reported rather than silently
// abandoned.
type ReleaseReport struct {
	SessionID string
	Reaped    []int
	Warnings  []Warning
}

// Clean reports a teardown with nothing left behind.
func (r ReleaseReport) Clean() bool { return len(r.Warnings) == 0 }

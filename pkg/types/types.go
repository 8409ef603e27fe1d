// Package types holds value types shared across the session manager,
// its enforcement providers, and the audit store.
package types

import "time"

// Mode selects the network enforcement strategy for a session.
type Mode string

const (
	// ModeRestricted installs a deny-by-default packet filter scoped to the
	// session credential, with explicit accepts for the resolved allowlist.
	// Best-effort: a process that changes its effective identity escapes it.
	ModeRestricted Mode = "restricted"

	// ModeIsolated runs the session in a private network namespace with no
	// external interface. The only mode with a real security boundary.
	ModeIsolated Mode = "isolated"

	// ModeUnrestricted installs nothing. Requires explicit confirmation.
	ModeUnrestricted Mode = "unrestricted"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeRestricted, ModeIsolated, ModeUnrestricted:
		return true
	}
	return false
}

// MountKind distinguishes bind mounts from fresh tmpfs mounts.
type MountKind string

const (
	MountBind  MountKind = "bind"
	MountTmpfs MountKind = "tmpfs"
)

// MountEntry describes one mount a session applies inside its jail root.
// Target is relative to the jail root. Ownership of Target is exclusive to
// one session; the session lock on the jail root enforces that.
type MountEntry struct {
	Source   string    `yaml:"source"`
	Target   string    `yaml:"target"`
	Kind     MountKind `yaml:"kind"`
	Writable bool      `yaml:"writable"`
}

// Event is one audit record: a lifecycle transition, an enforcement action,
// or a warning surfaced during teardown.
type Event struct {
	ID        string         `json:"event_id"`
	Timestamp time.Time      `json:"ts"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Target    string         `json:"target,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Event types recorded by the session lifecycle.
const (
	EventSessionAcquire  = "session_acquire"
	EventSessionEnter    = "session_enter"
	EventSessionRelease  = "session_release"
	EventSessionFailed   = "session_failed"
	EventMountApplied    = "mount_applied"
	EventMountUnwound    = "mount_unwound"
	EventFilterInstalled = "filter_installed"
	EventFilterRemoved   = "filter_removed"
	EventFilterReconcile = "filter_reconciled"
	EventImmutableSet    = "immutable_set"
	EventImmutableClear  = "immutable_cleared"
	EventReap            = "processes_reaped"
	EventResidual        = "residual_resource"
)

// EventQuery filters stored events.
type EventQuery struct {
	SessionID string
	Type      string
	Since     time.Time
	Limit     int
}

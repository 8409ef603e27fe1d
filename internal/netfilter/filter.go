package netfilter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentcage/agentcage/internal/resolver"
	"github.com/agentcage/agentcage/pkg/types"
)

// InstallError is fatal to session acquire. A failed install never leaves
// a partial rule set behind: the script replaces the table in one
// transaction, so the kernel either has the old table or the new one.
type InstallError struct {
	SessionID string
	Cause     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install filter for session %s: %v", e.SessionID, e.Cause)
}

func (e *InstallError) Unwrap() error { return e.Cause }

// ErrUnconfirmedUnrestricted rejects unrestricted mode without the
// explicit opt-out confirmation.
var ErrUnconfirmedUnrestricted = errors.New("unrestricted mode requires explicit confirmation")

// Filter owns the packet-filter state of one session.
type Filter struct {
	provider Provider
	log      *slog.Logger

	mu        sync.Mutex
	installed map[string]string // sessionID -> rule-set hash
}

func New(provider Provider, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{
		provider:  provider,
		log:       log,
		installed: map[string]string{},
	}
}

// Install applies enforcement for the session according to mode.
//
// Restricted compiles the allowlist into a UID-scoped table. Identity
// scoping is best-effort defense in depth: a process that gains another
// UID escapes it, which is why Isolated exists.
//
// Isolated installs nothing here; the session runs in a private network
// namespace with no interface, which no rule misconfiguration can leak.
//
// Unrestricted refuses to be a default: without confirm it fails.
func (f *Filter) Install(sessionID string, uid int, snap *resolver.Snapshot, mode types.Mode, confirm bool) error {
	switch mode {
	case types.ModeRestricted:
		return f.installRestricted(sessionID, uid, snap)
	case types.ModeIsolated:
		f.log.Info("isolated mode: private network namespace, no filter table", "session_id", sessionID)
		return nil
	case types.ModeUnrestricted:
		if !confirm {
			return &InstallError{SessionID: sessionID, Cause: ErrUnconfirmedUnrestricted}
		}
		f.log.Warn("unrestricted mode: no network enforcement", "session_id", sessionID)
		return nil
	default:
		return &InstallError{SessionID: sessionID, Cause: fmt.Errorf("unknown mode %q", mode)}
	}
}

func (f *Filter) installRestricted(sessionID string, uid int, snap *resolver.Snapshot) error {
	rs := Compile(sessionID, uid, snap)

	f.mu.Lock()
	prev, had := f.installed[sessionID]
	f.mu.Unlock()
	if had && prev == rs.Hash {
		if exists, err := f.provider.Exists(rs.Table); err == nil && exists {
			f.log.Debug("filter unchanged", "session_id", sessionID, "hash", rs.Hash[:12])
			return nil
		}
	}

	if err := f.provider.Apply(rs.Table, rs.Script); err != nil {
		return &InstallError{SessionID: sessionID, Cause: err}
	}
	f.mu.Lock()
	f.installed[sessionID] = rs.Hash
	f.mu.Unlock()
	f.log.Info("filter installed", "session_id", sessionID, "table", rs.Table, "rules_hash", rs.Hash[:12])
	return nil
}

// Reconcile re-installs the Restricted rule set from a fresh snapshot.
// The identical-hash no-op makes this safe to call on every snapshot sync.
func (f *Filter) Reconcile(sessionID string, uid int, snap *resolver.Snapshot) error {
	return f.installRestricted(sessionID, uid, snap)
}

// Remove deletes the session table. Absent table, absent session, repeated
// calls: all succeed silently.
func (f *Filter) Remove(sessionID string) error {
	table := TableName(sessionID)
	if err := f.provider.Delete(table); err != nil {
		return fmt.Errorf("remove filter for session %s: %w", sessionID, err)
	}
	f.mu.Lock()
	delete(f.installed, sessionID)
	f.mu.Unlock()
	f.log.Info("filter removed", "session_id", sessionID, "table", table)
	return nil
}

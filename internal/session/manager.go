package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agentcage/agentcage/internal/config"
	"github.com/agentcage/agentcage/internal/immutable"
	"github.com/agentcage/agentcage/internal/jail"
	"github.com/agentcage/agentcage/internal/lockfile"
	"github.com/agentcage/agentcage/internal/netfilter"
	"github.com/agentcage/agentcage/internal/resolver"
	"github.com/agentcage/agentcage/internal/store"
	"github.com/agentcage/agentcage/pkg/types"
)

// policyFileRelPath is where the enforcement policy is pinned inside the
// jail, visible (but immutable) to the sandboxed program.
const policyFileRelPath = "etc/agentcage-policy.yaml"

// Manager drives one session at a time through its lifecycle. It is not
// safe for concurrent mutating calls; the session's own lifecycle driver
// is the single logical thread of control.
type Manager struct {
	stateDir  string
	reapGrace time.Duration

	jail      *jail.Jail
	installer immutable.Installer
	filter    *netfilter.Filter
	reaper    Reaper
	events    store.EventStore
	log       *slog.Logger

	now   func() time.Time
	newID func() string
}

// Deps collects the manager's collaborators. Every OS-facing one has an
// in-memory fake, so the state machine is testable without privileges.
type Deps struct {
	Jail      *jail.Jail
	Installer immutable.Installer
	Filter    *netfilter.Filter
	Reaper    Reaper
	Events    store.EventStore
	Log       *slog.Logger
}

func NewManager(stateDir string, reapGrace time.Duration, deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = store.Nop{}
	}
	if reapGrace <= 0 {
		reapGrace = 5 * time.Second
	}
	return &Manager{
		stateDir:  stateDir,
		reapGrace: reapGrace,
		jail:      deps.Jail,
		installer: deps.Installer,
		filter:    deps.Filter,
		reaper:    deps.Reaper,
		events:    events,
		log:       log,
		now:       time.Now,
		newID:     func() string { return uuid.NewString()[:8] },
	}
}

// lockPath is the advisory lock guarding exclusive ownership of a jail
// root. The flock evaporates with its holder, which is what makes stale
// sessions detectable.
func lockPath(root string) string { return root + ".lock" }

// LockHeld reports whether a live process owns the jail root.
func LockHeld(root string) (bool, error) {
	return lockfile.Held(lockPath(root))
}

// AcquireRequest carries everything acquire needs. Policy and Snapshot are
// read-only inputs; the request does not retain them past the call.
type AcquireRequest struct {
	Root                string
	Mounts              []types.MountEntry
	Policy              *config.Policy
	Snapshot            *resolver.Snapshot
	Mode                types.Mode
	ConfirmUnrestricted bool
	UID                 int
	GID                 int
	Seed                jail.SeedSpec
}

// Acquire runs jail -> immutable config -> filter, in that order. Any
// failure rolls back the completed steps in reverse and returns an
// AcquireError naming the failed step and the rollback chain.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Session, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", req.Mode)
	}

	lock, err := lockfile.TryLock(lockPath(req.Root))
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return nil, &LockContentionError{Root: req.Root}
		}
		return nil, err
	}

	s := &Session{
		ID:     m.newID(),
		Root:   req.Root,
		UID:    req.UID,
		GID:    req.GID,
		Mode:   req.Mode,
		State:  StateCreated,
		Mounts: req.Mounts,
		lock:   lock,
	}
	if req.Policy != nil {
		s.Limits = req.Policy.Limits
	}
	logger := m.log.With("session_id", s.ID)

	fail := func(step string, cause error, rolledBack []string) (*Session, error) {
		s.fail()
		_ = lock.Unlock()
		removeState(m.stateDir, s.ID)
		m.emit(ctx, s.ID, types.EventSessionFailed, step, cause.Error(), nil)
		return nil, &AcquireError{Step: step, Cause: cause, RolledBack: rolledBack}
	}

	// Jail mounts.
	if err := s.transition(StateMounting); err != nil {
		return fail("state", err, nil)
	}
	handle, err := m.jail.Acquire(req.Root, req.Mounts, req.Seed)
	if err != nil {
		return fail("mounts", err, nil)
	}
	s.handle = handle
	s.MountsAcquired = true
	if err := s.transition(StateMounted); err != nil {
		return fail("state", err, nil)
	}
	if err := saveState(m.stateDir, s); err != nil {
		m.rollbackMounts(s)
		return fail("state_file", err, []string{"mounts"})
	}
	m.emit(ctx, s.ID, types.EventMountApplied, req.Root, "", map[string]any{"count": len(req.Mounts)})

	// Immutable policy file. Unsupported filesystems degrade with a
	// warning; the filter remains the primary control.
	s.PolicyPath = filepath.Join(req.Root, policyFileRelPath)
	content, err := renderPolicyFile(req.Policy, s.ID, req.Mode)
	if err != nil {
		m.rollbackMounts(s)
		return fail("immutable_config", err, []string{"mounts"})
	}
	switch err := m.installer.Install(s.PolicyPath, content); {
	case err == nil:
		s.ImmutableSet = true
		m.emit(ctx, s.ID, types.EventImmutableSet, s.PolicyPath, "", nil)
	case errors.Is(err, immutable.ErrUnsupported):
		s.ImmutableDegraded = true
		logger.Warn("immutability attribute unsupported, continuing degraded", "path", s.PolicyPath)
	default:
		m.rollbackMounts(s)
		return fail("immutable_config", err, []string{"mounts"})
	}

	// Packet filter (or namespace decision, or confirmed no-op).
	if err := m.filter.Install(s.ID, req.UID, req.Snapshot, req.Mode, req.ConfirmUnrestricted); err != nil {
		rolled := m.rollbackImmutable(s)
		m.rollbackMounts(s)
		return fail("filter", err, append(rolled, "mounts"))
	}
	s.FilterInstalled = req.Mode == types.ModeRestricted
	if err := s.transition(StateFilterInstalled); err != nil {
		return fail("state", err, nil)
	}
	if s.FilterInstalled {
		m.emit(ctx, s.ID, types.EventFilterInstalled, netfilter.TableName(s.ID), "", nil)
	}

	if err := saveState(m.stateDir, s); err != nil {
		logger.Warn("session state not persisted", "error", err)
	}
	m.emit(ctx, s.ID, types.EventSessionAcquire, req.Root, string(req.Mode), nil)
	logger.Info("session acquired", "root", req.Root, "mode", string(req.Mode))
	return s, nil
}

func (m *Manager) rollbackMounts(s *Session) {
	if !s.MountsAcquired {
		return
	}
	for _, w := range m.jail.Release(s.handle) {
		m.log.Error("rollback left a residual mount", "session_id", s.ID, "warning", w.String())
	}
	s.MountsAcquired = false
}

func (m *Manager) rollbackImmutable(s *Session) []string {
	if !s.ImmutableSet {
		return nil
	}
	if err := m.installer.Uninstall(s.PolicyPath); err != nil {
		m.log.Error("rollback could not clear immutable flag", "session_id", s.ID, "error", err)
	}
	s.ImmutableSet = false
	return []string{"immutable_config"}
}

// Release drains and frees everything the session acquired: reap first,
// then filter, immutable flag, and mounts in reverse acquisition order.
// It accumulates warnings instead of stopping, is idempotent, and is safe
// after a partially failed acquire.
func (m *Manager) Release(ctx context.Context, s *Session) ReleaseReport {
	report := ReleaseReport{SessionID: s.ID}
	if s.State.Terminal() {
		return report
	}
	s.State = StateDraining

	if m.reaper != nil {
		res, err := m.reaper.Reap(s.Root, m.reapGrace)
		if err != nil {
			report.Warnings = append(report.Warnings, Warning{Kind: "residual_process", Detail: err.Error()})
		}
		report.Reaped = res.Killed
		for _, pid := range res.Unreachable {
			report.Warnings = append(report.Warnings, Warning{
				Kind:   "residual_process",
				Detail: fmt.Sprintf("pid %d survived SIGKILL", pid),
			})
		}
		if len(res.Killed) > 0 || len(res.Unreachable) > 0 {
			m.emit(ctx, s.ID, types.EventReap, s.Root, "", map[string]any{
				"killed": len(res.Killed), "unreachable": len(res.Unreachable),
			})
		}
	}

	// Filter removal is idempotent; run it regardless of the acquired
	// flag so a crash between install and flag persist still cleans up.
	if err := m.filter.Remove(s.ID); err != nil {
		report.Warnings = append(report.Warnings, Warning{Kind: "filter", Detail: err.Error()})
	} else if s.FilterInstalled {
		s.FilterInstalled = false
		m.emit(ctx, s.ID, types.EventFilterRemoved, netfilter.TableName(s.ID), "", nil)
	}

	if s.ImmutableSet || s.ImmutableDegraded {
		if err := m.installer.Uninstall(s.PolicyPath); err != nil {
			report.Warnings = append(report.Warnings, Warning{Kind: "uninstall", Detail: err.Error()})
		} else {
			s.ImmutableSet = false
			m.emit(ctx, s.ID, types.EventImmutableClear, s.PolicyPath, "", nil)
		}
	}

	if s.MountsAcquired {
		if s.handle == nil {
			s.handle = m.jail.Rehydrate(s.Root, s.Mounts)
		}
		for _, w := range m.jail.Release(s.handle) {
			report.Warnings = append(report.Warnings, Warning{Kind: "residual_mount", Detail: w.String()})
			m.emit(ctx, s.ID, types.EventResidual, w.Target, w.Cause.Error(), nil)
		}
		s.MountsAcquired = false
	}

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			report.Warnings = append(report.Warnings, Warning{Kind: "lock", Detail: err.Error()})
		}
		s.lock = nil
	}
	removeState(m.stateDir, s.ID)

	s.State = StateReleased
	m.emit(ctx, s.ID, types.EventSessionRelease, s.Root, "", map[string]any{
		"warnings": len(report.Warnings),
	})
	m.log.Info("session released", "session_id", s.ID, "warnings", len(report.Warnings))
	return report
}

// ForceDrain releases a session whose controlling process is gone, using
// the persisted state record. The caller verified the lock is stale.
func (m *Manager) ForceDrain(ctx context.Context, s *Session) ReleaseReport {
	if s.handle == nil && s.MountsAcquired {
		s.handle = m.jail.Rehydrate(s.Root, s.Mounts)
	}
	// The dead process's lock evaporated with it.
	s.lock = nil
	return m.Release(ctx, s)
}

// Reconcile swaps the session's filter rules for a fresh snapshot. Only
// meaningful while Active and in Restricted mode; other modes are no-ops.
func (m *Manager) Reconcile(ctx context.Context, s *Session, snap *resolver.Snapshot) error {
	if s.Mode != types.ModeRestricted || s.State.Terminal() {
		return nil
	}
	if err := m.filter.Reconcile(s.ID, s.UID, snap); err != nil {
		return fmt.Errorf("reconcile session %s: %w", s.ID, err)
	}
	m.emit(ctx, s.ID, types.EventFilterReconcile, netfilter.TableName(s.ID), "", map[string]any{
		"snapshot_version": snap.Version,
	})
	return nil
}

func (m *Manager) emit(ctx context.Context, sessionID, typ, target, detail string, fields map[string]any) {
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: m.now().UTC(),
		SessionID: sessionID,
		Type:      typ,
		Target:    target,
		Detail:    detail,
		Fields:    fields,
	}
	if err := m.events.AppendEvent(ctx, ev); err != nil {
		m.log.Warn("audit event not recorded", "type", typ, "error", err)
	}
}

// renderPolicyFile serializes the policy for the in-jail pinned copy. The
// header ties the file to its session so an operator inspecting a jail
// knows which run produced it.
func renderPolicyFile(p *config.Policy, sessionID string, mode types.Mode) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("policy is nil")
	}
	body, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	header := fmt.Sprintf("# agentcage session %s mode=%s\n# This file is enforced and immutable for the session lifetime.\n", sessionID, mode)
	return append([]byte(header), body...), nil
}

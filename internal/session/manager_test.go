package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentcage/agentcage/internal/config"
	"github.com/agentcage/agentcage/internal/immutable"
	"github.com/agentcage/agentcage/internal/jail"
	"github.com/agentcage/agentcage/internal/netfilter"
	"github.com/agentcage/agentcage/internal/resolver"
	"github.com/agentcage/agentcage/pkg/types"
)

type managerFixture struct {
	m        *Manager
	mounts   *jail.FakeProvider
	inst     *immutable.FakeInstaller
	nft      *netfilter.FakeProvider
	reaper   *FakeReaper
	stateDir string
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	return newFixtureAt(t, t.TempDir())
}

func newFixtureAt(t *testing.T, stateDir string) *managerFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &managerFixture{
		mounts:   jail.NewFakeProvider(),
		inst:     immutable.NewFakeInstaller(),
		nft:      netfilter.NewFakeProvider(),
		reaper:   NewFakeReaper(),
		stateDir: stateDir,
	}
	f.m = NewManager(f.stateDir, time.Second, Deps{
		Jail:      jail.New(f.mounts, log, 1),
		Installer: f.inst,
		Filter:    netfilter.New(f.nft, log),
		Reaper:    f.reaper,
		Log:       log,
	})
	return f
}

func testRequest(t *testing.T, mode types.Mode) AcquireRequest {
	t.Helper()
	src := t.TempDir()
	return AcquireRequest{
		Root: filepath.Join(t.TempDir(), "jail"),
		Mounts: []types.MountEntry{
			{Source: src, Target: "/workspace", Kind: types.MountBind, Writable: true},
			{Target: "/tmp", Kind: types.MountTmpfs, Writable: true},
		},
		Policy: &config.Policy{
			AllowedDomains: []string{"api.example.org"},
			Limits:         config.ResourceLimits{MaxProcesses: 64},
		},
		Snapshot: &resolver.Snapshot{
			Version: 1,
			Domains: map[string][]netip.Prefix{
				"api.example.org": {netip.MustParsePrefix("93.184.216.1/32")},
			},
		},
		Mode: mode,
		UID:  1000,
		GID:  1000,
		Seed: jail.SeedSpec{Hostname: "cage", User: "agent", UID: 1000, GID: 1000},
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := testRequest(t, types.ModeRestricted)

	s, err := f.m.Acquire(ctx, req)
	require.NoError(t, err)
	require.Equal(t, StateFilterInstalled, s.State)
	require.True(t, s.MountsAcquired)
	require.True(t, s.ImmutableSet)
	require.True(t, s.FilterInstalled)
	require.Equal(t, uint64(64), s.Limits.MaxProcesses)

	require.Len(t, f.mounts.Mounted(), 2)
	require.True(t, f.inst.Pinned(s.PolicyPath))
	require.Equal(t, 1, f.nft.Applies())
	require.Contains(t, string(f.inst.Installed(s.PolicyPath)), "api.example.org")

	persisted, err := LoadState(f.stateDir, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, persisted.ID)
	require.Equal(t, req.Root, persisted.Root)

	f.reaper.Add(req.Root, 4242)
	report := f.m.Release(ctx, s)
	require.True(t, report.Clean(), "warnings: %v", report.Warnings)
	require.Equal(t, []int{4242}, report.Reaped)
	require.Equal(t, StateReleased, s.State)
	require.Empty(t, f.mounts.Mounted())
	require.False(t, f.inst.Pinned(s.PolicyPath))

	persisted, err = LoadState(f.stateDir, s.ID)
	require.NoError(t, err)
	require.Nil(t, persisted)
}

func TestAcquireMountFailureRollsBackCompletely(t *testing.T) {
	f := newFixture(t)
	req := testRequest(t, types.ModeRestricted)
	f.mounts.FailOn[filepath.Join(req.Root, "tmp")] = errors.New("no space")

	s, err := f.m.Acquire(context.Background(), req)
	require.Nil(t, s)

	var ae *AcquireError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "mounts", ae.Step)

	require.Empty(t, f.mounts.Mounted())
	require.Equal(t, 0, f.nft.Applies())

	records, err := LoadStates(f.stateDir)
	require.NoError(t, err)
	require.Empty(t, records)

	// The root lock must be free again for the next run.
	s2, err := f.m.Acquire(context.Background(), testRequest(t, types.ModeRestricted))
	require.NoError(t, err)
	require.NotNil(t, s2)
}

func TestAcquireFilterFailureRollsBackImmutableAndMounts(t *testing.T) {
	f := newFixture(t)
	f.nft.ApplyErr = errors.New("nft: permission denied")

	s, err := f.m.Acquire(context.Background(), testRequest(t, types.ModeRestricted))
	require.Nil(t, s)

	var ae *AcquireError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "filter", ae.Step)
	require.Equal(t, []string{"immutable_config", "mounts"}, ae.RolledBack)

	require.Empty(t, f.mounts.Mounted())
}

func TestAcquireLockContention(t *testing.T) {
	f := newFixture(t)
	req := testRequest(t, types.ModeRestricted)

	s, err := f.m.Acquire(context.Background(), req)
	require.NoError(t, err)
	defer f.m.Release(context.Background(), s)

	other := newFixture(t)
	_, err = other.m.Acquire(context.Background(), req)
	var lce *LockContentionError
	require.ErrorAs(t, err, &lce)
	require.Equal(t, req.Root, lce.Root)
}

func TestAcquireDegradesWithoutImmutableSupport(t *testing.T) {
	f := newFixture(t)
	f.inst.Unsupported = true

	s, err := f.m.Acquire(context.Background(), testRequest(t, types.ModeRestricted))
	require.NoError(t, err)
	require.False(t, s.ImmutableSet)
	require.True(t, s.ImmutableDegraded)
	// The policy file is still written even when it cannot be pinned.
	require.NotEmpty(t, f.inst.Installed(s.PolicyPath))

	report := f.m.Release(context.Background(), s)
	require.True(t, report.Clean(), "warnings: %v", report.Warnings)
}

func TestAcquireUnrestrictedRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	req := testRequest(t, types.ModeUnrestricted)

	_, err := f.m.Acquire(context.Background(), req)
	require.ErrorIs(t, err, netfilter.ErrUnconfirmedUnrestricted)
	require.Empty(t, f.mounts.Mounted())

	req.ConfirmUnrestricted = true
	s, err := f.m.Acquire(context.Background(), req)
	require.NoError(t, err)
	require.False(t, s.FilterInstalled)
	require.Equal(t, 0, f.nft.Applies())
}

func TestAcquireIsolatedInstallsNoTable(t *testing.T) {
	f := newFixture(t)

	s, err := f.m.Acquire(context.Background(), testRequest(t, types.ModeIsolated))
	require.NoError(t, err)
	require.False(t, s.FilterInstalled)
	require.Equal(t, 0, f.nft.Applies())
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)

	s, err := f.m.Acquire(context.Background(), testRequest(t, types.ModeRestricted))
	require.NoError(t, err)

	first := f.m.Release(context.Background(), s)
	require.True(t, first.Clean(), "warnings: %v", first.Warnings)
	require.Equal(t, 1, f.reaper.Calls())

	second := f.m.Release(context.Background(), s)
	require.True(t, second.Clean())
	require.Equal(t, 1, f.reaper.Calls(), "released session must not be reaped again")
}

func TestReleaseReportsStuckProcesses(t *testing.T) {
	f := newFixture(t)
	req := testRequest(t, types.ModeRestricted)

	s, err := f.m.Acquire(context.Background(), req)
	require.NoError(t, err)

	f.reaper.Add(req.Root, 100)
	f.reaper.Add(req.Root, 200)
	f.reaper.Stuck = []int{200}

	report := f.m.Release(context.Background(), s)
	require.Equal(t, []int{100}, report.Reaped)
	require.False(t, report.Clean())
	require.Equal(t, "residual_process", report.Warnings[0].Kind)
	require.Contains(t, report.Warnings[0].Detail, "200")
	// Residual processes never block resource teardown.
	require.Empty(t, f.mounts.Mounted())
	require.Equal(t, StateReleased, s.State)
}

// stuckMountProvider refuses to unmount one target, even forced.
type stuckMountProvider struct {
	jail.MountProvider
	stuck string
}

func (p *stuckMountProvider) Unmount(target string, force bool) error {
	if target == p.stuck {
		return errors.New("device or resource busy")
	}
	return p.MountProvider.Unmount(target, force)
}

func TestReleaseReportsResidualMounts(t *testing.T) {
	f := newFixture(t)
	req := testRequest(t, types.ModeRestricted)
	stuck := filepath.Join(req.Root, "workspace")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.m = NewManager(f.stateDir, time.Second, Deps{
		Jail:      jail.New(&stuckMountProvider{MountProvider: f.mounts, stuck: stuck}, log, 1),
		Installer: f.inst,
		Filter:    netfilter.New(f.nft, log),
		Reaper:    f.reaper,
		Log:       log,
	})

	s, err := f.m.Acquire(context.Background(), req)
	require.NoError(t, err)

	report := f.m.Release(context.Background(), s)
	require.False(t, report.Clean())
	require.Equal(t, "residual_mount", report.Warnings[0].Kind)
	require.Contains(t, report.Warnings[0].Detail, stuck)
	require.Equal(t, StateReleased, s.State)
}

func TestForceDrainRecoversOrphanedSession(t *testing.T) {
	f := newFixture(t)
	req := testRequest(t, types.ModeRestricted)

	s, err := f.m.Acquire(context.Background(), req)
	require.NoError(t, err)

	// Simulate the controlling process dying: drop the in-memory session
	// and recover from the persisted record, as cleanup does.
	s.lock = nil
	orphan, err := LoadState(f.stateDir, s.ID)
	require.NoError(t, err)
	require.NotNil(t, orphan)
	require.True(t, orphan.MountsAcquired)

	report := f.m.ForceDrain(context.Background(), orphan)
	require.True(t, report.Clean(), "warnings: %v", report.Warnings)
	require.Empty(t, f.mounts.Mounted())

	persisted, err := LoadState(f.stateDir, s.ID)
	require.NoError(t, err)
	require.Nil(t, persisted)
}

func TestReconcileSwapsRules(t *testing.T) {
	f := newFixture(t)
	req := testRequest(t, types.ModeRestricted)

	s, err := f.m.Acquire(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, f.nft.Applies())

	// Unchanged snapshot is a no-op thanks to the hash check.
	require.NoError(t, f.m.Reconcile(context.Background(), s, req.Snapshot))
	require.Equal(t, 1, f.nft.Applies())

	next := &resolver.Snapshot{
		Version: 2,
		Domains: map[string][]netip.Prefix{
			"api.example.org": {netip.MustParsePrefix("93.184.216.2/32")},
		},
	}
	require.NoError(t, f.m.Reconcile(context.Background(), s, next))
	require.Equal(t, 2, f.nft.Applies())
}

func TestReconcileNoopOutsideRestricted(t *testing.T) {
	f := newFixture(t)

	s, err := f.m.Acquire(context.Background(), testRequest(t, types.ModeIsolated))
	require.NoError(t, err)

	require.NoError(t, f.m.Reconcile(context.Background(), s, &resolver.Snapshot{Version: 2}))
	require.Equal(t, 0, f.nft.Applies())
}

func TestStateTransitions(t *testing.T) {
	s := &Session{State: StateCreated}
	require.NoError(t, s.transition(StateMounting))
	require.NoError(t, s.transition(StateMounted))
	require.NoError(t, s.transition(StateFilterInstalled))
	require.NoError(t, s.transition(StateActive))
	require.Error(t, s.transition(StateMounted), "lifecycle never moves backwards")
	require.NoError(t, s.transition(StateDraining))
	require.NoError(t, s.transition(StateReleased))
	require.True(t, s.State.Terminal())
	require.Error(t, s.transition(StateDraining))
}

func TestStatePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &Session{
		ID:             "ab12cd34",
		Root:           "/srv/jails/a",
		UID:            1000,
		Mode:           types.ModeRestricted,
		State:          StateFilterInstalled,
		MountsAcquired: true,
		Mounts: []types.MountEntry{
			{Target: "/tmp", Kind: types.MountTmpfs, Writable: true},
		},
	}
	require.NoError(t, saveState(dir, s))

	got, err := LoadState(dir, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, s.State, got.State)
	require.True(t, got.MountsAcquired)
	require.Len(t, got.Mounts, 1)

	// A partially written record must never be loaded.
	require.NoError(t, os.WriteFile(stateFilePath(dir, s.ID), []byte(`{"id":`), 0o644))
	_, err = LoadState(dir, s.ID)
	require.Error(t, err)
}

func TestConcurrentSessionsKeepSeparateRecords(t *testing.T) {
	stateDir := t.TempDir()
	f := newFixtureAt(t, stateDir)
	ctx := context.Background()

	// Two sessions on disjoint jail roots share one state dir.
	s1, err := f.m.Acquire(ctx, testRequest(t, types.ModeRestricted))
	require.NoError(t, err)
	s2, err := f.m.Acquire(ctx, testRequest(t, types.ModeRestricted))
	require.NoError(t, err)
	require.NotEqual(t, s1.Root, s2.Root)

	records, err := LoadStates(stateDir)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Releasing one session must not disturb the other's record.
	report := f.m.Release(ctx, s1)
	require.True(t, report.Clean(), "warnings: %v", report.Warnings)

	gone, err := LoadState(stateDir, s1.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := LoadState(stateDir, s2.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.Equal(t, s2.Root, kept.Root)

	report = f.m.Release(ctx, s2)
	require.True(t, report.Clean(), "warnings: %v", report.Warnings)
}

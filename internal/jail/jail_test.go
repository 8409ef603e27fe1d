package jail

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentcage/agentcage/pkg/types"
)

func testMounts(t *testing.T) (string, []types.MountEntry) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "store"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "work"), 0o755))
	return src, []types.MountEntry{
		{Source: filepath.Join(src, "store"), Target: "/nix/store", Kind: types.MountBind},
		{Source: filepath.Join(src, "bin"), Target: "/bin", Kind: types.MountBind},
		{Source: filepath.Join(src, "work"), Target: "/workspace", Kind: types.MountBind, Writable: true},
		{Target: "/tmp", Kind: types.MountTmpfs, Writable: true},
	}
}

func TestAcquireAppliesMountsInOrder(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jail")
	_, mounts := testMounts(t)
	p := NewFakeProvider()
	j := New(p, nil, 2)

	h, err := j.Acquire(root, mounts, SeedSpec{User: "agent", UID: 1000, GID: 1000})
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(root, "nix/store"),
		filepath.Join(root, "bin"),
		filepath.Join(root, "workspace"),
		filepath.Join(root, "tmp"),
	}, p.Mounted())

	require.Empty(t, j.Release(h))
	require.Empty(t, p.Mounted(), "release unmounts everything")
}

func TestAcquireFailureUnwindsPriorMounts(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jail")
	_, mounts := testMounts(t)
	p := NewFakeProvider()
	p.FailOn[filepath.Join(root, "workspace")] = errors.New("no such device")
	j := New(p, nil, 2)

	_, err := j.Acquire(root, mounts, SeedSpec{})
	var me *MountError
	require.ErrorAs(t, err, &me)
	require.Equal(t, "/workspace", me.Entry.Target)
	require.Empty(t, p.Mounted(), "the two prior mounts are unwound")
}

func TestAcquireMissingBindSourceFails(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jail")
	mounts := []types.MountEntry{
		{Source: "/definitely/not/here", Target: "/bin", Kind: types.MountBind},
	}
	j := New(NewFakeProvider(), nil, 2)
	_, err := j.Acquire(root, mounts, SeedSpec{})
	var me *MountError
	require.ErrorAs(t, err, &me)
}

func TestAcquireRejectsEscapingTarget(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jail")
	j := New(NewFakeProvider(), nil, 2)
	_, err := j.Acquire(root, []types.MountEntry{
		{Source: t.TempDir(), Target: "/", Kind: types.MountBind},
	}, SeedSpec{})
	require.Error(t, err)
}

func TestReleaseBusyMountRetriesThenDetaches(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jail")
	_, mounts := testMounts(t)
	p := NewFakeProvider()
	j := New(p, nil, 2)
	j.retryDelay = 0

	h, err := j.Acquire(root, mounts, SeedSpec{})
	require.NoError(t, err)

	p.Busy[filepath.Join(root, "workspace")] = true
	residual := j.Release(h)
	require.Empty(t, residual, "forced detach clears the busy target")
	require.Empty(t, p.Mounted())
}

func TestReleaseReportsResidualWithoutAborting(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jail")
	_, mounts := testMounts(t)
	// /bin resists even the forced unmount; everything else must still
	// be released.
	p := NewFakeProvider()
	stuck := filepath.Join(root, "bin")
	j := New(&stuckProvider{FakeProvider: p, stuck: stuck}, nil, 2)
	j.retryDelay = 0

	h, err := j.Acquire(root, mounts, SeedSpec{})
	require.NoError(t, err)

	residual := j.Release(h)
	require.Len(t, residual, 1)
	require.Equal(t, stuck, residual[0].Target)
	require.Equal(t, []string{stuck}, p.Mounted())
}

func TestReleaseIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jail")
	_, mounts := testMounts(t)
	p := NewFakeProvider()
	j := New(p, nil, 2)

	h, err := j.Acquire(root, mounts, SeedSpec{})
	require.NoError(t, err)
	require.Empty(t, j.Release(h))
	require.Empty(t, j.Release(h), "second release is a silent no-op")
}

// stuckProvider refuses all unmounts of one target, forced or not.
type stuckProvider struct {
	*FakeProvider
	stuck string
}

func (s *stuckProvider) Unmount(target string, force bool) error {
	if target == s.stuck {
		return errors.New("target is pinned")
	}
	return s.FakeProvider.Unmount(target, force)
}

func TestSeedIsContentAddressed(t *testing.T) {
	root := t.TempDir()
	spec := SeedSpec{Hostname: "cage", User: "agent", UID: 1000, GID: 1000, Nameservers: []string{"1.1.1.1"}}
	require.NoError(t, Seed(root, spec))

	passwd := filepath.Join(root, "etc/passwd")
	b, err := os.ReadFile(passwd)
	require.NoError(t, err)
	require.Contains(t, string(b), "agent:x:1000:1000")

	// Mutate the file; an unchanged spec must not rewrite it.
	require.NoError(t, os.WriteFile(passwd, []byte("tampered\n"), 0o644))
	require.NoError(t, Seed(root, spec))
	b, err = os.ReadFile(passwd)
	require.NoError(t, err)
	require.Equal(t, "tampered\n", string(b), "matching seed stamp skips rewrite")

	// A changed spec rewrites.
	spec.Hostname = "other"
	require.NoError(t, Seed(root, spec))
	b, err = os.ReadFile(filepath.Join(root, "etc/hostname"))
	require.NoError(t, err)
	require.Equal(t, "other\n", string(b))
}

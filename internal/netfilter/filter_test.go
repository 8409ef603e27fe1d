package netfilter

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentcage/agentcage/internal/resolver"
	"github.com/agentcage/agentcage/pkg/types"
)

func testSnapshot() *resolver.Snapshot {
	return &resolver.Snapshot{
		Version: 1,
		Domains: map[string][]netip.Prefix{
			"api.example.org": {netip.MustParsePrefix("93.184.216.1/32")},
			"v6.example.org":  {netip.MustParsePrefix("2606:4700::1111/128")},
		},
	}
}

func TestCompileRestrictedRuleset(t *testing.T) {
	rs := Compile("sess-AB12cd34", 1000, testSnapshot())

	require.Equal(t, "agentcage_sessab12cd34", rs.Table)
	require.Contains(t, rs.Script, "meta skuid != 1000 accept")
	require.Contains(t, rs.Script, `oifname "lo" accept`)
	require.Contains(t, rs.Script, "ct state established,related accept")
	require.Contains(t, rs.Script, "udp dport 53 accept")
	require.Contains(t, rs.Script, "ip daddr 93.184.216.1 tcp dport { 80, 443 } accept")
	require.Contains(t, rs.Script, "ip6 daddr 2606:4700::1111 tcp dport { 80, 443 } accept")
	require.Contains(t, rs.Script, `log prefix "agentcage-drop sid=sess-AB12cd34 " drop`)

	// Atomic replace pattern: declare, delete, re-create in one script.
	lines := strings.Split(rs.Script, "\n")
	require.Equal(t, "table inet "+rs.Table, lines[0])
	require.Equal(t, "delete table inet "+rs.Table, lines[1])

	// The trailing drop must come after every accept.
	require.Greater(t, strings.Index(rs.Script, "log prefix"), strings.LastIndex(rs.Script, "accept"))
}

func TestCompileHashStable(t *testing.T) {
	a := Compile("s1", 1000, testSnapshot())
	b := Compile("s1", 1000, testSnapshot())
	require.Equal(t, a.Hash, b.Hash)

	c := Compile("s1", 1001, testSnapshot())
	require.NotEqual(t, a.Hash, c.Hash)
}

func TestInstallRestrictedIdempotent(t *testing.T) {
	p := NewFakeProvider()
	f := New(p, nil)
	snap := testSnapshot()

	require.NoError(t, f.Install("s1", 1000, snap, types.ModeRestricted, false))
	require.Equal(t, 1, p.Applies())

	// Same rule set: no second apply.
	require.NoError(t, f.Install("s1", 1000, snap, types.ModeRestricted, false))
	require.Equal(t, 1, p.Applies())

	// Changed snapshot: re-applied atomically.
	snap.Domains["api.example.org"] = []netip.Prefix{netip.MustParsePrefix("93.184.216.9/32")}
	require.NoError(t, f.Reconcile("s1", 1000, snap))
	require.Equal(t, 2, p.Applies())
	require.Contains(t, p.Script(TableName("s1")), "93.184.216.9")
}

func TestInstallFailureWrapsInstallError(t *testing.T) {
	p := NewFakeProvider()
	p.ApplyErr = errors.New("nft: command not found")
	f := New(p, nil)

	err := f.Install("s1", 1000, testSnapshot(), types.ModeRestricted, false)
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, "s1", ie.SessionID)
}

func TestIsolatedInstallsNothing(t *testing.T) {
	p := NewFakeProvider()
	f := New(p, nil)
	require.NoError(t, f.Install("s1", 1000, testSnapshot(), types.ModeIsolated, false))
	require.Equal(t, 0, p.Applies())
}

func TestUnrestrictedRequiresConfirmation(t *testing.T) {
	f := New(NewFakeProvider(), nil)
	err := f.Install("s1", 1000, testSnapshot(), types.ModeUnrestricted, false)
	require.ErrorIs(t, err, ErrUnconfirmedUnrestricted)

	require.NoError(t, f.Install("s1", 1000, testSnapshot(), types.ModeUnrestricted, true))
}

func TestRemoveIdempotent(t *testing.T) {
	p := NewFakeProvider()
	f := New(p, nil)
	require.NoError(t, f.Install("s1", 1000, testSnapshot(), types.ModeRestricted, false))

	require.NoError(t, f.Remove("s1"))
	exists, err := p.Exists(TableName("s1"))
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, f.Remove("s1"), "removing an absent table succeeds silently")
	require.NoError(t, f.Remove("never-installed"))
}

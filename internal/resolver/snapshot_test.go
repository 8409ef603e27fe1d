package resolver

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func pfx(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestDiffPartitionsSymmetricDifference(t *testing.T) {
	old := &Snapshot{Domains: map[string][]netip.Prefix{
		"api.example.org": {pfx(t, "93.184.216.1/32"), pfx(t, "93.184.216.2/32")},
		"gone.example":    {pfx(t, "198.0.0.1/32")},
	}}
	new := &Snapshot{Domains: map[string][]netip.Prefix{
		"api.example.org": {pfx(t, "93.184.216.2/32"), pfx(t, "93.184.216.3/32")},
		"new.example":     {pfx(t, "8.8.8.8/32")},
	}}

	d := Diff(old, new)
	require.Equal(t, []netip.Prefix{pfx(t, "93.184.216.3/32")}, d.Added["api.example.org"])
	require.Equal(t, []netip.Prefix{pfx(t, "8.8.8.8/32")}, d.Added["new.example"])
	require.Equal(t, []netip.Prefix{pfx(t, "93.184.216.1/32")}, d.Removed["api.example.org"])
	require.Equal(t, []netip.Prefix{pfx(t, "198.0.0.1/32")}, d.Removed["gone.example"])
}

func TestDiffSelfIsEmpty(t *testing.T) {
	s := &Snapshot{Domains: map[string][]netip.Prefix{
		"api.example.org": {pfx(t, "93.184.216.1/32")},
	}}
	d := Diff(s, s)
	require.True(t, d.Empty())
}

func TestDiffNilSnapshots(t *testing.T) {
	s := &Snapshot{Domains: map[string][]netip.Prefix{"a.example": {pfx(t, "1.1.1.1/32")}}}
	require.Len(t, Diff(nil, s).Added, 1)
	require.Len(t, Diff(s, nil).Removed, 1)
	require.True(t, Diff(nil, nil).Empty())
}

func TestRoutableFiltersReservedRanges(t *testing.T) {
	reserved := []string{
		"127.0.0.1", "10.1.2.3", "172.16.9.9", "192.168.0.1",
		"169.254.1.1", "192.0.2.44", "198.51.100.7", "203.0.113.5",
		"100.64.0.1", "224.0.0.251", "::1", "fe80::1", "fd00::2", "2001:db8::1",
	}
	for _, s := range reserved {
		require.False(t, Routable(netip.MustParseAddr(s)), "expected %s to be filtered", s)
	}
	routable := []string{"93.184.216.1", "8.8.8.8", "2606:4700::1111"}
	for _, s := range routable {
		require.True(t, Routable(netip.MustParseAddr(s)), "expected %s to be routable", s)
	}
}

func TestPrefixesDeterministicOrder(t *testing.T) {
	s := &Snapshot{Domains: map[string][]netip.Prefix{
		"b.example": {pfx(t, "2.2.2.2/32")},
		"a.example": {pfx(t, "1.1.1.1/32")},
	}}
	got := s.Prefixes()
	require.Equal(t, []netip.Prefix{pfx(t, "1.1.1.1/32"), pfx(t, "2.2.2.2/32")}, got)
}

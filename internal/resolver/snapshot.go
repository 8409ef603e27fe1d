// Package resolver turns the policy's domain allowlist into versioned
// address snapshots. Snapshots are the only input the packet filter trusts:
// reserved and non-routable ranges are filtered out at construction, never
// at consumption.
package resolver

import (
	"net/netip"
	"slices"
	"time"
)

// Snapshot maps each allowlisted domain to the prefixes it resolved to.
// Version increases only when the address content changes.
type Snapshot struct {
	Version     uint64
	GeneratedAt time.Time
	Domains     map[string][]netip.Prefix
}

// Delta is the outcome of comparing two snapshots.
type Delta struct {
	Added   map[string][]netip.Prefix
	Removed map[string][]netip.Prefix
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// AddedCount is the total number of added prefixes across all domains.
func (d Delta) AddedCount() int {
	n := 0
	for _, ps := range d.Added {
		n += len(ps)
	}
	return n
}

// RemovedCount is the total number of removed prefixes across all domains.
func (d Delta) RemovedCount() int {
	n := 0
	for _, ps := range d.Removed {
		n += len(ps)
	}
	return n
}

// Diff returns the prefixes present in new but not old (Added) and in old
// but not new (Removed), per domain. It is pure and total: nil snapshots
// are treated as empty.
func Diff(old, new *Snapshot) Delta {
	d := Delta{
		Added:   make(map[string][]netip.Prefix),
		Removed: make(map[string][]netip.Prefix),
	}
	oldD := map[string][]netip.Prefix{}
	newD := map[string][]netip.Prefix{}
	if old != nil {
		oldD = old.Domains
	}
	if new != nil {
		newD = new.Domains
	}
	for domain, prefixes := range newD {
		for _, p := range prefixes {
			if !slices.Contains(oldD[domain], p) {
				d.Added[domain] = append(d.Added[domain], p)
			}
		}
	}
	for domain, prefixes := range oldD {
		for _, p := range prefixes {
			if !slices.Contains(newD[domain], p) {
				d.Removed[domain] = append(d.Removed[domain], p)
			}
		}
	}
	return d
}

// SameAddresses reports whether both snapshots resolve to identical
// (domain, prefix) sets, ignoring version and timestamp.
func SameAddresses(a, b *Snapshot) bool {
	return Diff(a, b).Empty()
}

// Prefixes returns every prefix in the snapshot in deterministic order:
// domains sorted, prefixes in resolution order.
func (s *Snapshot) Prefixes() []netip.Prefix {
	if s == nil {
		return nil
	}
	domains := make([]string, 0, len(s.Domains))
	for d := range s.Domains {
		domains = append(domains, d)
	}
	slices.Sort(domains)
	var out []netip.Prefix
	for _, d := range domains {
		out = append(out, s.Domains[d]...)
	}
	return out
}

// reservedPrefixes are never legitimate allowlist targets: a resolution
// into one of these indicates misresolution or a poisoned response.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("ff00::/8"),
}

// Routable reports whether the address is acceptable in a snapshot.
func Routable(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return addr.IsValid()
}

// hostPrefix wraps a single address as a full-length prefix.
func hostPrefix(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen())
}

package resolver

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// ResolutionError reports a single domain that could not be resolved. It is
// non-fatal: Resolve omits the domain and carries on.
type ResolutionError struct {
	Domain string
	Cause  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Domain, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// LookupFunc resolves one domain to addresses. Injectable for tests.
type LookupFunc func(domain string) ([]netip.Addr, error)

// Resolver produces snapshots from a domain allowlist.
type Resolver struct {
	lookup LookupFunc
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces the DNS lookup, typically with a fake in tests.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New returns a Resolver querying nameserver (host:port; empty means
// discover via /etc/resolv.conf) with the given per-attempt timeout.
func New(nameserver string, timeout time.Duration, log *slog.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	r := &Resolver{
		lookup: dnsLookup(nameserver, timeout),
		log:    log,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve builds a snapshot for the ordered domain list. A domain that
// fails or times out is logged and omitted; the per-domain errors are
// returned alongside the snapshot. Reserved and non-routable addresses are
// dropped here so no consumer ever sees them.
func (r *Resolver) Resolve(domains []string) (*Snapshot, []*ResolutionError) {
	snap := &Snapshot{
		Version:     1,
		GeneratedAt: r.now().UTC(),
		Domains:     make(map[string][]netip.Prefix, len(domains)),
	}
	var failures []*ResolutionError
	for _, domain := range domains {
		addrs, err := r.lookup(domain)
		if err != nil {
			re := &ResolutionError{Domain: domain, Cause: err}
			failures = append(failures, re)
			r.log.Warn("domain resolution failed", "domain", domain, "error", err)
			continue
		}
		var prefixes []netip.Prefix
		for _, a := range addrs {
			if !Routable(a) {
				r.log.Warn("discarding reserved address", "domain", domain, "addr", a.String())
				continue
			}
			p := hostPrefix(a)
			if !containsPrefix(prefixes, p) {
				prefixes = append(prefixes, p)
			}
		}
		sort.Slice(prefixes, func(i, j int) bool {
			return prefixes[i].Addr().Less(prefixes[j].Addr())
		})
		snap.Domains[domain] = prefixes
	}
	return snap, failures
}

func containsPrefix(ps []netip.Prefix, p netip.Prefix) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}

// dnsLookup queries A and AAAA records with hard timeouts on every leg, so
// a stalled nameserver surfaces as a ResolutionError rather than a hang.
func dnsLookup(nameserver string, timeout time.Duration) LookupFunc {
	client := &dns.Client{
		Net:          "udp",
		Timeout:      timeout,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	return func(domain string) ([]netip.Addr, error) {
		ns := nameserver
		if ns == "" {
			conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
			if err != nil || len(conf.Servers) == 0 {
				return nil, fmt.Errorf("no nameserver configured: %v", err)
			}
			ns = net.JoinHostPort(conf.Servers[0], conf.Port)
		}

		var addrs []netip.Addr
		var lastErr error
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(domain), qtype)
			resp, _, err := client.Exchange(msg, ns)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
				continue
			}
			for _, rr := range resp.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
						addrs = append(addrs, a)
					}
				case *dns.AAAA:
					if a, ok := netip.AddrFromSlice(rec.AAAA); ok {
						addrs = append(addrs, a)
					}
				}
			}
		}
		if len(addrs) == 0 {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("no address records")
		}
		return addrs, nil
	}
}

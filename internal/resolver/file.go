package resolver

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// The snapshot file format is one "domain=ip1,ip2,..." line per domain,
// with blank lines and #-comments ignored. Version and timestamp ride in
// directive comments so the body stays human-diffable and hand-editable.
const (
	versionDirective   = "# agentcage-version:"
	generatedDirective = "# agentcage-generated:"
)

// ReadFile parses a snapshot file. The whole file is rejected on the first
// malformed entry; a manually edited file is either fully trusted or not
// at all. A missing file yields an empty snapshot with version zero.
func ReadFile(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Snapshot{Domains: map[string][]netip.Prefix{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Parse(b)
}

// Parse decodes snapshot file content.
func Parse(b []byte) (*Snapshot, error) {
	snap := &Snapshot{Domains: map[string][]netip.Prefix{}}
	sc := bufio.NewScanner(bytes.NewReader(b))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, versionDirective):
			v, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, versionDirective)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("snapshot line %d: bad version directive", lineno)
			}
			snap.Version = v
		case strings.HasPrefix(line, generatedDirective):
			ts, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(line, generatedDirective)))
			if err != nil {
				return nil, fmt.Errorf("snapshot line %d: bad generated directive", lineno)
			}
			snap.GeneratedAt = ts
		case strings.HasPrefix(line, "#"):
			continue
		default:
			domain, rest, ok := strings.Cut(line, "=")
			domain = strings.TrimSpace(domain)
			if !ok || domain == "" {
				return nil, fmt.Errorf("snapshot line %d: expected domain=ip,...", lineno)
			}
			if _, dup := snap.Domains[domain]; dup {
				return nil, fmt.Errorf("snapshot line %d: duplicate domain %q", lineno, domain)
			}
			var prefixes []netip.Prefix
			for _, field := range strings.Split(rest, ",") {
				field = strings.TrimSpace(field)
				if field == "" {
					continue
				}
				p, err := parsePrefixOrAddr(field)
				if err != nil {
					return nil, fmt.Errorf("snapshot line %d: %w", lineno, err)
				}
				prefixes = append(prefixes, p)
			}
			snap.Domains[domain] = prefixes
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return snap, nil
}

func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q", s)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q", s)
	}
	return hostPrefix(addr), nil
}

// WriteFile persists the snapshot atomically (temp file + rename in the
// destination directory).
func WriteFile(path string, snap *Snapshot) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d\n", versionDirective, snap.Version)
	fmt.Fprintf(&buf, "%s %s\n", generatedDirective, snap.GeneratedAt.UTC().Format(time.RFC3339))
	domains := make([]string, 0, len(snap.Domains))
	for d := range snap.Domains {
		domains = append(domains, d)
	}
	slices.Sort(domains)
	for _, d := range domains {
		parts := make([]string, 0, len(snap.Domains[d]))
		for _, p := range snap.Domains[d] {
			if p.IsSingleIP() {
				parts = append(parts, p.Addr().String())
			} else {
				parts = append(parts, p.String())
			}
		}
		fmt.Fprintf(&buf, "%s=%s\n", d, strings.Join(parts, ","))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

package jail

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SeedSpec parameterizes the identity and resolver files materialized in a
// fresh jail root.
type SeedSpec struct {
	Hostname    string
	User        string
	UID         int
	GID         int
	Nameservers []string
}

// seedStampFile records the content hash of the last applied seed so a
// repeated setup with unchanged inputs is a no-op.
const seedStampFile = ".agentcage-seed"

var skeletonDirs = []string{
	"etc", "proc", "sys", "dev", "tmp", "var/tmp", "workspace", "bin", "usr",
}

// Seed writes the minimal file set a jailed program expects: passwd, group,
// hostname, hosts and resolv.conf. Content is deterministic and hashed; if
// the stamp matches, nothing is rewritten.
func Seed(root string, spec SeedSpec) error {
	files := renderSeedFiles(spec)
	hash := seedHash(files)

	stampPath := filepath.Join(root, seedStampFile)
	if prev, err := os.ReadFile(stampPath); err == nil && strings.TrimSpace(string(prev)) == hash {
		return nil
	}

	for _, d := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.WriteFile(stampPath, []byte(hash+"\n"), 0o644); err != nil {
		return fmt.Errorf("write seed stamp: %w", err)
	}
	return nil
}

func renderSeedFiles(spec SeedSpec) map[string]string {
	hostname := spec.Hostname
	if hostname == "" {
		hostname = "agentcage"
	}
	user := spec.User
	if user == "" {
		user = "agent"
	}

	var resolv strings.Builder
	for _, ns := range spec.Nameservers {
		fmt.Fprintf(&resolv, "nameserver %s\n", ns)
	}
	if resolv.Len() == 0 {
		resolv.WriteString("nameserver 1.1.1.1\n")
	}

	return map[string]string{
		"etc/passwd": fmt.Sprintf(
			"root:x:0:0:root:/root:/bin/sh\n%s:x:%d:%d:%s:/workspace:/bin/sh\n",
			user, spec.UID, spec.GID, user),
		"etc/group": fmt.Sprintf("root:x:0:\n%s:x:%d:\n", user, spec.GID),
		"etc/hosts": fmt.Sprintf(
			"127.0.0.1 localhost\n::1 localhost\n127.0.1.1 %s\n", hostname),
		"etc/hostname":    hostname + "\n",
		"etc/resolv.conf": resolv.String(),
	}
}

// seedHash is stable across runs: files are hashed in sorted name order.
func seedHash(files map[string]string) string {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	slices.Sort(names)
	h := sha256.New()
	for _, n := range names {
		fmt.Fprintf(h, "%s\x00%s\x00", n, files[n])
	}
	return hex.EncodeToString(h.Sum(nil))
}

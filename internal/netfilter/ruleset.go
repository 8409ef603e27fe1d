// Package netfilter translates a resolved allowlist into an nftables rule
// set scoped to the session's credential, and installs or removes it as one
// atomic transaction per session table.
package netfilter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agentcage/agentcage/internal/resolver"
)

// DropLogPrefix is the greppable tag on every default-deny drop. The full
// kernel log prefix is "agentcage-drop sid=<session> ", so external log
// pipelines can attribute drops to a session.
const DropLogPrefix = "agentcage-drop"

// allowedPorts are the destination ports permitted to allowlisted
// prefixes. The sandboxed agent talks HTTP(S) to its API; nothing else.
var allowedPorts = "{ 80, 443 }"

// TableName derives the session-scoped nftables table name.
func TableName(sessionID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, sessionID)
	if len(id) > 12 {
		id = id[:12]
	}
	return "agentcage_" + id
}

// Ruleset is a compiled, hashable nft script for one session.
type Ruleset struct {
	Table  string
	Script string
	Hash   string
}

// Compile renders the deny-by-default rule set for a Restricted session.
// Traffic from other UIDs is untouched; for the session UID the accepts
// are loopback, DNS (a documented exfiltration caveat, not an oversight),
// established flows, and each snapshot prefix on 80/443. Everything else
// is logged and dropped.
func Compile(sessionID string, uid int, snap *resolver.Snapshot) Ruleset {
	table := TableName(sessionID)
	var b strings.Builder

	// Declare-then-delete makes the delete succeed whether or not the
	// table exists, and the whole file applies as one transaction.
	fmt.Fprintf(&b, "table inet %s\n", table)
	fmt.Fprintf(&b, "delete table inet %s\n", table)
	fmt.Fprintf(&b, "table inet %s {\n", table)
	fmt.Fprintf(&b, "\tchain output {\n")
	fmt.Fprintf(&b, "\t\ttype filter hook output priority filter; policy accept;\n")
	fmt.Fprintf(&b, "\t\tmeta skuid != %d accept\n", uid)
	fmt.Fprintf(&b, "\t\toifname \"lo\" accept\n")
	fmt.Fprintf(&b, "\t\tct state established,related accept\n")
	fmt.Fprintf(&b, "\t\tudp dport 53 accept\n")
	fmt.Fprintf(&b, "\t\ttcp dport 53 accept\n")
	for _, p := range snap.Prefixes() {
		family := "ip"
		if p.Addr().Is6() {
			family = "ip6"
		}
		daddr := p.String()
		if p.IsSingleIP() {
			daddr = p.Addr().String()
		}
		fmt.Fprintf(&b, "\t\t%s daddr %s tcp dport %s accept\n", family, daddr, allowedPorts)
	}
	fmt.Fprintf(&b, "\t\tlog prefix \"%s sid=%s \" drop\n", DropLogPrefix, sessionID)
	fmt.Fprintf(&b, "\t}\n")
	fmt.Fprintf(&b, "}\n")

	script := b.String()
	sum := sha256.Sum256([]byte(script))
	return Ruleset{Table: table, Script: script, Hash: hex.EncodeToString(sum[:])}
}

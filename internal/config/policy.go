package config

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Policy is the declarative allow/deny document for one session. It is an
// immutable value: a policy change means a new Policy and either a new
// session or an explicit reconcile.
type Policy struct {
	// DeniedInvocations are shell-glob patterns of tool invocations the
	// invoking agent must refuse. They are validated here and consumed by
	// the agent's own gating; the session manager records them in the
	// immutable policy file as a defense-in-depth layer.
	DeniedInvocations []string `yaml:"denied_invocations"`

	// AllowedDomains is the ordered network allowlist. Order is preserved
	// because the snapshot file and the compiled rule set follow it.
	AllowedDomains []string `yaml:"allowed_domains"`

	Limits ResourceLimits `yaml:"resource_limits"`

	compiled []glob.Glob
}

// ResourceLimits bound the sandboxed process tree. Zero means unlimited.
type ResourceLimits struct {
	MaxProcesses     uint64 `yaml:"max_processes"`
	MaxVirtualMemory uint64 `yaml:"max_virtual_memory"`
	MaxFileSize      uint64 `yaml:"max_file_size"`
}

// Validate compiles the denied-invocation patterns and checks the domain
// list. A policy that fails validation is rejected whole.
func (p *Policy) Validate() error {
	p.compiled = p.compiled[:0]
	for _, pat := range p.DeniedInvocations {
		g, err := glob.Compile(pat)
		if err != nil {
			return fmt.Errorf("denied_invocations pattern %q: %w", pat, err)
		}
		p.compiled = append(p.compiled, g)
	}
	seen := make(map[string]bool, len(p.AllowedDomains))
	for _, d := range p.AllowedDomains {
		if d == "" {
			return fmt.Errorf("allowed_domains contains an empty entry")
		}
		if seen[d] {
			return fmt.Errorf("allowed_domains contains %q twice", d)
		}
		seen[d] = true
	}
	return nil
}

// Denies reports whether the invocation matches any denied pattern.
// Validate must have been called first.
func (p *Policy) Denies(invocation string) bool {
	for _, g := range p.compiled {
		if g.Match(invocation) {
			return true
		}
	}
	return false
}

// Package config loads the agentcage configuration and session policy.
// Configuration is layered: built-in defaults, then an optional system file,
// then an optional user override. Policy is a separate document loaded per
// session and never mutated in place.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/agentcage/agentcage/pkg/types"
)

type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
	Resolver ResolverConfig `yaml:"resolver"`
	Session  SessionConfig  `yaml:"session"`

	// Mounts is the ordered mount table applied inside the jail, before
	// the per-session workspace mount. Order matters: nested targets must
	// follow their parent.
	Mounts []types.MountEntry `yaml:"mounts"`
}

// PathsConfig locates the jail root and the state files agentcage owns.
type PathsConfig struct {
	// JailRoot is the directory presented as / to the sandboxed program.
	JailRoot string `yaml:"jail_root"`

	// StateDir holds the snapshot file, lock files and the audit database.
	StateDir string `yaml:"state_dir"`

	// Workspace is bind-mounted writable inside the jail.
	Workspace string `yaml:"workspace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type AuditConfig struct {
	// Backend selects the event store: sqlite or jsonl.
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	JSONLPath  string `yaml:"jsonl_path"`
}

type ResolverConfig struct {
	// Nameserver overrides /etc/resolv.conf discovery (host:port).
	Nameserver string `yaml:"nameserver"`

	// Timeout bounds one domain resolution attempt.
	Timeout Duration `yaml:"timeout"`
}

type SessionConfig struct {
	// User is the non-privileged identity the jailed program runs as.
	User string `yaml:"user"`

	// ReapGrace is the wait between SIGTERM and SIGKILL during teardown.
	ReapGrace Duration `yaml:"reap_grace"`

	// UnmountRetries bounds how often a busy unmount is retried before
	// falling back to a lazy detach.
	UnmountRetries int `yaml:"unmount_retries"`
}

// Default returns the built-in configuration layered under any loaded file.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			JailRoot: "/var/lib/agentcage/jail",
			StateDir: "/var/lib/agentcage",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Audit: AuditConfig{
			Backend:    "sqlite",
			SQLitePath: "/var/lib/agentcage/audit.db",
			JSONLPath:  "/var/lib/agentcage/audit.jsonl",
		},
		Resolver: ResolverConfig{Timeout: Duration(3 * time.Second)},
		Session: SessionConfig{
			User:           "agent",
			ReapGrace:      Duration(5 * time.Second),
			UnmountRetries: 3,
		},
		// The package store is read-only on purpose: store permissions
		// alone are not the write barrier.
		Mounts: []types.MountEntry{
			{Source: "/nix/store", Target: "/nix/store", Kind: types.MountBind, Writable: false},
			{Source: "/bin", Target: "/bin", Kind: types.MountBind, Writable: false},
			{Source: "/usr", Target: "/usr", Kind: types.MountBind, Writable: false},
			{Source: "/etc/ssl", Target: "/etc/ssl", Kind: types.MountBind, Writable: false},
			{Source: "/proc", Target: "/proc", Kind: types.MountBind, Writable: true},
			{Source: "/sys", Target: "/sys", Kind: types.MountBind, Writable: false},
			{Source: "/dev", Target: "/dev", Kind: types.MountBind, Writable: true},
			{Target: "/tmp", Kind: types.MountTmpfs, Writable: true},
		},
	}
}

// SnapshotPath is the persisted address snapshot location.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Paths.StateDir, "addresses.snapshot")
}

// Validate checks cross-field constraints after layering.
func (c *Config) Validate() error {
	if c.Paths.JailRoot == "" {
		return fmt.Errorf("paths.jail_root is empty")
	}
	if !filepath.IsAbs(c.Paths.JailRoot) {
		return fmt.Errorf("paths.jail_root must be absolute, got %q", c.Paths.JailRoot)
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is empty")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level)
	}
	switch c.Audit.Backend {
	case "", "sqlite", "jsonl":
	default:
		return fmt.Errorf("audit.backend %q is not one of sqlite|jsonl", c.Audit.Backend)
	}
	if c.Resolver.Timeout <= 0 {
		return fmt.Errorf("resolver.timeout must be positive")
	}
	if c.Session.User == "" {
		return fmt.Errorf("session.user is empty")
	}
	if c.Session.ReapGrace <= 0 {
		return fmt.Errorf("session.reap_grace must be positive")
	}
	for i, m := range c.Mounts {
		if m.Target == "" {
			return fmt.Errorf("mounts[%d]: target is empty", i)
		}
		switch m.Kind {
		case types.MountBind:
			if m.Source == "" {
				return fmt.Errorf("mounts[%d] (%s): bind mount needs a source", i, m.Target)
			}
		case types.MountTmpfs:
		default:
			return fmt.Errorf("mounts[%d] (%s): kind %q is not one of bind|tmpfs", i, m.Target, m.Kind)
		}
	}
	return nil
}

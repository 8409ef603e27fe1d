// Package cli is the operator surface of agentcage. Commands are thin:
// they load configuration, wire the OS-facing providers, and delegate to
// the session manager.
package cli

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentcage/agentcage/internal/config"
	"github.com/agentcage/agentcage/internal/store"
	"github.com/agentcage/agentcage/internal/store/jsonl"
	"github.com/agentcage/agentcage/internal/store/sqlite"
)

const (
	systemConfigPath = "/etc/agentcage/config.yaml"
	systemPolicyPath = "/etc/agentcage/policy.yaml"
)

func NewRoot(version string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "agentcage",
		Short:         "agentcage: sandboxed sessions for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("agentcage {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("AGENTCAGE_CONFIG", ""), "Configuration file (overrides the system and user files)")
	cmd.PersistentFlags().StringVar(&opts.policyPath, "policy", getenvDefault("AGENTCAGE_POLICY", ""), "Policy override file layered over the system policy")

	cmd.AddCommand(newSetupCmd(opts))
	cmd.AddCommand(newEnterCmd(opts))
	cmd.AddCommand(newSyncAddressesCmd(opts))
	cmd.AddCommand(newCleanupCmd(opts))
	cmd.AddCommand(newAuditCmd(opts))
	cmd.AddCommand(newRunJailedCmd())

	return cmd
}

type rootOptions struct {
	configPath string
	policyPath string
}

// loadConfig layers: built-in defaults, system file, user file, then the
// --config file when given.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	paths := []string{systemConfigPath}
	if home, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(home, "agentcage", "config.yaml"))
	}
	if o.configPath != "" {
		paths = append(paths, o.configPath)
	}
	return config.Load(paths...)
}

func (o *rootOptions) loadPolicy() (*config.Policy, error) {
	return config.LoadPolicy(systemPolicyPath, o.policyPath)
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Logging.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, ho)
	} else {
		h = slog.NewJSONHandler(os.Stderr, ho)
	}
	return slog.New(h)
}

// openEvents opens the configured audit backend. Audit is best-effort at
// the CLI boundary: an unopenable store degrades to a no-op with a
// warning, it never blocks a session.
func openEvents(cfg *config.Config, log *slog.Logger) (store.EventStore, func()) {
	var (
		s   store.EventStore
		err error
	)
	switch cfg.Audit.Backend {
	case "jsonl":
		s, err = jsonl.Open(cfg.Audit.JSONLPath)
	default:
		s, err = sqlite.Open(cfg.Audit.SQLitePath)
	}
	if err != nil {
		log.Warn("audit store unavailable, events will not be recorded", "error", err)
		return store.Nop{}, func() {}
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Warn("audit store close failed", "error", err)
		}
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// discard is the logger for commands that produce their own output.
var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

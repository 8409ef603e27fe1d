package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentcage/agentcage/internal/config"
	"github.com/agentcage/agentcage/internal/immutable"
	"github.com/agentcage/agentcage/internal/jail"
)

func newSetupCmd(opts *rootOptions) *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare the jail root and verify the host primitives",
		Long: `Create the state directory and the jail skeleton, seed the identity
files, and probe every OS primitive a session needs: the nft binary,
mount namespaces, and filesystem immutability support.

Probes that fail are reported individually; a missing mandatory
primitive fails the command so automation catches a broken host before
the first session does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			if !checkOnly {
				if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
					return fmt.Errorf("create state dir: %w", err)
				}
				seed := jail.SeedSpec{User: cfg.Session.User}
				if cfg.Resolver.Nameserver != "" {
					seed.Nameservers = []string{cfg.Resolver.Nameserver}
				}
				if err := jail.Seed(cfg.Paths.JailRoot, seed); err != nil {
					return fmt.Errorf("seed jail root: %w", err)
				}
				log.Info("jail root prepared", "root", cfg.Paths.JailRoot)
			}

			probes := runProbes(cfg)
			failed := 0
			for _, p := range probes {
				status := "ok"
				if p.err != nil {
					status = p.err.Error()
					if !p.optional {
						failed++
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", p.name, status)
			}
			if failed > 0 {
				return &ExitError{code: CodeFailure, message: fmt.Sprintf("%d mandatory probe(s) failed", failed)}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "Probe the host without creating anything")
	return cmd
}

type probe struct {
	name     string
	optional bool
	err      error
}

func runProbes(cfg *config.Config) []probe {
	probes := []probe{
		{name: "nft binary", err: probeNft()},
		{name: "mount namespace", err: probeFile("/proc/self/ns/mnt")},
		{name: "net namespace", err: probeFile("/proc/self/ns/net")},
		{name: "immutable flag", optional: true, err: probeImmutable(cfg.Paths.StateDir)},
	}
	for _, m := range cfg.Mounts {
		if m.Source == "" {
			continue
		}
		probes = append(probes, probe{
			name:     "mount source " + m.Source,
			optional: true,
			err:      probeFile(m.Source),
		})
	}
	return probes
}

func probeNft() error {
	_, err := exec.LookPath("nft")
	return err
}

func probeFile(path string) error {
	_, err := os.Stat(path)
	return err
}

// probeImmutable exercises the real installer against a scratch file, so
// the answer reflects the actual filesystem under the state dir.
func probeImmutable(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(stateDir, ".immutable-probe")
	inst := immutable.NewLinuxInstaller()
	err := inst.Install(path, []byte("probe\n"))
	uninstErr := inst.Uninstall(path)
	os.Remove(path)
	if errors.Is(err, immutable.ErrUnsupported) {
		return errors.New("unsupported (sessions will run degraded)")
	}
	if err != nil {
		return err
	}
	return uninstErr
}

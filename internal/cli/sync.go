package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcage/agentcage/internal/resolver"
)

func newSyncAddressesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-addresses",
		Short: "Resolve the allowed domains and refresh the address snapshot",
		Long: `Resolve every domain in the policy allowlist and write the versioned
address snapshot. The snapshot version only advances when the resolved
addresses actually changed, so running this from a timer is cheap.

Domains that fail to resolve keep their previous addresses; a run where
every domain fails leaves the snapshot untouched and exits nonzero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			policy, err := opts.loadPolicy()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			r := resolver.New(cfg.Resolver.Nameserver, cfg.Resolver.Timeout.Std(), log)
			res, err := r.Sync(cfg.SnapshotPath(), policy.AllowedDomains)
			if err != nil {
				return err
			}
			for _, f := range res.Failures {
				log.Warn("domain not resolved", "domain", f.Domain, "error", f.Cause)
			}
			if len(res.Failures) == len(policy.AllowedDomains) && len(policy.AllowedDomains) > 0 {
				return &ExitError{code: CodeFailure, message: "no domain resolved, snapshot unchanged"}
			}

			if res.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot updated to version %d (+%d -%d prefixes)\n",
					res.Snapshot.Version, res.Delta.AddedCount(), res.Delta.RemovedCount())
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot unchanged at version %d\n", res.Snapshot.Version)
			}
			return nil
		},
	}
	return cmd
}

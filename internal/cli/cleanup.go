package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentcage/agentcage/internal/immutable"
	"github.com/agentcage/agentcage/internal/jail"
	"github.com/agentcage/agentcage/internal/netfilter"
	"github.com/agentcage/agentcage/internal/session"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Force-drain stale sessions left by dead controlling processes",
		Long: `Inspect every persisted session record. A record whose jail-root lock
is still held belongs to a live session and is skipped; a record with a
stale lock is force-drained: processes reaped, filter table deleted,
immutable flag cleared, mounts released.

With --purge the jail root contents and the address snapshot are also
removed afterwards.

Exit codes: 0 when nothing was left behind, 3 when teardown finished
but residual resources were reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			records, err := session.LoadStates(cfg.Paths.StateDir)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no session records found")
				return purgeIfRequested(cmd, cfg.Paths.JailRoot, cfg.SnapshotPath(), purge)
			}

			events, closeEvents := openEvents(cfg, log)
			defer closeEvents()

			mgr := session.NewManager(cfg.Paths.StateDir, cfg.Session.ReapGrace.Std(), session.Deps{
				Jail:      jail.New(jail.NewLinuxProvider(), log, cfg.Session.UnmountRetries),
				Installer: immutable.NewLinuxInstaller(),
				Filter:    netfilter.New(netfilter.NewNFTProvider(), log),
				Reaper:    session.NewProcReaper(),
				Events:    events,
				Log:       log,
			})

			residual := 0
			for _, s := range records {
				held, err := session.LockHeld(s.Root)
				if err != nil {
					return err
				}
				if held {
					fmt.Fprintf(cmd.OutOrStdout(), "session %s is still running (lock on %s is held), skipped\n", s.ID, s.Root)
					continue
				}

				report := mgr.ForceDrain(context.Background(), s)
				fmt.Fprintf(cmd.OutOrStdout(), "session %s drained, %d process(es) reaped\n", s.ID, len(report.Reaped))
				for _, w := range report.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "residual: %s\n", w)
				}
				residual += len(report.Warnings)
			}

			if err := purgeIfRequested(cmd, cfg.Paths.JailRoot, cfg.SnapshotPath(), purge); err != nil {
				return err
			}
			if residual > 0 {
				return &ExitError{code: CodeResidual, message: fmt.Sprintf("%d residual resource(s) after cleanup", residual)}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also remove the jail root contents and the address snapshot")
	return cmd
}

func purgeIfRequested(cmd *cobra.Command, jailRoot, snapshotPath string, purge bool) error {
	if !purge {
		return nil
	}
	if err := os.RemoveAll(jailRoot); err != nil {
		return fmt.Errorf("purge jail root: %w", err)
	}
	if err := os.Remove(snapshotPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purge snapshot: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "purged jail root and address snapshot")
	return nil
}

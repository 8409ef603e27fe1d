package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentcage/agentcage/internal/config"
	"github.com/agentcage/agentcage/internal/immutable"
	"github.com/agentcage/agentcage/internal/jail"
	"github.com/agentcage/agentcage/internal/netfilter"
	"github.com/agentcage/agentcage/internal/resolver"
	"github.com/agentcage/agentcage/internal/session"
	"github.com/agentcage/agentcage/pkg/types"
)

func newEnterCmd(opts *rootOptions) *cobra.Command {
	var (
		mode                string
		confirmUnrestricted bool
	)

	cmd := &cobra.Command{
		Use:   "enter [workspace-path] [-- command...]",
		Short: "Start a sandboxed session and run a program inside it",
		Long: `Acquire a session (jail mounts, pinned policy file, packet filter),
run the given command inside it as the configured non-privileged user,
then tear everything down. Without a command, an interactive shell is
started.

The session is released on every exit path, including SIGINT and
SIGTERM during the interactive phase. Residual resources that survived
teardown turn the exit code into the residual code instead of failing.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := types.Mode(mode)
			if !m.Valid() {
				return fmt.Errorf("--mode %q is not one of restricted|isolated|unrestricted", mode)
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			policy, err := opts.loadPolicy()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			workspace, argv := splitEnterArgs(args, cmd.ArgsLenAtDash())
			if workspace == "" {
				workspace = cfg.Paths.Workspace
			}
			if workspace == "" {
				if workspace, err = os.Getwd(); err != nil {
					return err
				}
			}
			if workspace, err = filepath.Abs(workspace); err != nil {
				return err
			}
			if len(argv) == 0 {
				argv = []string{"/bin/sh"}
			}

			uid, gid, err := lookupSessionUser(cfg.Session.User)
			if err != nil {
				return err
			}

			snap, err := loadSnapshot(cfg, policy, m, log)
			if err != nil {
				return err
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

			mounts := append([]types.MountEntry{}, cfg.Mounts...)
			mounts = append(mounts, types.MountEntry{
				Source: workspace, Target: "/workspace", Kind: types.MountBind, Writable: true,
			})
			seed := jail.SeedSpec{User: cfg.Session.User, UID: uid, GID: gid}
			if cfg.Resolver.Nameserver != "" {
				seed.Nameservers = []string{cfg.Resolver.Nameserver}
			}

			// A signal during the interactive phase cancels the context,
			// which kills the jailed process; release still runs below.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := mgr.Acquire(ctx, session.AcquireRequest{
				Root:                cfg.Paths.JailRoot,
				Mounts:              mounts,
				Policy:              policy,
				Snapshot:            snap,
				Mode:                m,
				ConfirmUnrestricted: confirmUnrestricted,
				UID:                 uid,
				GID:                 gid,
				Seed:                seed,
			})
			if err != nil {
				return err
			}

			watchCtx, stopWatch := context.WithCancel(ctx)
			go func() {
				if err := mgr.WatchSnapshot(watchCtx, s, cfg.SnapshotPath()); err != nil {
					log.Warn("snapshot watcher stopped", "error", err)
				}
			}()

			code, enterErr := mgr.Enter(ctx, s, argv, jailedEnv(cfg.Session.User))
			stopWatch()

			report := mgr.Release(context.WithoutCancel(ctx), s)
			for _, w := range report.Warnings {
				log.Warn("teardown residual", "kind", w.Kind, "detail", w.Detail)
			}

			if enterErr != nil {
				return enterErr
			}
			if code != 0 {
				return &ExitError{code: code}
			}
			if !report.Clean() {
				return &ExitError{code: CodeResidual, message: fmt.Sprintf("session released with %d residual warning(s)", len(report.Warnings))}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(types.ModeRestricted), "Network enforcement: restricted|isolated|unrestricted")
	cmd.Flags().BoolVar(&confirmUnrestricted, "confirm-unrestricted", false, "Required confirmation for --mode=unrestricted")
	return cmd
}

// splitEnterArgs separates the optional workspace path from the command
// after --. "enter dir -- make test" and "enter -- make test" both work;
// atDash is the argument index of the -- separator, or -1 when absent.
func splitEnterArgs(args []string, atDash int) (workspace string, argv []string) {
	if atDash >= 0 {
		if atDash > 0 {
			workspace = args[0]
		}
		return workspace, args[atDash:]
	}
	if len(args) > 0 {
		workspace = args[0]
	}
	return workspace, nil
}

func lookupSessionUser(name string) (uid, gid int, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("session user %q: %w", name, err)
	}
	if uid, err = strconv.Atoi(u.Uid); err != nil {
		return 0, 0, fmt.Errorf("session user %q: uid %q: %w", name, u.Uid, err)
	}
	if gid, err = strconv.Atoi(u.Gid); err != nil {
		return 0, 0, fmt.Errorf("session user %q: gid %q: %w", name, u.Gid, err)
	}
	if uid == 0 {
		return 0, 0, fmt.Errorf("session user %q resolves to root; refusing", name)
	}
	return uid, gid, nil
}

// loadSnapshot reads the persisted snapshot, resolving first when a
// restricted session would otherwise start with an empty allowlist.
func loadSnapshot(cfg *config.Config, policy *config.Policy, m types.Mode, log *slog.Logger) (*resolver.Snapshot, error) {
	snap, err := resolver.ReadFile(cfg.SnapshotPath())
	if err != nil {
		return nil, err
	}
	if m != types.ModeRestricted || len(snap.Domains) > 0 || len(policy.AllowedDomains) == 0 {
		return snap, nil
	}
	log.Info("address snapshot empty, resolving before session start")
	r := resolver.New(cfg.Resolver.Nameserver, cfg.Resolver.Timeout.Std(), log)
	res, err := r.Sync(cfg.SnapshotPath(), policy.AllowedDomains)
	if err != nil {
		return nil, err
	}
	return res.Snapshot, nil
}

// jailedEnv is the minimal environment the jailed program starts with.
func jailedEnv(userName string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/workspace",
		"USER=" + userName,
		"LOGNAME=" + userName,
		"TMPDIR=/tmp",
		"TERM=" + getenvDefault("TERM", "dumb"),
	}
}

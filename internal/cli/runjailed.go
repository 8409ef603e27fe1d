package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcage/agentcage/internal/session"
)

// newRunJailedCmd is the hidden re-exec target of enter. It runs already
// chrooted and de-privileged; its only job is to apply the resource limits
// carried in the environment and replace itself with the target program.
func newRunJailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run-jailed -- command...",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := session.ApplyRlimitsFromEnv(); err != nil {
				return fmt.Errorf("apply resource limits: %w", err)
			}
			// Exec replaces the process; returning here means it failed.
			return session.ExecJailed(args)
		},
	}
	return cmd
}

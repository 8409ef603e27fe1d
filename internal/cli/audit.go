package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcage/agentcage/pkg/types"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID string
		eventType string
		since     time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the recorded session lifecycle events",
		Long: `Print stored audit events as JSON lines, oldest first. These cover the
userspace lifecycle trail: acquire, mounts, filter install/remove,
reaps, residuals, release. Packet drops are not here; they go to the
kernel log under the "agentcage-drop" prefix.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			events, closeEvents := openEvents(cfg, discard)
			defer closeEvents()

			q := types.EventQuery{SessionID: sessionID, Type: eventType, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evs, err := events.QueryEvents(cmd.Context(), q)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ev := range evs {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Only events for this session id")
	cmd.Flags().StringVar(&eventType, "type", "", "Only events of this type")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this age (e.g. 2h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

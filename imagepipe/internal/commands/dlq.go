package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/imagepipe/internal/output"
)

func newDLQCmd(g *globals) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter queue",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dead-letter queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			resp, err := g.client().DeadLetters(cmd.Context(), 1)
			if err != nil {
				return fmt.Errorf("failed to read dead-letter queue: %w", err)
			}
			if p.Structured() {
				return p.Value(resp.Stats)
			}

			s := resp.Stats
			oldest := "-"
			if s.OldestEnqueued != nil {
				oldest = s.OldestEnqueued.Format(time.RFC3339)
			}
			table := output.NewTable("Queue", "Visible", "In Flight", "Oldest", "Retention")
			table.AddRow(s.Name, strconv.Itoa(s.Visible), strconv.Itoa(s.InFlight), oldest, s.Retention)
			table.Render(cmd.OutOrStdout())
			return nil
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List dead-lettered envelopes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			resp, err := g.client().DeadLetters(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if p.Structured() {
				return p.Value(resp.Entries)
			}
			if len(resp.Entries) == 0 {
				p.Info("Dead-letter queue is empty")
				return nil
			}

			table := output.NewTable("Image Key", "Event", "Reason", "Attempts", "Source", "Failed At")
			for _, env := range resp.Entries {
				reason, attempts, src, failedAt := "-", strconv.Itoa(env.DeliveryAttempt), "-", "-"
				if f := env.Failure; f != nil {
					reason = f.Reason
					attempts = strconv.Itoa(f.Attempts)
					src = f.Source
					failedAt = f.FailedAt.Format(time.RFC3339)
				}
				table.AddRow(env.SourceID, string(env.EventType), reason, attempts, src, failedAt)
			}
			table.Render(cmd.OutOrStdout())
			p.Info("\nShowing %d of %d", len(resp.Entries), resp.Stats.Visible+resp.Stats.InFlight)
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to list")

	var confirm bool
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop every dead-lettered envelope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			if !confirm {
				return fmt.Errorf("refusing to purge without --yes")
			}
			n, err := g.client().PurgeDeadLetters(cmd.Context())
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			if p.Structured() {
				return p.Value(map[string]int{"purged": n})
			}
			p.Success("Purged %d dead letters", n)
			return nil
		},
	}
	purgeCmd.Flags().BoolVar(&confirm, "yes", false, "confirm the purge")

	dlqCmd.AddCommand(statsCmd, listCmd, purgeCmd)
	return dlqCmd
}

package main

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"
)

func newDLQCommand(ctx *commandContext) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:         "dlq",
		Short:       "Inspect and replay match events that failed delivery",
		Annotations: map[string]string{"tenantless": "true"},
	}
	dlqCmd.AddCommand(newDLQReplayCommand(ctx))
	return dlqCmd
}

func newDLQReplayCommand(ctx *commandContext) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Requeue due DLQ entries to the outbox, quarantining exhausted ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize <= 0 {
				return errors.New("--batch-size must be positive")
			}
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				stats, err := svc.dlq.RunOnce(cmd.Context(), batchSize)
				rows := [][]string{
					{"Requeued", strconv.Itoa(stats.Requeued)},
					{"Retried later", strconv.Itoa(stats.Retried)},
					{"Quarantined", strconv.Itoa(stats.Quarantined)},
					{"Backlog", strconv.Itoa(stats.Backlog)},
				}
				if emitErr := ctx.emit(cmd, stats, []string{"Outcome", "Entries"}, rows, []columnAlignment{alignLeft, alignRight}); emitErr != nil {
					return errors.Join(err, emitErr)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "Maximum DLQ entries handled in this run")
	return cmd
}

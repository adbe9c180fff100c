package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Replay a dead-lettered record",
		Long: `Replay a dead-lettered record by event ID. The record returns to
PENDING with a fresh retry budget and the running daemon picks it up on
its next cycle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(cmd.Context(), args[0])
		},
	}
}

func runRetry(ctx context.Context, rawEventID string) error {
	eventID, err := uuid.Parse(rawEventID)
	if err != nil {
		return fmt.Errorf("invalid event ID %q: %w", rawEventID, err)
	}

	op, db, err := newOperator()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := op.Retry(ctx, eventID); err != nil {
		return err
	}

	fmt.Printf("record %s queued for replay\n", eventID)
	return nil
}

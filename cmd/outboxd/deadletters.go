package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newDeadLettersCommand() *cobra.Command {
	var (
		page    int
		perPage int
	)

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetters(cmd.Context(), page, perPage)
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number (1-based)")
	cmd.Flags().IntVar(&perPage, "per-page", 50, "Records per page")

	return cmd
}

func runDeadLetters(ctx context.Context, page, perPage int) error {
	op, db, err := newOperator()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := op.ListDeadLetter(ctx, page, perPage)
	if err != nil {
		return fmt.Errorf("listing dead-lettered records: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("no dead-lettered records")
		return nil
	}

	for _, r := range records {
		fmt.Printf("%s  %-30s retries=%d  created=%s\n    %s\n",
			r.EventID, r.EventName, r.RetryCount,
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.ErrorMessage)
	}

	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droidbss/outbox"
)

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the number of outbox records per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context())
		},
	}
}

func runStats(ctx context.Context) error {
	op, db, err := newOperator()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := op.GetStatistics(ctx)
	if err != nil {
		return fmt.Errorf("reading statistics: %w", err)
	}

	fmt.Printf("%-12s %d\n", "PENDING", stats.Pending)
	fmt.Printf("%-12s %d\n", "PUBLISHING", stats.Publishing)
	fmt.Printf("%-12s %d\n", "PUBLISHED", stats.Published)
	fmt.Printf("%-12s %d\n", "RETRY", stats.Retry)
	fmt.Printf("%-12s %d\n", "DEAD_LETTER", stats.DeadLetter)
	fmt.Printf("%-12s %d\n", "TOTAL", stats.Total)

	return nil
}

func newOperator() (*outbox.Operator, interface{ Close() error }, error) {
	loader, err := NewLoader(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg := loader.Config()

	db, dbCtx, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	op, err := outbox.NewOperator(outbox.NewStore(dbCtx))
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return op, db, nil
}

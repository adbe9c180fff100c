// outboxd runs the delivery side of the transactional outbox: it polls
// the outbox table, publishes records to the configured message broker
// and prunes old terminal records. It also ships operator subcommands
// for inspecting and replaying dead-lettered records.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/sijms/go-ora/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/droidbss/outbox"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "outboxd",
		Short: "Transactional outbox delivery daemon",
		Long: `outboxd delivers event records from the outbox table to a message
broker (Kafka, RabbitMQ or NATS), retries failures with backoff, parks
poison records in DEAD_LETTER and prunes delivered records past their
retention window.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "outboxd.yaml", "Path to the configuration file")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newDeadLettersCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// driverName maps a dialect onto the sql driver outboxd links in,
// unless the config names a driver explicitly.
func driverName(cfg DatabaseConfig) (string, error) {
	if cfg.Driver != "" {
		return cfg.Driver, nil
	}
	switch outbox.SQLDialect(cfg.Dialect) {
	case outbox.SQLDialectPostgres:
		return "pgx", nil
	case outbox.SQLDialectMySQL, outbox.SQLDialectMariaDB:
		return "mysql", nil
	case outbox.SQLDialectOracle:
		return "oracle", nil
	default:
		return "", fmt.Errorf("no driver linked for dialect %q, set database.driver explicitly", cfg.Dialect)
	}
}

func openDatabase(cfg DatabaseConfig) (*sql.DB, *outbox.DBContext, error) {
	driver, err := driverName(cfg)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	dbCtx := outbox.NewDBContext(db, outbox.SQLDialect(cfg.Dialect), outbox.WithTableName(cfg.Table))

	return db, dbCtx, nil
}

func newLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Encoding == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

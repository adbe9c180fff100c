package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/droidbss/outbox"
	"github.com/droidbss/outbox/kafka"
	"github.com/droidbss/outbox/natspub"
	"github.com/droidbss/outbox/rabbit"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the delivery daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	loader, err := NewLoader(configPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, dbCtx, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	adapter, closeAdapter, err := newAdapter(cfg.Broker)
	if err != nil {
		return err
	}
	defer closeAdapter()

	store := outbox.NewStore(dbCtx)
	registry := prometheus.NewRegistry()
	metrics := outbox.NewMetrics(registry)

	dispatcher, err := newDispatcher(store, adapter, cfg.Dispatcher, logger, metrics)
	if err != nil {
		return err
	}
	dispatcher.Start()
	go drainErrors(dispatcher, logger)

	// Guards dispatcher against the reload callback racing shutdown.
	var dispatcherMu sync.Mutex

	retention, err := outbox.NewRetentionJob(store,
		outbox.WithRetentionInterval(cfg.Retention.Interval),
		outbox.WithPublishedRetention(cfg.Retention.Published),
		outbox.WithDeadLetterRetention(cfg.Retention.DeadLetter),
		outbox.WithRetentionLogger(logger),
		outbox.WithRetentionMetrics(metrics),
	)
	if err != nil {
		return err
	}
	retention.Start()

	// Dispatcher settings hot-reload. Database and broker changes still
	// require a restart; only the dispatcher section is applied live.
	current := cfg.Dispatcher
	loader.OnChange(func(newCfg *Config) {
		if reflect.DeepEqual(newCfg.Dispatcher, current) {
			return
		}

		replacement, err := newDispatcher(store, adapter, newCfg.Dispatcher, logger, metrics)
		if err != nil {
			logger.Warn("config reload skipped", zap.Error(err))
			return
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		dispatcherMu.Lock()
		if err := dispatcher.Stop(stopCtx); err != nil {
			logger.Error("stopping dispatcher for reload", zap.Error(err))
		}
		dispatcher = replacement
		dispatcherMu.Unlock()

		current = newCfg.Dispatcher
		replacement.Start()
		go drainErrors(replacement, logger)
		logger.Info("dispatcher settings reloaded",
			zap.Duration("interval", current.Interval),
			zap.Int("batch_size", current.BatchSize))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config watcher unavailable, hot-reload disabled", zap.Error(err))
	} else {
		defer stopWatch()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint started", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("outboxd started",
		zap.String("dialect", cfg.Database.Dialect),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("table", cfg.Database.Table))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutCtx)
	if err := retention.Stop(shutCtx); err != nil {
		logger.Error("retention job did not stop cleanly", zap.Error(err))
	}

	dispatcherMu.Lock()
	if err := dispatcher.Stop(shutCtx); err != nil {
		logger.Error("dispatcher did not stop cleanly", zap.Error(err))
	}
	dispatcherMu.Unlock()

	logger.Info("outboxd stopped")
	return nil
}

func newDispatcher(store outbox.Storage, adapter outbox.DeliveryAdapter, cfg DispatcherConfig, logger *zap.Logger, metrics *outbox.Metrics) (*outbox.Dispatcher, error) {
	return outbox.NewDispatcher(store, adapter,
		outbox.WithInterval(cfg.Interval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithPublishTimeout(cfg.PublishTimeout),
		outbox.WithStaleTimeout(cfg.StaleTimeout),
		outbox.WithDispatcherMaxRetries(cfg.MaxRetries),
		outbox.WithDelay(cfg.Retry.delayFunc()),
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
	)
}

// drainErrors consumes the dispatcher error channel until it closes.
// Per-record failures are already logged by the dispatcher; the channel
// is drained so slow consumers can never stall delivery.
func drainErrors(d *outbox.Dispatcher, logger *zap.Logger) {
	for err := range d.Errors() {
		switch err.(type) {
		case *outbox.ReadError, *outbox.ReclaimError:
			// Cycle-level failures, usually database connectivity.
			logger.Error("dispatch cycle degraded", zap.Error(err))
		default:
			logger.Debug("dispatch error", zap.Error(err))
		}
	}
}

func newAdapter(cfg BrokerConfig) (outbox.DeliveryAdapter, func(), error) {
	switch cfg.Kind {
	case "kafka":
		p := kafka.NewPublisherForTopic(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		return p, func() { _ = p.Close() }, nil

	case "rabbitmq":
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
		}
		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("opening RabbitMQ channel: %w", err)
		}
		p := rabbit.NewPublisher(channel, cfg.RabbitMQ.Exchange)
		return p, func() {
			_ = channel.Close()
			_ = conn.Close()
		}, nil

	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		p := natspub.NewPublisher(conn, cfg.NATS.SubjectPrefix)
		return p, conn.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

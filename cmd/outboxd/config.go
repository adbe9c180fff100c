package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/droidbss/outbox"
)

// Config is the outboxd configuration file schema.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Broker     BrokerConfig     `yaml:"broker"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Retention  RetentionConfig  `yaml:"retention"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type DatabaseConfig struct {
	Dialect string `yaml:"dialect"`
	// Driver overrides the sql driver name derived from the dialect,
	// e.g. "postgres" to use lib/pq instead of the default pgx.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

type BrokerConfig struct {
	Kind     string         `yaml:"kind"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	NATS     NATSConfig     `yaml:"nats"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type DispatcherConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	StaleTimeout   time.Duration `yaml:"stale_timeout"`
	// MaxRetries is the fallback retry budget for records that carry none.
	MaxRetries int         `yaml:"max_retries"`
	Retry      RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	// Policy is one of "fixed", "exponential" or "exponential_jitter".
	Policy       string        `yaml:"policy"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type RetentionConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Published  time.Duration `yaml:"published"`
	DeadLetter time.Duration `yaml:"dead_letter"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

func (c *Config) applyDefaults() {
	if c.Database.Table == "" {
		c.Database.Table = "outbox_events"
	}
	if c.Dispatcher.Interval == 0 {
		c.Dispatcher.Interval = 5 * time.Second
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 100
	}
	if c.Dispatcher.PublishTimeout == 0 {
		c.Dispatcher.PublishTimeout = 5 * time.Second
	}
	if c.Dispatcher.StaleTimeout == 0 {
		c.Dispatcher.StaleTimeout = 2 * time.Minute
	}
	if c.Dispatcher.MaxRetries == 0 {
		c.Dispatcher.MaxRetries = outbox.DefaultMaxRetries
	}
	if c.Dispatcher.Retry.Policy == "" {
		c.Dispatcher.Retry.Policy = "exponential_jitter"
	}
	if c.Dispatcher.Retry.InitialDelay == 0 {
		c.Dispatcher.Retry.InitialDelay = 1 * time.Second
	}
	if c.Dispatcher.Retry.MaxDelay == 0 {
		c.Dispatcher.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = 1 * time.Hour
	}
	if c.Retention.Published == 0 {
		c.Retention.Published = 30 * 24 * time.Hour
	}
	if c.Retention.DeadLetter == 0 {
		c.Retention.DeadLetter = 90 * 24 * time.Hour
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
}

func (c *Config) validate() error {
	if c.Database.Dialect == "" {
		return fmt.Errorf("database.dialect is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Broker.Kind {
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required")
		}
		if c.Broker.Kafka.Topic == "" {
			return fmt.Errorf("broker.kafka.topic is required")
		}
	case "rabbitmq":
		if c.Broker.RabbitMQ.URL == "" {
			return fmt.Errorf("broker.rabbitmq.url is required")
		}
	case "nats":
		if c.Broker.NATS.URL == "" {
			return fmt.Errorf("broker.nats.url is required")
		}
		if c.Broker.NATS.SubjectPrefix == "" {
			return fmt.Errorf("broker.nats.subject_prefix is required")
		}
	case "":
		return fmt.Errorf("broker.kind is required")
	default:
		return fmt.Errorf("unknown broker.kind %q", c.Broker.Kind)
	}
	switch c.Dispatcher.Retry.Policy {
	case "fixed", "exponential", "exponential_jitter":
	default:
		return fmt.Errorf("unknown dispatcher.retry.policy %q", c.Dispatcher.Retry.Policy)
	}
	return nil
}

// delayFunc maps the retry policy config onto the pipeline's delay functions.
func (c *RetryConfig) delayFunc() outbox.DelayFunc {
	switch c.Policy {
	case "fixed":
		return outbox.Fixed(c.InitialDelay)
	case "exponential":
		return outbox.Exponential(c.InitialDelay, c.MaxDelay)
	default:
		return outbox.ExponentialWithJitter(c.InitialDelay, c.MaxDelay)
	}
}

// Loader reads the YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads with
// a valid new configuration.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file
// changes. A reload that fails to parse or validate is skipped and the
// previous config stays active. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					cfg, err := l.load()
					if err != nil {
						continue
					}
					l.mu.Lock()
					l.current = cfg
					callbacks := make([]func(*Config), len(l.onChange))
					copy(callbacks, l.onChange)
					l.mu.Unlock()
					for _, fn := range callbacks {
						fn(cfg)
					}
				}
			case <-w.Errors:
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}
	return &cfg, nil
}

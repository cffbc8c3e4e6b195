// Package config reads the YAML configuration file, then the MAINTENANCE_ environment variables.
package config

import (
	"context"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable
const EnvPrefix = "MAINTENANCE_"

type Config struct {
	Listen    string     `yaml:"listen" env:"LISTEN,overwrite"`
	DataDir   string     `yaml:"data_dir" env:"DATA_DIR,overwrite"`
	AuthKey   string     `yaml:"auth_key" env:"AUTH_KEY,overwrite"`
	LogLevel  string     `yaml:"log_level" env:"LOG_LEVEL,overwrite"`
	SentryDSN string     `yaml:"sentry_dsn" env:"SENTRY_DSN,overwrite"`
	Store     Store      `yaml:"store" env:",prefix=STORE_"`
	Queue     Queue      `yaml:"queue" env:",prefix=QUEUE_"`
	Executor  Executor   `yaml:"executor" env:",prefix=EXECUTOR_"`
	Schedules []Schedule `yaml:"schedules"`
}

// Store selects the run storage
type Store struct {
	// Driver is sqlite, bolt, memory or postgres
	Driver string `yaml:"driver" env:"DRIVER,overwrite"`
	// DSN is a file path for sqlite and bolt, a connection string for postgres
	DSN string `yaml:"dsn" env:"DSN,overwrite"`
}

// Queue selects the job queue
type Queue struct {
	// Driver is memory, nats or inline
	Driver   string        `yaml:"driver" env:"DRIVER,overwrite"`
	Workers  int           `yaml:"workers" env:"WORKERS,overwrite"`
	Attempts int           `yaml:"attempts" env:"ATTEMPTS,overwrite"`
	Backoff  time.Duration `yaml:"backoff" env:"BACKOFF,overwrite"`
	URL      string        `yaml:"url" env:"URL,overwrite"`
	Stream   string        `yaml:"stream" env:"STREAM,overwrite"`
	Subject  string        `yaml:"subject" env:"SUBJECT,overwrite"`
	Durable  string        `yaml:"durable" env:"DURABLE,overwrite"`
	// AckWait is how long NATS waits for a sign of life before redelivering
	AckWait time.Duration `yaml:"ack_wait" env:"ACK_WAIT,overwrite"`
}

// Executor tunes the runs execution
type Executor struct {
	ReloadInterval time.Duration `yaml:"reload_interval" env:"RELOAD_INTERVAL,overwrite"`
	// TickRate is the max work units per second and executor, 0 is unlimited
	TickRate     float64       `yaml:"tick_rate" env:"TICK_RATE,overwrite"`
	StaleAfter   time.Duration `yaml:"stale_after" env:"STALE_AFTER,overwrite"`
	StuckTimeout time.Duration `yaml:"stuck_timeout" env:"STUCK_TIMEOUT,overwrite"`
}

// Schedule enqueues a task periodically
type Schedule struct {
	Task      string            `yaml:"task"`
	Cron      string            `yaml:"cron"`
	Arguments map[string]string `yaml:"arguments"`
}

// Default configuration
func Default() *Config {
	return &Config{
		Listen:   "localhost:8042",
		DataDir:  "/tmp/maintenance",
		LogLevel: "info",
		Store: Store{
			Driver: "sqlite",
		},
		Queue: Queue{
			Driver:   "memory",
			Workers:  2,
			Attempts: 3,
			Backoff:  time.Second,
			URL:      "nats://127.0.0.1:4222",
			Stream:   "MAINTENANCE",
			Subject:  "maintenance.runs",
			Durable:  "maintenance-workers",
			AckWait:  30 * time.Second,
		},
		Executor: Executor{
			ReloadInterval: time.Second,
			StaleAfter:     5 * time.Minute,
			StuckTimeout:   5 * time.Minute,
		},
	}
}

// Load reads the file at path, if any, then the environment
func Load(ctx context.Context, path string) (*Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, err
		}
		err = yaml.Unmarshal(raw, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "config %s", path)
		}
		log.WithField("path", path).Debug("Config loaded")
	}
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	})
	if err != nil {
		return nil, errors.Wrap(err, "environment")
	}
	cfg.DataDir = strings.TrimRight(cfg.DataDir, "/")
	return cfg, cfg.Validate()
}

// Validate the configuration
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "sqlite", "bolt", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("postgres store needs a dsn")
		}
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "inline":
	case "nats":
		if c.Queue.URL == "" || c.Queue.Stream == "" || c.Queue.Subject == "" || c.Queue.Durable == "" {
			return errors.New("nats queue needs url, stream, subject and durable")
		}
		if c.Queue.AckWait < time.Second {
			return errors.Errorf("nats ack_wait must be at least 1s, not %s", c.Queue.AckWait)
		}
	default:
		return errors.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Workers < 1 {
		return errors.Errorf("at least one worker is needed, not %d", c.Queue.Workers)
	}
	if c.Queue.Attempts < 1 {
		return errors.Errorf("at least one attempt is needed, not %d", c.Queue.Attempts)
	}
	if c.Executor.ReloadInterval < 0 || c.Executor.TickRate < 0 {
		return errors.New("reload_interval and tick_rate can't be negative")
	}
	for i, s := range c.Schedules {
		if s.Task == "" {
			return errors.Errorf("schedule #%d without task", i)
		}
		if _, err := cron.Parse(s.Cron); err != nil {
			return errors.Wrapf(err, "schedule #%d", i)
		}
	}
	return nil
}

// StorePath is the sqlite or bolt file
func (c *Config) StorePath() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	name := "maintenance.db"
	if c.Store.Driver == "bolt" {
		name = "maintenance.bolt"
	}
	return path.Join(c.DataDir, name)
}

// EnsureDirs creates the data dir
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(c.DataDir, 0755)
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "100ms" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models stockline.yml.
type Config struct {
	Log struct {
		Env   string `yaml:"env"`   // development -> console; anything else -> JSON
		Level string `yaml:"level"` // trace, debug, info, warn, error
	} `yaml:"log"`
	Ledger struct {
		// MaxAttempts is the total number of append attempts on a
		// concurrency conflict, including the first.
		MaxAttempts int `yaml:"max_attempts"`
		// RetryBackoff is the base backoff; attempt n waits backoff * 2^n.
		RetryBackoff Duration `yaml:"retry_backoff"`
	} `yaml:"ledger"`
	Saga struct {
		MaxRetries   int      `yaml:"max_retries"`
		BaseDelay    Duration `yaml:"base_delay"`
		GrowthFactor int      `yaml:"growth_factor"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"saga"`
	Locks struct {
		// Backend is redis or sqlite.
		Backend string   `yaml:"backend"`
		TTL     Duration `yaml:"ttl"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"locks"`
	Bus struct {
		// Backend is kafka or memory.
		Backend string   `yaml:"backend"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"bus"`
	Projections struct {
		BatchSize    int      `yaml:"batch_size"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"projections"`
	Checks struct {
		StuckReservationAfter Duration `yaml:"stuck_reservation_after"`
		Interval              Duration `yaml:"interval"`
	} `yaml:"checks"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Default returns the configuration used when no stockline.yml exists.
func Default() *Config {
	c := &Config{}
	c.Log.Env = "development"
	c.Log.Level = "info"
	c.Ledger.MaxAttempts = 3
	c.Ledger.RetryBackoff = Duration(100 * time.Millisecond)
	c.Saga.MaxRetries = 3
	c.Saga.BaseDelay = Duration(5 * time.Second)
	c.Saga.GrowthFactor = 3
	c.Saga.PollInterval = Duration(time.Second)
	c.Locks.Backend = "sqlite"
	c.Locks.TTL = Duration(30 * time.Second)
	c.Locks.Redis.Addr = "localhost:6379"
	c.Bus.Backend = "memory"
	c.Bus.Topic = "stockline.saga"
	c.Projections.BatchSize = 100
	c.Projections.PollInterval = Duration(250 * time.Millisecond)
	c.Checks.StuckReservationAfter = Duration(2 * time.Hour)
	c.Checks.Interval = Duration(5 * time.Minute)
	c.Server.Addr = ":8547"
	return c
}

// Load reads config from path, falling back to defaults when the file is
// absent.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document. Unset fields take default
// values.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("config.ledger.max_attempts must be >= 1")
	}
	if c.Saga.MaxRetries < 0 {
		return fmt.Errorf("config.saga.max_retries must be >= 0")
	}
	if c.Saga.GrowthFactor < 1 {
		return fmt.Errorf("config.saga.growth_factor must be >= 1")
	}
	switch c.Locks.Backend {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("config.locks.backend must be redis or sqlite, got %q", c.Locks.Backend)
	}
	switch c.Bus.Backend {
	case "kafka", "memory":
	default:
		return fmt.Errorf("config.bus.backend must be kafka or memory, got %q", c.Bus.Backend)
	}
	if c.Bus.Backend == "kafka" && len(c.Bus.Brokers) == 0 {
		return fmt.Errorf("config.bus.brokers required for kafka backend")
	}
	if c.Projections.BatchSize < 1 {
		return fmt.Errorf("config.projections.batch_size must be >= 1")
	}
	if c.Checks.StuckReservationAfter.Std() <= 0 {
		return fmt.Errorf("config.checks.stuck_reservation_after must be positive")
	}
	return nil
}

// Package config loads taskorch configuration.
//
// Resolution order: command-line flag > environment (TASKORCH_*, optionally
// from a .env file) > YAML or TOML config file > default.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TASKORCH_"

// Config holds configuration shared by the taskorch daemons.
type Config struct {
	DBPath        string        // SQLite database path (":memory:" for testing)
	LogLevel      string        // debug, info, warn, error
	LogFormat     string        // text, json, auto
	Addr          string        // HTTP listen address
	Broker        string        // kafka or memory
	ResultTimeout time.Duration // wait bound for task results

	Kafka     KafkaConfig
	Scheduler SchedulerConfig
}

// KafkaConfig configures the Kafka broker.
type KafkaConfig struct {
	Brokers          []string
	QueueTopicPrefix string
	EventsTopic      string
	GroupID          string
}

// SchedulerConfig configures the scheduling loop.
type SchedulerConfig struct {
	WaitTime       time.Duration
	RetryCooldown  time.Duration
	MaxRetries     int
	RetryFunctions bool
	QueueTTL       time.Duration
}

// Default returns a Config with all default values applied.
func Default() Config {
	return Config{
		DBPath:        "taskorch.db",
		LogLevel:      "info",
		LogFormat:     "text",
		Addr:          ":8080",
		Broker:        "kafka",
		ResultTimeout: 5 * time.Second,
		Kafka: KafkaConfig{
			Brokers:          []string{"localhost:9092"},
			QueueTopicPrefix: "taskorch.queue.",
			EventsTopic:      "taskorch.events",
			GroupID:          "taskorch-state-updater",
		},
		Scheduler: SchedulerConfig{
			WaitTime:      10 * time.Second,
			RetryCooldown: 5 * time.Minute,
		},
	}
}

// fileRaw is the on-disk representation. Pointers distinguish unset keys
// from zero values; durations stay strings until parsed.
type fileRaw struct {
	DBPath        *string `yaml:"db_path,omitempty" toml:"db_path,omitempty"`
	LogLevel      *string `yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	LogFormat     *string `yaml:"log_format,omitempty" toml:"log_format,omitempty"`
	Addr          *string `yaml:"addr,omitempty" toml:"addr,omitempty"`
	Broker        *string `yaml:"broker,omitempty" toml:"broker,omitempty"`
	ResultTimeout *string `yaml:"result_timeout,omitempty" toml:"result_timeout,omitempty"`

	Kafka *struct {
		Brokers          []string `yaml:"brokers,omitempty" toml:"brokers,omitempty"`
		QueueTopicPrefix *string  `yaml:"queue_topic_prefix,omitempty" toml:"queue_topic_prefix,omitempty"`
		EventsTopic      *string  `yaml:"events_topic,omitempty" toml:"events_topic,omitempty"`
		GroupID          *string  `yaml:"group_id,omitempty" toml:"group_id,omitempty"`
	} `yaml:"kafka,omitempty" toml:"kafka,omitempty"`

	Scheduler *struct {
		WaitTime       *string `yaml:"wait_time,omitempty" toml:"wait_time,omitempty"`
		RetryCooldown  *string `yaml:"retry_cooldown,omitempty" toml:"retry_cooldown,omitempty"`
		MaxRetries     *int    `yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
		RetryFunctions *bool   `yaml:"retry_functions,omitempty" toml:"retry_functions,omitempty"`
		QueueTTL       *string `yaml:"queue_ttl,omitempty" toml:"queue_ttl,omitempty"`
	} `yaml:"scheduler,omitempty" toml:"scheduler,omitempty"`
}

// setters maps every known key to the function that applies a string value.
var setters = map[string]func(*Config, string) error{
	"db_path":    func(c *Config, v string) error { c.DBPath = v; return nil },
	"log_level":  func(c *Config, v string) error { c.LogLevel = v; return nil },
	"log_format": func(c *Config, v string) error { c.LogFormat = v; return nil },
	"addr":       func(c *Config, v string) error { c.Addr = v; return nil },
	"broker":     func(c *Config, v string) error { c.Broker = strings.ToLower(v); return nil },
	"result_timeout": func(c *Config, v string) error {
		return parseDuration(v, &c.ResultTimeout)
	},
	"kafka.brokers": func(c *Config, v string) error {
		c.Kafka.Brokers = splitList(v)
		return nil
	},
	"kafka.queue_topic_prefix": func(c *Config, v string) error { c.Kafka.QueueTopicPrefix = v; return nil },
	"kafka.events_topic":       func(c *Config, v string) error { c.Kafka.EventsTopic = v; return nil },
	"kafka.group_id":           func(c *Config, v string) error { c.Kafka.GroupID = v; return nil },
	"scheduler.wait_time": func(c *Config, v string) error {
		return parseDuration(v, &c.Scheduler.WaitTime)
	},
	"scheduler.retry_cooldown": func(c *Config, v string) error {
		return parseDuration(v, &c.Scheduler.RetryCooldown)
	},
	"scheduler.max_retries": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Scheduler.MaxRetries = n
		return nil
	},
	"scheduler.retry_functions": func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		c.Scheduler.RetryFunctions = b
		return nil
	},
	"scheduler.queue_ttl": func(c *Config, v string) error {
		return parseDuration(v, &c.Scheduler.QueueTTL)
	},
}

// Load resolves the configuration. path names an optional YAML or TOML
// file (empty to skip); a .env file in the working directory is loaded into the
// environment if present. overrides holds flag values keyed by config key.
func Load(path string, overrides map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := applyFile(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := LoadEnvFile(".env"); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	for _, k := range sortedKeys(overrides) {
		if err := Set(&cfg, k, overrides[k]); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Set applies a single key, as used by flags and environment variables.
func Set(cfg *Config, key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %q; known keys: %s", key, strings.Join(Keys(), ", "))
	}
	if err := set(cfg, value); err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}

// Keys returns every known configuration key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvName returns the environment variable for a config key,
// e.g. scheduler.wait_time -> TASKORCH_SCHEDULER_WAIT_TIME.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	switch c.Broker {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers must not be empty"))
		}
		if c.Kafka.EventsTopic == "" {
			errs = append(errs, errors.New("kafka.events_topic must not be empty"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("broker must be kafka or memory, got %q", c.Broker))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "auto":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text, json or auto, got %q", c.LogFormat))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if c.Scheduler.WaitTime <= 0 {
		errs = append(errs, errors.New("scheduler.wait_time must be positive"))
	}
	if c.Scheduler.RetryCooldown <= 0 {
		errs = append(errs, errors.New("scheduler.retry_cooldown must be positive"))
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries must not be negative"))
	}
	if c.Scheduler.QueueTTL < 0 {
		errs = append(errs, errors.New("scheduler.queue_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

func loadFile(path string) (fileRaw, error) {
	var raw fileRaw
	data, err := os.ReadFile(path)
	if err != nil {
		return raw, fmt.Errorf("read config file: %w", err)
	}
	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		unmarshal = toml.Unmarshal
	}
	if err := unmarshal(data, &raw); err != nil {
		return raw, fmt.Errorf("parse config file: %w", err)
	}
	return raw, nil
}

// fileValue is one string-typed key read from the config file.
type fileValue struct {
	key string
	val *string
}

func applyFile(raw fileRaw, cfg *Config) error {
	vals := []fileValue{
		{"db_path", raw.DBPath},
		{"log_level", raw.LogLevel},
		{"log_format", raw.LogFormat},
		{"addr", raw.Addr},
		{"broker", raw.Broker},
		{"result_timeout", raw.ResultTimeout},
	}
	if k := raw.Kafka; k != nil {
		if k.Brokers != nil {
			cfg.Kafka.Brokers = k.Brokers
		}
		vals = append(vals,
			fileValue{"kafka.queue_topic_prefix", k.QueueTopicPrefix},
			fileValue{"kafka.events_topic", k.EventsTopic},
			fileValue{"kafka.group_id", k.GroupID},
		)
	}
	if s := raw.Scheduler; s != nil {
		if s.MaxRetries != nil {
			cfg.Scheduler.MaxRetries = *s.MaxRetries
		}
		if s.RetryFunctions != nil {
			cfg.Scheduler.RetryFunctions = *s.RetryFunctions
		}
		vals = append(vals,
			fileValue{"scheduler.wait_time", s.WaitTime},
			fileValue{"scheduler.retry_cooldown", s.RetryCooldown},
			fileValue{"scheduler.queue_ttl", s.QueueTTL},
		)
	}

	for _, v := range vals {
		if v.val == nil {
			continue
		}
		if err := Set(cfg, v.key, *v.val); err != nil {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	for _, k := range Keys() {
		v, ok := os.LookupEnv(EnvName(k))
		if !ok {
			continue
		}
		if err := Set(cfg, k, v); err != nil {
			return fmt.Errorf("%s: %w", EnvName(k), err)
		}
	}
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

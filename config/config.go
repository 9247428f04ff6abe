// Package config loads prism-board settings. Values start from defaults, are
// overlaid by an optional YAML file and finally by environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverTables = "tables"
)

// Board cache modes.
const (
	CacheLocal = "local"
	CacheRedis = "redis"
	CacheOff   = "off"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type StorageConfig struct {
	Driver           string `yaml:"driver"`
	SQLitePath       string `yaml:"sqlite_path"`
	ConnectionString string `yaml:"connection_string"`
	TasksTable       string `yaml:"tasks_table"`
}

type CacheConfig struct {
	Mode string        `yaml:"mode"`
	TTL  time.Duration `yaml:"ttl"`
}

type StreamConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	SendBuffer   int           `yaml:"send_buffer"`
	RelayChannel string        `yaml:"relay_channel"`
}

// EventsConfig configures the Azure Queue event sink. An empty Queue
// disables it.
type EventsConfig struct {
	Queue   string `yaml:"queue"`
	Workers int    `yaml:"workers"`
	Buffer  int    `yaml:"buffer"`
}

// Config is the full process configuration.
type Config struct {
	Env               string        `yaml:"env"`
	Debug             bool          `yaml:"debug"`
	LogFormat         string        `yaml:"log_format"`
	ListenAddr        string        `yaml:"listen_addr"`
	BoardName         string        `yaml:"board_name"`
	Storage           StorageConfig `yaml:"storage"`
	Redis             string        `yaml:"redis_connection_string"`
	Cache             CacheConfig   `yaml:"cache"`
	Stream            StreamConfig  `yaml:"stream"`
	Events            EventsConfig  `yaml:"events"`
	IdempotencyTTL    time.Duration `yaml:"idempotency_ttl"`
	StrictTransitions bool          `yaml:"strict_transitions"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Env:        EnvDevelopment,
		LogFormat:  "text",
		ListenAddr: ":8080",
		BoardName:  "default",
		Storage: StorageConfig{
			Driver:     DriverMemory,
			SQLitePath: "prism-board.db",
			TasksTable: "Tasks",
		},
		Cache: CacheConfig{Mode: CacheLocal, TTL: 5 * time.Second},
		Stream: StreamConfig{
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			SendBuffer:   64,
			RelayChannel: "board:events",
		},
		Events:         EventsConfig{Workers: 4, Buffer: 1024},
		IdempotencyTTL: 24 * time.Hour,
		MaxBatchSize:   100,
	}
}

// Production reports whether error details should be hidden from clients.
func (c Config) Production() bool { return c.Env == EnvProduction }

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the process environment.
func Load(path string) (Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment lookup. Variables that are
// unset or blank leave the value untouched.
func LoadWith(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = b
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}
	r.str("BOARD_ENV", &c.Env)
	r.boolean("DEBUG", &c.Debug)
	r.str("LOG_FORMAT", &c.LogFormat)
	r.str("LISTEN_ADDR", &c.ListenAddr)
	r.str("BOARD_NAME", &c.BoardName)
	r.str("STORAGE_DRIVER", &c.Storage.Driver)
	r.str("SQLITE_PATH", &c.Storage.SQLitePath)
	r.str("STORAGE_CONNECTION_STRING", &c.Storage.ConnectionString)
	r.str("TASKS_TABLE", &c.Storage.TasksTable)
	r.str("REDIS_CONNECTION_STRING", &c.Redis)
	r.str("BOARD_CACHE", &c.Cache.Mode)
	r.duration("BOARD_CACHE_TTL", &c.Cache.TTL)
	r.duration("STREAM_PING_INTERVAL", &c.Stream.PingInterval)
	r.duration("STREAM_PONG_WAIT", &c.Stream.PongWait)
	r.integer("STREAM_SEND_BUFFER", &c.Stream.SendBuffer)
	r.str("STREAM_RELAY_CHANNEL", &c.Stream.RelayChannel)
	r.str("EVENTS_QUEUE", &c.Events.Queue)
	r.integer("EVENTS_QUEUE_WORKERS", &c.Events.Workers)
	r.integer("EVENTS_QUEUE_BUFFER", &c.Events.Buffer)
	r.duration("IDEMPOTENCY_TTL", &c.IdempotencyTTL)
	r.boolean("STRICT_TRANSITIONS", &c.StrictTransitions)
	r.integer("MAX_BATCH_SIZE", &c.MaxBatchSize)
	return errors.Join(r.errs...)
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(c.Env)
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	c.Cache.Mode = strings.ToLower(c.Cache.Mode)
}

// Validate rejects unknown enum values, non-positive sizes and driver or
// cache choices missing the connection they need.
func (c Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("BOARD_ENV must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Env))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite driver requires SQLITE_PATH"))
		}
	case DriverTables:
		if c.Storage.ConnectionString == "" || c.Storage.TasksTable == "" {
			errs = append(errs, errors.New("tables driver requires STORAGE_CONNECTION_STRING and TASKS_TABLE"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}
	switch c.Cache.Mode {
	case CacheLocal, CacheOff:
	case CacheRedis:
		if c.Redis == "" {
			errs = append(errs, errors.New("redis cache requires REDIS_CONNECTION_STRING"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BOARD_CACHE %q", c.Cache.Mode))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("BOARD_CACHE_TTL must be greater than zero"))
	}
	if c.Stream.PingInterval <= 0 || c.Stream.PongWait <= c.Stream.PingInterval {
		errs = append(errs, errors.New("STREAM_PONG_WAIT must exceed a positive STREAM_PING_INTERVAL"))
	}
	if c.Stream.SendBuffer <= 0 {
		errs = append(errs, errors.New("STREAM_SEND_BUFFER must be greater than zero"))
	}
	if c.Events.Queue != "" {
		if c.Storage.ConnectionString == "" {
			errs = append(errs, errors.New("EVENTS_QUEUE requires STORAGE_CONNECTION_STRING"))
		}
		if c.Events.Workers <= 0 || c.Events.Buffer <= 0 {
			errs = append(errs, errors.New("EVENTS_QUEUE_WORKERS and EVENTS_QUEUE_BUFFER must be greater than zero"))
		}
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be greater than zero"))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("MAX_BATCH_SIZE must be greater than zero"))
	}
	return errors.Join(errs...)
}

// RedisOptions parses the Redis connection string. Both redis:// URLs and
// the "host:port,password=...,ssl=true" form are accepted. It returns nil
// when no Redis is configured.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.Redis == "" {
		return nil, nil
	}
	if opts, err := redis.ParseURL(c.Redis); err == nil {
		return opts, nil
	}
	if strings.Contains(c.Redis, "://") {
		return nil, errors.New("invalid REDIS_CONNECTION_STRING")
	}
	parts := strings.Split(c.Redis, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	if opts.Addr == "" {
		return nil, errors.New("invalid REDIS_CONNECTION_STRING: missing address")
	}
	return opts, nil
}

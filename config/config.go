// Package config loads the relay service configuration. Values start from
// built-in defaults, are overlaid by an optional YAML file named by
// RELAY_CONFIG and finally by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Run service kinds.
const (
	RunServiceHTTP     = "http"
	RunServiceGriptape = "griptape"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
)

type (
	// Config is the full service configuration.
	Config struct {
		HTTPAddr   string           `yaml:"http_addr"`
		Debug      bool             `yaml:"debug"`
		RunService RunServiceConfig `yaml:"run_service"`
		Store      StoreConfig      `yaml:"store"`
		Mongo      MongoConfig      `yaml:"mongo"`
		Redis      RedisConfig      `yaml:"redis"`
		Session    SessionConfig    `yaml:"session"`
		Poll       PollConfig       `yaml:"poll"`
		Delivery   DeliveryConfig   `yaml:"delivery"`
		Engine     EngineConfig     `yaml:"engine"`
		GroupMe    GroupMeConfig    `yaml:"groupme"`
	}

	// RunServiceConfig selects and configures the run service client.
	RunServiceConfig struct {
		Kind   string `yaml:"kind"`
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
		AppID  string `yaml:"app_id"`
	}

	// StoreConfig selects the history backend.
	StoreConfig struct {
		Backend string `yaml:"backend"`
	}

	// MongoConfig configures the MongoDB connection.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig configures the Redis connection.
	RedisConfig struct {
		URL      string `yaml:"url"`
		Password string `yaml:"password"`
	}

	// SessionConfig configures the session policy.
	SessionConfig struct {
		Timeout time.Duration `yaml:"timeout"`
		// TouchOnReuse refreshes the stored timestamp on every turn.
		TouchOnReuse bool `yaml:"touch_on_reuse"`
	}

	// PollConfig bounds run polling and activity retries.
	PollConfig struct {
		// RetryCeiling is the attempt ceiling per suspend point.
		RetryCeiling int `yaml:"retry_ceiling"`
		// Backoff is the initial retry backoff and the default poll interval.
		Backoff time.Duration `yaml:"backoff"`
		// Timeout bounds the total time spent polling one run.
		Timeout time.Duration `yaml:"timeout"`
	}

	// DeliveryConfig configures outbound chat delivery.
	DeliveryConfig struct {
		ChunkSize int     `yaml:"chunk_size"`
		Rate      float64 `yaml:"rate"`
		Burst     int     `yaml:"burst"`
	}

	// EngineConfig configures the orchestration engine.
	EngineConfig struct {
		MaxConcurrent int64 `yaml:"max_concurrent"`
	}

	// GroupMeConfig configures the GroupMe ingress and delivery.
	GroupMeConfig struct {
		BotID         string `yaml:"bot_id"`
		APIToken      string `yaml:"api_token"`
		TriggerPhrase string `yaml:"trigger_phrase"`
	}
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTPAddr:   ":8080",
		RunService: RunServiceConfig{Kind: RunServiceHTTP},
		Store:      StoreConfig{Backend: BackendMemory},
		Mongo:      MongoConfig{Database: "relay"},
		Session:    SessionConfig{Timeout: 5 * time.Minute},
		Poll:       PollConfig{RetryCeiling: 5, Backoff: time.Second, Timeout: 10 * time.Minute},
		Delivery:   DeliveryConfig{ChunkSize: 800, Rate: 1, Burst: 1},
		Engine:     EngineConfig{MaxConcurrent: 64},
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration using getenv to look up variables.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path := getenv("RELAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid or missing setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.RunService.Kind {
	case RunServiceHTTP:
		if c.RunService.URL == "" {
			errs = append(errs, errors.New("RUN_SERVICE_URL is required"))
		}
	case RunServiceGriptape:
		if c.RunService.APIKey == "" {
			errs = append(errs, errors.New("RUN_SERVICE_API_KEY is required for griptape"))
		}
		if c.RunService.AppID == "" {
			errs = append(errs, errors.New("GRIPTAPE_APP_ID is required for griptape"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RUN_SERVICE_KIND %q", c.RunService.Kind))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo backend"))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if c.GroupMe.BotID == "" {
		errs = append(errs, errors.New("GROUPME_BOT_ID is required"))
	}
	if c.GroupMe.TriggerPhrase == "" {
		errs = append(errs, errors.New("TRIGGER_PHRASE is required"))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must be positive"))
	}
	if c.Poll.RetryCeiling < 1 {
		errs = append(errs, errors.New("POLL_RETRY_CEILING must be at least 1"))
	}
	if c.Poll.Backoff <= 0 || c.Poll.Timeout <= 0 {
		errs = append(errs, errors.New("POLL_BACKOFF and POLL_TIMEOUT must be positive"))
	}
	if c.Delivery.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.Delivery.Rate <= 0 || c.Delivery.Burst < 1 {
		errs = append(errs, errors.New("DELIVERY_RATE must be positive with a burst of at least 1"))
	}
	if c.Engine.MaxConcurrent < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_INSTANCES must be at least 1"))
	}
	return errors.Join(errs...)
}

func applyEnv(c *Config, getenv func(string) string) error {
	e := envReader{getenv: getenv}
	e.str("RELAY_HTTP_ADDR", &c.HTTPAddr)
	e.boolean("DEBUG", &c.Debug)
	e.str("RUN_SERVICE_KIND", &c.RunService.Kind)
	e.str("RUN_SERVICE_URL", &c.RunService.URL)
	e.str("RUN_SERVICE_API_KEY", &c.RunService.APIKey)
	e.str("GRIPTAPE_APP_ID", &c.RunService.AppID)
	e.str("STORE_BACKEND", &c.Store.Backend)
	e.str("MONGO_URI", &c.Mongo.URI)
	e.str("MONGO_DATABASE", &c.Mongo.Database)
	e.str("REDIS_URL", &c.Redis.URL)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.duration("SESSION_TIMEOUT", &c.Session.Timeout)
	e.boolean("SESSION_TOUCH_ON_REUSE", &c.Session.TouchOnReuse)
	e.integer("CHUNK_SIZE", &c.Delivery.ChunkSize)
	e.integer("POLL_RETRY_CEILING", &c.Poll.RetryCeiling)
	e.duration("POLL_BACKOFF", &c.Poll.Backoff)
	e.duration("POLL_TIMEOUT", &c.Poll.Timeout)
	e.int64("MAX_CONCURRENT_INSTANCES", &c.Engine.MaxConcurrent)
	e.str("GROUPME_BOT_ID", &c.GroupMe.BotID)
	e.str("GROUPME_API_TOKEN", &c.GroupMe.APIToken)
	e.str("TRIGGER_PHRASE", &c.GroupMe.TriggerPhrase)
	e.rate("DELIVERY_RATE", &c.Delivery.Rate)
	e.integer("DELIVERY_BURST", &c.Delivery.Burst)
	return errors.Join(e.errs...)
}

// envReader overlays set variables and collects parse errors.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = i
}

func (e *envReader) int64(key string, dst *int64) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = i
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

// rate accepts "2", "2/s" or "30/m".
func (e *envReader) rate(key string, dst *float64) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	num, unit, _ := strings.Cut(v, "/")
	r, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	switch strings.TrimSpace(unit) {
	case "", "s":
	case "m":
		r /= 60
	case "h":
		r /= 3600
	default:
		e.errs = append(e.errs, fmt.Errorf("%s: unknown rate unit %q", key, unit))
		return
	}
	*dst = r
}

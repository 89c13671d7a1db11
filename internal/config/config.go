// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full configuration of one event process.
type Config struct {
	EventID string `envconfig:"EVENT_ID"`

	DBDSN    string `envconfig:"DB_DSN"`
	RedisSvc string `envconfig:"REDIS_SVC" default:"localhost:6379"`
	RedisPw  string `envconfig:"REDIS_PW"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON  bool   `envconfig:"LOG_JSON" default:"true"`

	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	IngressBatchSize     int           `envconfig:"INGRESS_BATCH_SIZE" default:"50"`
	IngressBackoff       time.Duration `envconfig:"INGRESS_BACKOFF" default:"10s"`
	ConsolidateDebounce  time.Duration `envconfig:"CONSOLIDATE_DEBOUNCE" default:"20ms"`
	LapDebounce          time.Duration `envconfig:"LAP_DEBOUNCE" default:"150ms"`
	ControlLogReload     time.Duration `envconfig:"CONTROL_LOG_RELOAD" default:"30s"`
	StartingPositionScan time.Duration `envconfig:"STARTING_POSITION_SCAN" default:"15s"`
	FinalizationTimeout  time.Duration `envconfig:"FINALIZATION_TIMEOUT" default:"60s"`
	LastUpdatedDebounce  time.Duration `envconfig:"LAST_UPDATED_DEBOUNCE" default:"1500ms"`
	PayloadCacheTTL      time.Duration `envconfig:"PAYLOAD_CACHE_TTL" default:"30s"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields and value bounds.
func (c Config) Validate() error {
	if c.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("db_dsn is required")
	}
	if c.IngressBatchSize <= 0 {
		return fmt.Errorf("ingress_batch_size must be positive, got %d", c.IngressBatchSize)
	}
	if c.ConsolidateDebounce <= 0 {
		return fmt.Errorf("consolidate_debounce must be positive, got %s", c.ConsolidateDebounce)
	}
	if c.LapDebounce <= 0 {
		return fmt.Errorf("lap_debounce must be positive, got %s", c.LapDebounce)
	}
	if c.FinalizationTimeout <= 0 {
		return fmt.Errorf("finalization_timeout must be positive, got %s", c.FinalizationTimeout)
	}
	return nil
}

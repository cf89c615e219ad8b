package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Bridge   BridgeConfig   `json:"bridge"`
	Relay    RelayConfig    `json:"relay"`
	SaCoLu   SaCoLuConfig   `json:"sacolu"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// BridgeConfig tunes the enrichment pipeline.
type BridgeConfig struct {
	DefaultEvaluationWindowDays int    `json:"default_evaluation_window_days"`
	CommitTimeoutSeconds        int    `json:"commit_timeout_seconds"`
	TriggerCacheTTLSeconds      int    `json:"trigger_cache_ttl_seconds"`
	TriggersFile                string `json:"triggers_file"`
}

// RelayConfig points the interaction route at the AI service. An empty
// UpstreamURL serves the context preview instead.
type RelayConfig struct {
	UpstreamURL    string `json:"upstream_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SaCoLuConfig is the ordered phase progression.
type SaCoLuConfig struct {
	Phases       []string `json:"phases"`
	InitialPhase string   `json:"initial_phase"`
}

// CommitTimeout bounds a deferred reinforcement commit.
func (b BridgeConfig) CommitTimeout() time.Duration {
	return time.Duration(b.CommitTimeoutSeconds) * time.Second
}

// TriggerCacheTTL is how long the Redis trigger cache holds a definition set.
func (b BridgeConfig) TriggerCacheTTL() time.Duration {
	return time.Duration(b.TriggerCacheTTLSeconds) * time.Second
}

// Timeout bounds the wait for upstream response headers.
func (r RelayConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes config JSON, substituting environment references and
// filling unset fields with defaults.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Bridge.DefaultEvaluationWindowDays == 0 {
		c.Bridge.DefaultEvaluationWindowDays = 7
	}
	if c.Bridge.CommitTimeoutSeconds == 0 {
		c.Bridge.CommitTimeoutSeconds = 10
	}
	if c.Bridge.TriggerCacheTTLSeconds == 0 {
		c.Bridge.TriggerCacheTTLSeconds = 300
	}
	if c.Relay.TimeoutSeconds == 0 {
		c.Relay.TimeoutSeconds = 30
	}
	if c.SaCoLu.Phases == nil {
		c.SaCoLu.Phases = []string{"sa", "co", "lu", "sapien"}
	}
	if c.SaCoLu.InitialPhase == "" && len(c.SaCoLu.Phases) > 0 {
		c.SaCoLu.InitialPhase = c.SaCoLu.Phases[0]
	}
}

func (c *Config) validate() error {
	if c.Bridge.DefaultEvaluationWindowDays < 0 {
		return fmt.Errorf("bridge.default_evaluation_window_days must be positive")
	}
	if c.SaCoLu.InitialPhase == "" {
		return fmt.Errorf("sacolu.initial_phase is required when no phases are configured")
	}
	if len(c.SaCoLu.Phases) > 0 {
		for _, p := range c.SaCoLu.Phases {
			if p == c.SaCoLu.InitialPhase {
				return nil
			}
		}
		return fmt.Errorf("sacolu.initial_phase %q is not in sacolu.phases", c.SaCoLu.InitialPhase)
	}
	return nil
}

package domain

import (
	"time"
)

// Config holds the complete Kite configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Profile determines the default backend selection
	Profile Profile `json:"profile"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine settings
	Engine EngineConfig `json:"engine"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Profile represents the deployment profile.
type Profile string

const (
	// ProfileStandalone runs on SQLite + in-memory cache + channel bus.
	ProfileStandalone Profile = "standalone"

	// ProfileCluster runs on PostgreSQL + Redis + NATS.
	ProfileCluster Profile = "cluster"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// EngineConfig holds rule engine settings.
type EngineConfig struct {
	// MaxWorkers bounds concurrent rule evaluation per event.
	MaxWorkers int `json:"maxWorkers"`

	// RuleCacheTTL bounds staleness of the cached active-rule list.
	RuleCacheTTL time.Duration `json:"ruleCacheTTL"`

	// CooldownWindow suppresses repeat dispatches for the same
	// (rule, recipient) pair within the window. Zero disables cooldown.
	CooldownWindow time.Duration `json:"cooldownWindow"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns a default configuration for the standalone profile.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileStandalone,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kite.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			MaxWorkers:     100,
			RuleCacheTTL:   time.Minute,
			CooldownWindow: 0, // off by default
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kite",
		},
	}
}

// ClusterConfig returns a configuration for the cluster profile.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kite",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

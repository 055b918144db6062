package domain

import "time"

// Config holds the complete service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Billing    BillingConfig    `json:"billing"`
	Scheduler  SchedulerConfig  `json:"scheduler"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// BillingConfig tunes period runs.
type BillingConfig struct {
	// MaxWorkers bounds concurrent SLA evaluations within one period run.
	MaxWorkers int `json:"maxWorkers"`

	// FetchTimeout bounds each read from the contract source.
	FetchTimeout time.Duration `json:"fetchTimeout"`

	// FetchRetries is how many times a DataUnavailableError is retried with backoff.
	FetchRetries int           `json:"fetchRetries"`
	RetryBackoff time.Duration `json:"retryBackoff"`

	// AppendTimeout bounds each audit append, including waiting for the contract lock.
	AppendTimeout time.Duration `json:"appendTimeout"`

	// RuleSetTTL is how long resolved rule sets stay cached. Zero disables caching.
	RuleSetTTL time.Duration `json:"ruleSetTtl"`

	// Jobs bounds concurrent period runs in the async worker.
	Jobs       int           `json:"jobs"`
	JobTimeout time.Duration `json:"jobTimeout"`
}

// SchedulerConfig drives the built-in monthly billing trigger.
type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Spec    string `json:"spec"` // standard 5-field cron
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

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./wastebill.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Billing: BillingConfig{
			MaxWorkers:    8,
			FetchTimeout:  10 * time.Second,
			FetchRetries:  3,
			RetryBackoff:  200 * time.Millisecond,
			AppendTimeout: 5 * time.Second,
			RuleSetTTL:    15 * time.Minute,
			Jobs:          4,
			JobTimeout:    5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
			Spec:    "0 2 1 * *", // 02:00 UTC on the 1st: bill the previous month
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "wastebill",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "wastebill",
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
	cfg.Billing.MaxWorkers = 32
	cfg.Billing.Jobs = 16
	cfg.Scheduler.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

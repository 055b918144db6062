// Package config loads the service configuration from environment variables
// and an optional wastebill.env file layered over the tier defaults.
//
// Keys are flat: SERVER_PORT in the file, WASTEBILL_SERVER_PORT in the environment.
// The environment wins.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// EnvPrefix prefixes every environment variable, e.g. WASTEBILL_SERVER_PORT.
const EnvPrefix = "WASTEBILL"

// Load reads configuration from the process environment.
func Load() (*domain.Config, error) {
	v := viper.New()
	v.SetConfigName("wastebill")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from v. Unset keys keep the defaults of the
// selected tier.
func FromViper(v *viper.Viper) (*domain.Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	cfg := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	setString(v, "server_host", &cfg.Server.Host)
	setInt(v, "server_port", &cfg.Server.Port)
	setInt(v, "server_read_timeout", &cfg.Server.ReadTimeout)
	setInt(v, "server_write_timeout", &cfg.Server.WriteTimeout)

	setString(v, "repository_driver", &cfg.Repository.Driver)
	setString(v, "sqlite_path", &cfg.Repository.SQLitePath)
	setString(v, "postgres_host", &cfg.Repository.PostgresHost)
	setInt(v, "postgres_port", &cfg.Repository.PostgresPort)
	setString(v, "postgres_user", &cfg.Repository.PostgresUser)
	setString(v, "postgres_password", &cfg.Repository.PostgresPassword)
	setString(v, "postgres_db", &cfg.Repository.PostgresDB)
	setString(v, "postgres_sslmode", &cfg.Repository.PostgresSSLMode)

	setString(v, "cache_type", &cfg.Cache.Type)
	setInt(v, "cache_local_max_size", &cfg.Cache.LocalMaxSize)
	setDuration(v, "cache_local_ttl", &cfg.Cache.LocalTTL)
	setString(v, "redis_addr", &cfg.Cache.RedisAddr)
	setString(v, "redis_password", &cfg.Cache.RedisPassword)
	setInt(v, "redis_db", &cfg.Cache.RedisDB)
	setBool(v, "cache_two_phase", &cfg.Cache.EnableTwoPhase)

	setString(v, "eventbus_type", &cfg.EventBus.Type)
	setInt(v, "eventbus_buffer_size", &cfg.EventBus.ChannelBufferSize)
	setString(v, "nats_url", &cfg.EventBus.NATSUrl)
	setString(v, "nats_token", &cfg.EventBus.NATSToken)
	setString(v, "nats_queue_group", &cfg.EventBus.NATSQueueGroup)

	setInt(v, "billing_max_workers", &cfg.Billing.MaxWorkers)
	setInt(v, "billing_fetch_retries", &cfg.Billing.FetchRetries)
	setDuration(v, "billing_fetch_timeout", &cfg.Billing.FetchTimeout)
	setDuration(v, "billing_retry_backoff", &cfg.Billing.RetryBackoff)
	setDuration(v, "billing_append_timeout", &cfg.Billing.AppendTimeout)
	setDuration(v, "billing_ruleset_ttl", &cfg.Billing.RuleSetTTL)
	setInt(v, "billing_jobs", &cfg.Billing.Jobs)
	setDuration(v, "billing_job_timeout", &cfg.Billing.JobTimeout)

	setBool(v, "scheduler_enabled", &cfg.Scheduler.Enabled)
	setString(v, "scheduler_spec", &cfg.Scheduler.Spec)

	setString(v, "log_level", &cfg.Logging.Level)
	setString(v, "log_format", &cfg.Logging.Format)
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	setBool(v, "tracing_enabled", &cfg.Tracing.Enabled)
	setString(v, "tracing_service_name", &cfg.Tracing.ServiceName)
	setString(v, "tracing_exporter", &cfg.Tracing.ExporterType)
	setString(v, "tracing_endpoint", &cfg.Tracing.Endpoint)

	setBool(v, "metrics_enabled", &cfg.Metrics.Enabled)
	setString(v, "metrics_path", &cfg.Metrics.Path)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *domain.Config) error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver))
	}
	if cfg.Billing.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("billing max workers must be positive, got %d", cfg.Billing.MaxWorkers))
	}
	if cfg.Billing.Jobs <= 0 {
		errs = append(errs, fmt.Errorf("billing jobs must be positive, got %d", cfg.Billing.Jobs))
	}
	if cfg.Billing.FetchRetries < 0 {
		errs = append(errs, fmt.Errorf("billing fetch retries must not be negative, got %d", cfg.Billing.FetchRetries))
	}
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Scheduler.Spec) == "" {
		errs = append(errs, errors.New("scheduler enabled without a spec"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// LogLevel maps the configured level name to a slog level. Unknown names mean info.
func LogLevel(cfg domain.LoggingConfig) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

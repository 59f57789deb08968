package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
)

// Validate checks the config for:
//   - known store and notify drivers, with the connection settings they need
//   - a parseable log level
//   - non-negative intervals and sizes
//   - structurally valid saga definitions (handler types are checked
//     against the registries at startup, not here)
func Validate(cfg *File) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		add("log_level: %v", err)
	}
	if cfg.HTTP.Addr == "" {
		add("http.addr is required")
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Store.PostgresDSN == "" {
			add("store.postgres_dsn is required for the postgres driver")
		}
	default:
		add("store.driver: unknown driver %q (want %s or %s)", cfg.Store.Driver, DriverMemory, DriverPostgres)
	}

	switch cfg.Notify.Driver {
	case DriverMemory:
	case DriverRedis:
		if cfg.Notify.RedisAddr == "" {
			add("notify.redis_addr is required for the redis driver")
		}
	default:
		add("notify.driver: unknown driver %q (want %s or %s)", cfg.Notify.Driver, DriverMemory, DriverRedis)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"bus.retry_interval", cfg.Bus.RetryInterval},
		{"bus.dlq_interval", cfg.Bus.DLQInterval},
		{"queue.poll_interval", cfg.Queue.PollInterval},
		{"saga.heartbeat_interval", cfg.Saga.HeartbeatInterval},
		{"saga.stale_after", cfg.Saga.StaleAfter},
	}
	for _, d := range durations {
		if d.d < 0 {
			add("%s must not be negative", d.name)
		}
	}
	if cfg.Bus.DeliveryWorkers < 0 || cfg.Bus.DeliveryQueue < 0 || cfg.Bus.MaxConcurrentHandlers < 0 {
		add("bus: worker and queue sizes must not be negative")
	}
	if cfg.Bus.ReprocessRate < 0 || cfg.Bus.ReprocessBurst < 0 {
		add("bus: reprocess_rate and reprocess_burst must not be negative")
	}
	if cfg.Queue.DefaultMaxAttempts < 0 {
		add("queue.default_max_attempts must not be negative")
	}
	if cfg.Bus.DefaultRetry.MaxRetries < 0 {
		add("bus.default_retry.max_retries must not be negative")
	}
	if cfg.Queue.DefaultRetry.MaxRetries < 0 {
		add("queue.default_retry.max_retries must not be negative")
	}

	if _, err := saga.NewDefinitions(cfg.Sagas, nil, nil); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			add("sagas: %s", line)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

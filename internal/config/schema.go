package config

import (
	"time"

	"github.com/gyaneshwarpardhi/orchestrator/internal/bus"
	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
)

// File is the top-level YAML structure.
type File struct {
	Env      string     `yaml:"env"`
	LogLevel string     `yaml:"log_level"`
	HTTP     HTTPConf   `yaml:"http"`
	Store    StoreConf  `yaml:"store"`
	Notify   NotifyConf `yaml:"notify"`
	Bus      BusConf    `yaml:"bus"`
	Queue    QueueConf  `yaml:"queue"`
	Saga     SagaConf   `yaml:"saga"`
	// Sagas are the workflow definitions; they are the only section that
	// is hot-reloaded.
	Sagas []saga.Definition `yaml:"sagas"`
}

type HTTPConf struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConf selects the durable store backend.
type StoreConf struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Table       string `yaml:"table"`
}

// NotifyConf selects the notify channel backend.
type NotifyConf struct {
	Driver      string `yaml:"driver"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type BusConf struct {
	RetryInterval         time.Duration `yaml:"retry_interval"`
	DLQInterval           time.Duration `yaml:"dlq_interval"`
	DeliveryWorkers       int           `yaml:"delivery_workers"`
	DeliveryQueue         int           `yaml:"delivery_queue"`
	MaxConcurrentHandlers int           `yaml:"max_concurrent_handlers"`
	ReprocessRate         float64       `yaml:"reprocess_rate"`
	ReprocessBurst        int           `yaml:"reprocess_burst"`
	DefaultRetry          retry.Policy  `yaml:"default_retry"`
	Source                string        `yaml:"source"`
}

type QueueConf struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	DefaultRetry       retry.Policy  `yaml:"default_retry"`
}

type SagaConf struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// BusConfig converts the section; zero values fall back to bus defaults.
func (f *File) BusConfig() bus.Config {
	b := f.Bus
	return bus.Config{
		RetryInterval:         b.RetryInterval,
		DLQInterval:           b.DLQInterval,
		DeliveryWorkers:       b.DeliveryWorkers,
		DeliveryQueue:         b.DeliveryQueue,
		MaxConcurrentHandlers: b.MaxConcurrentHandlers,
		ReprocessRate:         b.ReprocessRate,
		ReprocessBurst:        b.ReprocessBurst,
		DefaultRetry:          b.DefaultRetry,
		Source:                b.Source,
		Environment:           f.Env,
	}
}

func (f *File) QueueConfig() queue.Config {
	return queue.Config{
		PollInterval:       f.Queue.PollInterval,
		DefaultMaxAttempts: f.Queue.DefaultMaxAttempts,
		DefaultRetry:       f.Queue.DefaultRetry,
	}
}

func (f *File) SagaConfig() saga.Config {
	return saga.Config{
		HeartbeatInterval: f.Saga.HeartbeatInterval,
		StaleAfter:        f.Saga.StaleAfter,
	}
}

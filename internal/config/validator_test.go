package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/orchestrator/internal/config"
	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
)

func validFile() *config.File {
	return &config.File{
		Env:      "development",
		LogLevel: "info",
		HTTP:     config.HTTPConf{Addr: ":8080", ShutdownTimeout: time.Second},
		Store:    config.StoreConf{Driver: config.DriverMemory},
		Notify:   config.NotifyConf{Driver: config.DriverMemory},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.File)
		wantErr []string
	}{
		{"valid", func(*config.File) {}, nil},
		{"bad log level", func(f *config.File) { f.LogLevel = "loud" }, []string{"log_level"}},
		{"unknown store", func(f *config.File) { f.Store.Driver = "mongo" }, []string{`store.driver: unknown driver "mongo"`}},
		{"postgres without dsn", func(f *config.File) { f.Store.Driver = config.DriverPostgres }, []string{"store.postgres_dsn is required"}},
		{"postgres with dsn", func(f *config.File) {
			f.Store = config.StoreConf{Driver: config.DriverPostgres, PostgresDSN: "postgres://localhost/orch"}
		}, nil},
		{"redis without addr", func(f *config.File) { f.Notify.Driver = config.DriverRedis }, []string{"notify.redis_addr is required"}},
		{"unknown notify", func(f *config.File) { f.Notify.Driver = "kafka" }, []string{"notify.driver"}},
		{"negative interval", func(f *config.File) { f.Queue.PollInterval = -time.Second }, []string{"queue.poll_interval must not be negative"}},
		{"negative retries", func(f *config.File) { f.Bus.DefaultRetry.MaxRetries = -1 }, []string{"bus.default_retry.max_retries"}},
		{"invalid saga", func(f *config.File) {
			f.Sagas = []saga.Definition{{ID: "empty"}}
		}, []string{"sagas: saga empty: at least one step is required"}},
		{"errors are aggregated", func(f *config.File) {
			f.LogLevel = "loud"
			f.Store.Driver = "mongo"
			f.Saga.StaleAfter = -time.Minute
		}, []string{"log_level", "store.driver", "saga.stale_after"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFile()
			tt.mutate(f)
			err := config.Validate(f)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorContains(t, err, "config validation errors:")
			for _, want := range tt.wantErr {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}

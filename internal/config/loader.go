package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	logger   zerolog.Logger
	mu       sync.RWMutex
	current  *File
	onChange []func(*File)
}

// envOverrides are the settings deployments set through the environment.
// Non-empty values replace what the file says.
type envOverrides struct {
	Env          string `env:"ORCH_ENV"`
	LogLevel     string `env:"ORCH_LOG_LEVEL"`
	HTTPAddr     string `env:"ORCH_HTTP_ADDR"`
	StoreDriver  string `env:"ORCH_STORE_DRIVER"`
	PostgresDSN  string `env:"ORCH_POSTGRES_DSN"`
	NotifyDriver string `env:"ORCH_NOTIFY_DRIVER"`
	RedisAddr    string `env:"ORCH_REDIS_ADDR"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger zerolog.Logger) (*Loader, error) {
	l := &Loader{path: path, logger: logger.With().Str("component", "config").Logger()}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *File {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*File)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file
// changes. The directory is watched so editors that replace the file on
// save are noticed. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Error().Err(err).Str("path", l.path).Msg("config: reload failed, keeping previous config")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn().Err(err).Msg("config: watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. The previous
// config stays current when the new one does not load or validate.
func (l *Loader) Reload() (*File, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*File), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	l.logger.Info().Str("path", l.path).Int("sagas", len(cfg.Sagas)).Msg("config: reloaded")
	return cfg, nil
}

func (l *Loader) load() (*File, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	// Editors truncate before writing; a half-written file must not replace
	// the current config.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config %s: file is empty", l.path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and environment overrides, and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var cfg File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *File) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = DriverMemory
	}
	if cfg.Notify.RedisPrefix == "" {
		cfg.Notify.RedisPrefix = "orch:"
	}
	if cfg.Bus.DLQInterval == 0 {
		cfg.Bus.DLQInterval = time.Minute
	}
}

func applyEnv(cfg *File) error {
	var o envOverrides
	if err := envdecode.Decode(&o); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Env, o.Env)
	set(&cfg.LogLevel, o.LogLevel)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.Store.Driver, o.StoreDriver)
	set(&cfg.Store.PostgresDSN, o.PostgresDSN)
	set(&cfg.Notify.Driver, o.NotifyDriver)
	set(&cfg.Notify.RedisAddr, o.RedisAddr)
	return nil
}

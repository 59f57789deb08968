package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/orchestrator/internal/action"
	"github.com/gyaneshwarpardhi/orchestrator/internal/api"
	"github.com/gyaneshwarpardhi/orchestrator/internal/bus"
	"github.com/gyaneshwarpardhi/orchestrator/internal/config"
	"github.com/gyaneshwarpardhi/orchestrator/internal/logger"
	"github.com/gyaneshwarpardhi/orchestrator/internal/metrics"
	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
	"github.com/gyaneshwarpardhi/orchestrator/internal/plugins/credits"
	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
	"github.com/gyaneshwarpardhi/orchestrator/internal/schedule"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/orchestrator.yaml", "Path to YAML config")
	envFile := flag.String("env-file", ".env", "Optional .env file loaded before the config")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// ── Load config ──────────────────────────────────────────────────────────
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	loader, err := config.NewLoader(*cfgPath, boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := loader.Config()

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to build logger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, *log, loader); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("goodbye")
}

func run(ctx context.Context, log zerolog.Logger, loader *config.Loader) error {
	cfg := loader.Config()

	// ── Backends ──────────────────────────────────────────────────────────────
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	nc, closeNotify, err := openNotify(ctx, cfg.Notify, log)
	if err != nil {
		return err
	}
	defer closeNotify()

	rec := metrics.New()
	runner := schedule.New(log)

	// ── Event bus ─────────────────────────────────────────────────────────────
	eventBus, err := bus.New(cfg.BusConfig(), bus.Dependencies{Store: st, Notify: nc, Logger: log, Metrics: rec})
	if err != nil {
		return err
	}
	if err := eventBus.Start(runner); err != nil {
		return err
	}

	// ── Registries and plugins ───────────────────────────────────────────────
	actions, compensations, processors := action.NewRegistry(), action.NewRegistry(), queue.NewRegistry()
	ledger := credits.NewLedger()

	// ── Operation queue ──────────────────────────────────────────────────────
	q, err := queue.New(cfg.QueueConfig(), queue.Dependencies{
		Store:      st,
		Notify:     nc,
		Processors: processors,
		Publisher:  eventBus,
		Logger:     log,
		Metrics:    rec,
	})
	if err != nil {
		return err
	}
	credits.Register(ledger, q, actions, compensations, processors, log)

	rq, err := q.Recover(ctx)
	if err != nil {
		return fmt.Errorf("queue recovery: %w", err)
	}
	log.Info().Int("requeued", rq.Requeued).Int("rearmed", rq.Rearmed).Int("skipped", rq.Skipped).
		Msg("operation queue recovered")
	q.Start()

	// ── Saga manager ─────────────────────────────────────────────────────────
	defs, err := saga.NewDefinitions(cfg.Sagas, actions, compensations)
	if err != nil {
		return fmt.Errorf("saga definitions: %w", err)
	}
	sagas, err := saga.New(cfg.SagaConfig(), saga.Dependencies{
		Store:         st,
		Notify:        nc,
		Actions:       actions,
		Compensations: compensations,
		Definitions:   defs,
		Publisher:     eventBus,
		Logger:        log,
		Metrics:       rec,
	})
	if err != nil {
		return err
	}
	rs, err := sagas.Recover(ctx)
	if err != nil {
		return fmt.Errorf("saga recovery: %w", err)
	}
	log.Info().Int("restored", rs.Restored).Int("skipped", rs.Skipped).Int("definitions", defs.Len()).
		Msg("saga manager recovered")
	if err := sagas.Start(runner); err != nil {
		return err
	}
	if _, err := eventBus.Subscribe(ctx, saga.EventContinue, sagas.HandleContinue); err != nil {
		return fmt.Errorf("subscribe %s: %w", saga.EventContinue, err)
	}

	runner.Start()

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(next *config.File) {
		d, err := saga.NewDefinitions(next.Sagas, actions, compensations)
		if err != nil {
			log.Warn().Err(err).Msg("hot-reload skipped: saga definitions invalid")
			return
		}
		sagas.SetDefinitions(d)
		log.Info().Strs("definitions", d.IDs()).Msg("saga definitions hot-reloaded")
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable (hot-reload disabled)")
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.New(api.Dependencies{
			Bus:     eventBus,
			Queue:   q,
			Sagas:   sagas,
			Notify:  nc,
			Config:  loader,
			Metrics: rec,
			Logger:  log,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutCancel()
	var errs []error
	if err := srv.Shutdown(shutCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := runner.Stop(shutCtx); err != nil {
		errs = append(errs, err)
	}
	// Producers first: sagas enqueue operations, both publish to the bus.
	if err := sagas.Shutdown(shutCtx); err != nil {
		errs = append(errs, err)
	}
	if err := q.Shutdown(shutCtx); err != nil {
		errs = append(errs, err)
	}
	if err := eventBus.Shutdown(shutCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, c config.StoreConf) (store.Store, func(), error) {
	if c.Driver != config.DriverPostgres {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, c.PostgresDSN, c.Table)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func openNotify(ctx context.Context, c config.NotifyConf, log zerolog.Logger) (notify.Channel, func(), error) {
	if c.Driver != config.DriverRedis {
		return notify.NewMemory(), func() {}, nil
	}
	r, err := notify.DialRedis(ctx, c.RedisAddr, c.RedisPrefix, log)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

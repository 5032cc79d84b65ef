package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/localrss/internal/config"
	"github.com/bryan-buckman/localrss/internal/database"
	"github.com/bryan-buckman/localrss/internal/server"
	"github.com/bryan-buckman/localrss/internal/update"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	db, err := database.New(cfg.DBPath, database.Options{
		Retention:    cfg.Retention(),
		IntervalLow:  cfg.IntervalLow,
		IntervalMed:  cfg.IntervalMed,
		IntervalHigh: cfg.IntervalHigh,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database open", "path", cfg.DBPath)

	serializer := update.NewSerializer(db, logger)
	serializer.Start()
	defer serializer.Stop()

	fetcher := update.NewFetcher(cfg.FetchTimeout, cfg.UserAgent, cfg.LimitPerHost)
	orch := update.NewOrchestrator(db, fetcher, serializer, cfg.Concurrency, cfg.Retention(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := update.NewScheduler(orch, cfg.SchedulerTick, logger)
	sched.Start(ctx)
	defer sched.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: server.New(db, orch, sched, cfg, logger).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/goadapt/internal/config"
	"github.com/basket/goadapt/internal/cron"
	"github.com/basket/goadapt/internal/gateway"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stream consumer, sweeper and monitoring gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to the log file only")
	return cmd
}

func runServe(ctx context.Context, quiet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg, quiet)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	logger.Info("startup phase", "phase", "store_opened", "db_path", cfg.DBPath)

	if err := a.consumer.Start(ctx); err != nil {
		return fmt.Errorf("stream start: %w", err)
	}
	defer a.consumer.Stop()

	sched, err := cron.NewScheduler(cron.Config{
		Schedule: cfg.Sweep.Schedule,
		Jobs:     a.sweepJobs(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher unavailable; lexicon reload disabled", "error", err)
	} else {
		g.Go(func() error {
			for range watcher.Events() {
				a.reloadLexicon()
			}
			return nil
		})
	}

	if cfg.Gateway.Enabled {
		warnOpenBind(a, cfg.Gateway)
		gw := gateway.New(gateway.Config{
			Store:  a.store,
			Stream: a.consumer,
			Bus:    a.bus,
			Cfg:    cfg.Gateway,
			Logger: logger,
			Tracer: a.otel.Tracer,
		})
		gw.RateLimiter().StartEviction(gctx, time.Minute, 10*time.Minute)
		srv := &http.Server{
			Addr:              cfg.Gateway.BindAddr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("gateway listening", "bind_addr", cfg.Gateway.BindAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("startup phase", "phase", "serving", "workers", cfg.Stream.WorkerCount, "next_sweep", sched.NextRun())
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	logger.Info("shutting down", "reason", context.Cause(ctx))
	return err
}

func warnOpenBind(a *app, gw config.GatewayConfig) {
	host, _, err := net.SplitHostPort(gw.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if len(gw.APIKeys) == 0 {
		a.logger.Warn("gateway bound to a non-loopback address without api keys", "bind_addr", gw.BindAddr)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/smtpbox/internal/api"
	"github.io/infrasutra/smtpbox/internal/auth"
	"github.io/infrasutra/smtpbox/internal/config"
	"github.io/infrasutra/smtpbox/internal/directory"
	"github.io/infrasutra/smtpbox/internal/ingest"
	"github.io/infrasutra/smtpbox/internal/mailparse"
	"github.io/infrasutra/smtpbox/internal/metrics"
	"github.io/infrasutra/smtpbox/internal/smtpserver"
	"github.io/infrasutra/smtpbox/internal/sse"
	"github.io/infrasutra/smtpbox/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := run(cfg, logger); err != nil {
		logger.Error("smtpbox stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meterProvider, err := metrics.NewMeterProvider(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = meterProvider.Shutdown(context.Background())
	}()

	st, err := store.Open(ctx, cfg.Storage, logger, store.WithMeterProvider(meterProvider))
	if err != nil {
		return err
	}
	defer st.Close()

	var dir auth.DirectoryClient
	if cfg.Auth.Mode == config.AuthDirectory {
		client := directory.New(cfg.Directory, nil, logger)
		if err := client.Open(ctx); err != nil {
			// Sessions keep failing with a temporary error until this is fixed.
			logger.Error("directory unavailable at startup", "url", cfg.Directory.URL(), "error", err)
		}
		defer client.Close()
		dir = client
	}

	authenticator, err := auth.New(cfg.Auth, dir)
	if err != nil {
		return err
	}
	if authenticator.Required() {
		logger.Info("smtp auth enabled", "mode", authenticator.Mode())
	} else {
		logger.Warn("smtp auth disabled; every message lands in the shared mailbox", "mailbox", auth.Anonymous)
	}

	hub := sse.NewHub(logger)
	parser := mailparse.Parser{Domain: cfg.SMTP.Domain}
	pipeline := ingest.New(st, parser, logger, ingest.WithNotifier(hub))

	smtpSrv := smtpserver.New(cfg.SMTP, authenticator, pipeline, logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(st, hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := smtpSrv.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := smtpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/config"
	"agreementflow/db"
	"agreementflow/document"
	"agreementflow/notify"
	"agreementflow/partner"
	"agreementflow/reconcile"
	"agreementflow/settings"
	"agreementflow/signature"
)

func main() {
	var (
		configPath = pflag.String("config", os.Getenv("AGREEMENTFLOW_CONFIG"), "path to the YAML configuration file")
		addr       = pflag.String("addr", "", "listen address, overrides http.addr")
		noJobs     = pflag.Bool("no-jobs", false, "do not run the scheduled reconciler in this process")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *noJobs {
		cfg.Reconcile.Enabled = false
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agreementflow stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret)
	partnerService := partner.NewService(partner.NewRepository(pool))
	settingsStore := settings.NewStore(pool)

	coordinator, err := settingsStore.DefaultCoordinator(ctx)
	if err != nil {
		return fmt.Errorf("load default coordinator: %w", err)
	}
	if coordinator == nil {
		coordinator = cfg.Agreement.DefaultCoordinator()
	}

	opts := agreement.Options{
		DefaultCoordinatorPartnerID: coordinator,
		BaseURL:                     cfg.Portal.BaseURL,
		Partners:                    partnerService,
		Portal:                      authService,
		Logger:                      logger.With("component", "agreement"),
	}
	if cfg.Render.Enabled() {
		renderer := document.NewHTTPRenderer(cfg.Render.URL, cfg.Render.Timeout)
		opts.Documents = document.NewGenerator(renderer, document.NewAttachmentRepository(pool), cfg.Agreement.DocumentTemplate)
	} else {
		logger.Warn("render service not configured; document generation disabled")
	}
	if cfg.Signature.Enabled() {
		client := signature.NewHTTPClient(cfg.Signature.URL, cfg.Signature.Token, cfg.Signature.Timeout)
		opts.Signatures = signature.NewDispatcher(client, logger.With("component", "signature"))
	} else {
		logger.Warn("signature service not configured; signature requests disabled")
	}
	if cfg.Mail.Enabled() {
		opts.Mailer = notify.NewHTTPMailer(cfg.Mail.URL, cfg.Mail.Token, cfg.Mail.Timeout, logger.With("component", "notify"))
	}

	agreementService := agreement.NewService(pool, agreement.NewRepository(pool), opts)

	server := &Server{
		agreements: agreementService,
		auth:       authService,
		partners:   partnerService,
		settings:   settingsStore,
		logger:     logger.With("component", "http"),
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Reconcile.Enabled {
		var locker reconcile.Locker = reconcile.NoopLocker{}
		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			locker = reconcile.NewRedisLocker(client, "")
		}
		reconciler := reconcile.New(agreementService, locker, reconcile.Config{
			OverdueAfter:     cfg.Reconcile.OverdueAfter(),
			ReminderInterval: cfg.Reconcile.ReminderInterval,
			SyncInterval:     cfg.Reconcile.SyncInterval,
			CallsPerSecond:   cfg.Reconcile.CallsPerSecond,
		}, logger.With("component", "reconcile"))
		g.Go(func() error {
			return reconciler.Run(ctx)
		})
	}

	return g.Wait()
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/careops/wardgate/agent"
	"github.com/careops/wardgate/audit"
	"github.com/careops/wardgate/config"
	"github.com/careops/wardgate/confirm"
	"github.com/careops/wardgate/facts"
	"github.com/careops/wardgate/formatter"
	"github.com/careops/wardgate/logging"
	"github.com/careops/wardgate/provider"
	"github.com/careops/wardgate/server"
	"github.com/careops/wardgate/session"
	"github.com/careops/wardgate/storage"
	"github.com/careops/wardgate/tool"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(func(o *logging.Options) {
		o.Level = parseLevel(cfg.Log.Level)
		o.Format = cfg.Log.Format
	})

	db, err := storage.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger := audit.NewLedger(db, func(o *audit.Options) {
		o.Logger = logger
	})
	factStore := facts.NewStore(db, logger)
	sessionStore := session.NewStore(cfg.SessionDir, logger)
	consolidator := session.NewConsolidator(sessionStore, cfg.Consolidation.Threshold, cfg.Consolidation.Keep, logger)

	registry, err := tool.LoadRegistry(cfg.ToolsConfig)
	if err != nil {
		return err
	}
	dispatcher := tool.NewDispatcher(cfg.Backends, func(o *tool.DispatcherOptions) {
		o.Logger = logger
	})
	broker := confirm.NewBroker(func(o *confirm.Options) {
		o.TTL = cfg.ConfirmTTL
	})

	providers, err := provider.NewRegistry(cfg.Providers, func(o *provider.RegistryOptions) {
		o.Default = cfg.DefaultProvider
		o.Logger = logger
	})
	if err != nil {
		return err
	}
	logger.Info("providers configured", "providers", providers.Names(), "default", cfg.DefaultProvider)

	ag := agent.New(agent.Deps{
		Registry:     registry,
		Dispatcher:   dispatcher,
		Providers:    providers,
		Sessions:     sessionStore,
		Consolidator: consolidator,
		Facts:        factStore,
		Ledger:       ledger,
		Broker:       broker,
	}, func(o *agent.Options) {
		o.Logger = logger
	})

	fm, err := formatter.Load(cfg.ChannelsConfig)
	if err != nil {
		return err
	}

	srv := server.New(ag, fm, cfg.Backends, func(o *server.Options) {
		o.RateRPS = cfg.RateLimit.RPS
		o.RateBurst = cfg.RateLimit.Burst
		o.Logger = logger
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wardgate listening", "addr", cfg.Addr)
		errCh <- srv.Start(cfg.Addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func parseLevel(level string) slog.Level {
	switch level {
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

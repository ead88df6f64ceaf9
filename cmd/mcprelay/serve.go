package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vikashloomba/mcp-relay-go/pkg/mcppool"
	"github.com/vikashloomba/mcp-relay-go/pkg/relay"
	"github.com/vikashloomba/mcp-relay-go/pkg/relayconfig"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Long: `Loads the configuration, builds the connection pool and serves the
namespaced backend tools until interrupted. On shutdown every pooled
connection is closed and scoped credentials are removed.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func loadConfig() (*relayconfig.Config, error) {
	if err := relayconfig.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := relayconfig.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolOpts := cfg.PoolOptions(logger)
	registry := mcppool.NewRegistry(&poolOpts)
	if prev := mcppool.SetDefault(registry); prev != nil {
		_ = prev.Close(context.Background())
	}

	r, err := relay.New(registry, cfg.ServerConfigs(), cfg.RelayOptions(logger))
	if err != nil {
		_ = registry.Close(context.Background())
		return fmt.Errorf("build relay: %w", err)
	}
	logger.Info("serving backends", zap.Strings("tools", r.Tools()))

	err = r.ListenAndServe(ctx)
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownTimeout)
	defer cancel()
	if cerr := registry.Close(closeCtx); cerr != nil {
		logger.Warn("closing pool", zap.Error(cerr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

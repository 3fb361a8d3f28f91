package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexstream/internal/config"
	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/llm"
	"github.com/normanking/cortexstream/internal/logging"
	"github.com/normanking/cortexstream/internal/modelrouter"
	"github.com/normanking/cortexstream/internal/orchestrator"
	"github.com/normanking/cortexstream/internal/persist"
	"github.com/normanking/cortexstream/internal/plugins"
	"github.com/normanking/cortexstream/internal/server"
	"github.com/normanking/cortexstream/internal/streams"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:   level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := data.Open(cfg.Storage.StoreOptions())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	logger.Info().Str("driver", store.Driver()).Str("path", cfg.Storage.Path).Msg("database ready")

	backends, err := llm.NewRegistry(cfg.LLM.ProviderConfigs())
	if err != nil {
		return fmt.Errorf("configure backends: %w", err)
	}
	go reportBackends(parent, backends, logger)

	reg := hooks.NewRegistryWithLogger(logger)
	installed, uninstall, err := plugins.Install(reg, cfg.Plugins, plugins.Deps{})
	if err != nil {
		return err
	}
	defer func() {
		if err := uninstall(); err != nil {
			logger.Warn().Err(err).Msg("plugin shutdown")
		}
	}()
	logger.Info().Strs("plugins", installed.Names).Msg("plugins installed")

	buf := persist.New(store, cfg.Persistence.ToBufferConfig(), persist.WithLogger(logger))

	var router *modelrouter.Router
	if cfg.Router.Enabled {
		router, err = modelrouter.New(cfg.Catalog(), cfg.RouterSettings())
		if err != nil {
			return fmt.Errorf("model router: %w", err)
		}
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Backends: backends,
		Hooks:    reg,
		Buffer:   buf,
		Streams:  streams.NewRegistryWithLogger(logger),
		Router:   router,
	}, orchestratorConfig(cfg), orchestrator.WithLogger(logger))
	if err != nil {
		return err
	}

	srv, err := server.New(server.Deps{Store: store, Generator: orch, Hooks: reg}, cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := buf.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush pending writes: %w", err))
	}
	return errors.Join(errs...)
}

// orchestratorConfig maps the generation and model sections onto the orchestrator.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	models := make([]orchestrator.ModelSpec, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, orchestrator.ModelSpec{
			ID:          m.ID,
			Name:        m.Name,
			Label:       m.Label,
			Backend:     m.Backend,
			ContextSize: m.ContextSize,
			MaxTokens:   m.MaxTokens,
			AutoTrim:    m.AutoTrim,
		})
	}
	return orchestrator.Config{
		Models:            models,
		DefaultModel:      cfg.Generation.DefaultModel,
		ReservedOverhead:  cfg.Generation.ReservedOverhead,
		DefaultMaxTokens:  cfg.Generation.DefaultMaxTokens,
		SystemPrompt:      cfg.Generation.SystemPrompt,
		ForceCleanupGrace: cfg.Generation.ForceCleanupGrace,
	}
}

func reportBackends(ctx context.Context, backends *llm.Registry, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	up := backends.Available(ctx)
	for _, name := range backends.Names() {
		reachable := false
		for _, u := range up {
			if u == name {
				reachable = true
				break
			}
		}
		ev := logger.Info()
		if !reachable {
			ev = logger.Warn()
		}
		ev.Str("backend", name).Bool("reachable", reachable).Msg("llm backend")
	}
}

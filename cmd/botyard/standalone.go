package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/config"
	"github.com/zulandar/botyard/internal/dashboard"
	"github.com/zulandar/botyard/internal/db"
	"github.com/zulandar/botyard/internal/ipc"
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/worker"
)

func newStandaloneCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run one bot with an embedded store and dashboard",
		Long: `Runs a single bot without a supervisor or platform backend.

Dialogs, messages and handoff requests are kept in an embedded database,
replies come from the configured AI endpoint, and an HTTP server exposes the
webhook receiver, worker status and the operator console. The bot is started
immediately and stopped on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStandalone(cmd, configPath, envFile, listen)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "worker.yaml", "path to worker config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (overrides standalone.listen)")
	return cmd
}

func runStandalone(cmd *cobra.Command, configPath, envFile, listen string) error {
	cfg, err := loadConfig(configPath, envFile, cmd.Flags().Changed("env-file"))
	if err != nil {
		return err
	}
	if err := cfg.ValidateStandalone(); err != nil {
		return err
	}
	if listen != "" {
		cfg.Standalone.Listen = listen
	}

	logger, tlog := newLogger(cfg, cmd.ErrOrStderr())
	sc := cfg.Standalone

	gormDB, err := db.Open(sc.StoreDriver, sc.StoreDSN)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	gen, err := backend.NewHTTPGenerator(sc.AIURL, sc.AIToken, nil)
	if err != nil {
		return err
	}
	assistant := standaloneAssistant(cfg)
	store, err := backend.NewStore(backend.StoreOpts{DB: gormDB, Generator: gen, Assistant: assistant})
	if err != nil {
		return err
	}

	pipe := ipc.NewPipe(64)
	w, err := newWorker(cfg, tlog, workerDeps{
		botID:       sc.BotID,
		channel:     pipe,
		backend:     store,
		onAssistant: store.SetAssistant,
	})
	if err != nil {
		return err
	}
	hub := dashboard.NewHub()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		closeWhenDone(gctx, pipe)
		return nil
	})
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		hub.Run(gctx, pipe.Events(), logger)
		return nil
	})
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Listen:        sc.Listen,
			BotID:         sc.BotID,
			WebhookSecret: cfg.Transport.WebhookSecret,
			Commands:      pipe,
			Status:        w,
			Hub:           hub,
			Store:         store,
			DB:            gormDB,
			Logger:        logger,
			Out:           cmd.OutOrStdout(),
		})
	})
	g.Go(func() error {
		req, err := ipc.NewRequest(worker.CmdStart, worker.StartPayload{
			Bot: models.BotConfig{
				BotID:    sc.BotID,
				Token:    sc.BotToken,
				Platform: models.PlatformTelegram,
				Active:   true,
			},
			Assistant: assistant,
		})
		if err != nil {
			return err
		}
		if err := pipe.Submit(gctx, req); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("standalone: queue start: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Botyard stopped")
	return nil
}

// closeWhenDone closes c once ctx is done. The hub stops reading events at
// that point, so the worker's final events must fail fast instead of
// blocking on a full pipe.
func closeWhenDone(ctx context.Context, c io.Closer) {
	<-ctx.Done()
	c.Close()
}

// standaloneAssistant builds the assistant from config. Handoff lists come
// from the worker-wide handoff section.
func standaloneAssistant(cfg *config.Config) models.Assistant {
	a := cfg.Standalone.Assistant
	return models.Assistant{
		ID:           a.ID,
		Name:         a.Name,
		Model:        a.Model,
		SystemPrompt: a.SystemPrompt,
	}
}

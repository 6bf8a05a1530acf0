package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/config"
	"github.com/zulandar/botyard/internal/dedup"
	"github.com/zulandar/botyard/internal/handoff"
	"github.com/zulandar/botyard/internal/ipc"
	"github.com/zulandar/botyard/internal/logx"
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/throttle"
	"github.com/zulandar/botyard/internal/transport"
	"github.com/zulandar/botyard/internal/transport/telegram"
	"github.com/zulandar/botyard/internal/worker"
)

// loadConfig loads envFile into the process environment, then the YAML
// config with BOTYARD_* overrides. A missing default .env is not an error.
func loadConfig(configPath, envFile string, explicitEnv bool) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if explicitEnv || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to out, never to the
// supervisor channel.
func newLogger(cfg *config.Config, out io.Writer) (zerolog.Logger, *throttle.Logger) {
	logger := logx.Init(logx.Options{
		Environment: logx.ParseEnvironment(cfg.Environment),
		Level:       cfg.Logging.Level,
		Out:         out,
	})
	return logger, throttle.New(logger, throttle.Options{Window: cfg.Logging.ThrottleWindow()})
}

// newTransportManager wires the Telegram client factory into a Manager.
func newTransportManager(cfg *config.Config, log *throttle.Logger) (*transport.Manager, error) {
	t := cfg.Transport
	return transport.NewManager(transport.ManagerOpts{
		Mode: transport.Mode(t.Mode),
		NewAPI: func(token string) (transport.API, error) {
			return telegram.New(telegram.Options{Token: token, BaseURL: t.APIBaseURL})
		},
		WebhookBaseURL: t.WebhookBaseURL,
		WebhookSecret:  t.WebhookSecret,
		MaxConnections: t.MaxConnections,
		AllowedUpdates: t.AllowedUpdates,
		PollTimeout:    t.PollTimeout(),
		SettleDelay:    t.SettleDelay(),
		PollRetries:    t.PollRetries,
		PollBackoff:    t.PollBackoff(),
		ConflictGrace:  t.ConflictGrace(),
		StopTimeout:    cfg.Lifecycle.StopTimeout(),
		Logger:         log,
	})
}

// workerDeps are the per-mode parts of a worker.
type workerDeps struct {
	botID       string
	channel     ipc.Channel
	backend     backend.API
	onAssistant func(models.Assistant)
}

// newWorker assembles a worker from config.
func newWorker(cfg *config.Config, log *throttle.Logger, deps workerDeps) (*worker.Worker, error) {
	mgr, err := newTransportManager(cfg, log)
	if err != nil {
		return nil, err
	}
	cache := dedup.New(dedup.Options{
		TTL:        cfg.Dedup.TTL(),
		Retention:  cfg.Dedup.Retention(),
		MaxEntries: cfg.Dedup.MaxEntries,
		Floor:      cfg.Dedup.Floor,
	})
	return worker.New(worker.Options{
		BotID:     deps.botID,
		TenantID:  cfg.TenantID,
		Channel:   deps.channel,
		Transport: mgr,
		Backend:   deps.backend,
		Dedup:     cache,
		Logger:    log,
		Policy: handoff.Policy{
			Keywords:        cfg.Handoff.Keywords,
			FallbackPhrases: cfg.Handoff.FallbackPhrases,
			AckText:         cfg.Handoff.AckText,
		},
		ApologyText:       cfg.Handoff.ApologyText,
		RestartDelay:      cfg.Lifecycle.RestartDelay(),
		HeartbeatInterval: cfg.Lifecycle.HeartbeatInterval(),
		SweepInterval:     cfg.Dedup.SweepInterval(),
		SummaryInterval:   cfg.Logging.SummaryInterval(),
		DrainTimeout:      cfg.Lifecycle.StopTimeout(),
		MaxConcurrent:     cfg.Lifecycle.MaxConcurrentMessages,
		OnAssistant:       deps.onAssistant,
	})
}

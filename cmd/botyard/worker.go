package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/config"
	"github.com/zulandar/botyard/internal/ipc"
)

type workerFlags struct {
	configPath string
	envFile    string
	botID      string
}

func newWorkerCmd() *cobra.Command {
	var f workerFlags

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one bot under a supervisor",
		Long: `Runs a single bot worker driven by a supervisor.

Commands arrive as JSON lines on stdin (ipc.kind: stdio) or on a Redis list
(ipc.kind: redis); events go back the same way. Logs are written to stderr.
The bot is connected only after the supervisor sends "start".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "worker.yaml", "path to worker config file")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.Flags().StringVar(&f.botID, "bot-id", "", "bot this worker serves (required for redis ipc)")
	return cmd
}

func runWorker(cmd *cobra.Command, f workerFlags) error {
	cfg, err := loadConfig(f.configPath, f.envFile, cmd.Flags().Changed("env-file"))
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	logger, tlog := newLogger(cfg, cmd.ErrOrStderr())

	ch, closeCh, err := openChannel(cfg, f.botID, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	defer closeCh()

	api, err := backend.NewClient(backend.ClientOpts{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout(),
	})
	if err != nil {
		return err
	}

	w, err := newWorker(cfg, tlog, workerDeps{botID: f.botID, channel: ch, backend: api})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}

// openChannel connects to the supervisor. The returned func releases it.
func openChannel(cfg *config.Config, botID string, in io.Reader, out io.Writer, log zerolog.Logger) (ipc.Channel, func(), error) {
	switch cfg.IPC.Kind {
	case config.IPCRedis:
		if botID == "" {
			return nil, nil, fmt.Errorf("worker: --bot-id is required with redis ipc")
		}
		opt, err := redis.ParseURL(cfg.IPC.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("worker: parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		ch, err := ipc.NewRedis(ipc.RedisOpts{
			Client: rdb,
			Prefix: cfg.IPC.KeyPrefix,
			BotID:  botID,
			Logger: log,
		})
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		return ch, func() {
			ch.Close()
			rdb.Close()
		}, nil
	default:
		ch := ipc.NewStdio(in, out, log)
		return ch, func() { ch.Close() }, nil
	}
}

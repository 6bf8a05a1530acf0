// Package dashboard is the standalone HTTP surface: the chat-network webhook
// receiver, worker status and control, and an operator console over the
// embedded dialog store.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/ipc"
	"github.com/zulandar/botyard/internal/worker"
)

// SecretHeader carries the webhook secret token on inbound updates.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Submitter queues supervisor commands for the worker.
type Submitter interface {
	Submit(ctx context.Context, req ipc.Request) error
}

// StatusSource reports the worker state.
type StatusSource interface {
	Snapshot() worker.WorkerState
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Listen        string
	BotID         string
	WebhookSecret string
	Commands      Submitter
	Status        StatusSource
	Hub           *Hub

	// Store and DB enable the dialog routes. Both are optional.
	Store *backend.Store
	DB    *gorm.DB

	Logger zerolog.Logger
	Out    io.Writer
}

// NewRouter builds the gin engine for opts.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Commands == nil {
		return nil, fmt.Errorf("dashboard: command submitter is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("dashboard: status source is required")
	}
	if opts.BotID == "" {
		return nil, fmt.Errorf("dashboard: bot id is required")
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard listening on %s\n", opts.Listen)
	}
	opts.Logger.Info().Str("listen", opts.Listen).Msg("dashboard started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

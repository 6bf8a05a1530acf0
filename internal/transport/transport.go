// Package transport connects a bot to its chat network.
//
// API is the raw Bot API surface. Transport is the capability interface the
// worker drives, with a push (webhook) and a pull (polling) implementation.
// Manager composes them into sessions that are established and torn down as
// a unit; every session gets a freshly constructed API client.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode is the transport operating mode.
type Mode string

const (
	ModeWebhook Mode = "webhook"
	ModePolling Mode = "polling"
)

var (
	// ErrConflict matches errors raised when another session holds the bot.
	ErrConflict = errors.New("transport: conflicting session")
	// ErrParseMode matches errors raised when rich text was rejected.
	ErrParseMode = errors.New("transport: rich text rejected")
	// ErrUnsupported is returned by operations the mode does not offer.
	ErrUnsupported = errors.New("transport: unsupported in this mode")
	// ErrNoSession is returned when no session is established.
	ErrNoSession = errors.New("transport: no active session")
	// ErrAlreadyPolling is returned by a second StartPolling.
	ErrAlreadyPolling = errors.New("transport: already polling")
)

// API is the raw chat-network call surface.
type API interface {
	GetMe(ctx context.Context) (User, error)
	DeleteWebhook(ctx context.Context, dropPending bool) error
	SetWebhook(ctx context.Context, p WebhookParams) error
	GetWebhookInfo(ctx context.Context) (WebhookInfo, error)
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowed []string) ([]Update, error)
	SendMessage(ctx context.Context, msg OutboundMessage) (Message, error)
}

// UpdateHandler receives updates from either mode.
type UpdateHandler func(ctx context.Context, u Update)

// Transport is the capability interface the worker depends on.
type Transport interface {
	Mode() Mode
	ValidateCredentials(ctx context.Context) (User, error)
	SetWebhook(ctx context.Context, p WebhookParams) error
	ClearWebhook(ctx context.Context, dropPending bool) error
	StartPolling(ctx context.Context, h UpdateHandler) error
	StopPolling(ctx context.Context) error
	SendMessage(ctx context.Context, msg OutboundMessage) (Message, error)
}

type base struct {
	api API
}

func (b base) ValidateCredentials(ctx context.Context) (User, error) {
	u, err := b.api.GetMe(ctx)
	if err != nil {
		return User{}, fmt.Errorf("transport: get me: %w", err)
	}
	if !u.IsBot {
		return User{}, fmt.Errorf("transport: token does not belong to a bot (user %d)", u.ID)
	}
	return u, nil
}

func (b base) ClearWebhook(ctx context.Context, dropPending bool) error {
	if err := b.api.DeleteWebhook(ctx, dropPending); err != nil {
		return fmt.Errorf("transport: delete webhook: %w", err)
	}
	return nil
}

func (b base) SendMessage(ctx context.Context, msg OutboundMessage) (Message, error) {
	m, err := b.api.SendMessage(ctx, msg)
	if err != nil {
		return Message{}, fmt.Errorf("transport: send message: %w", err)
	}
	return m, nil
}

// WebhookTransport receives updates pushed to a registered URL. Updates do
// not flow through the transport itself; the host HTTP server forwards them.
type WebhookTransport struct {
	base
}

// NewWebhookTransport wraps api in push mode.
func NewWebhookTransport(api API) *WebhookTransport {
	return &WebhookTransport{base: base{api: api}}
}

// Mode implements Transport.
func (t *WebhookTransport) Mode() Mode { return ModeWebhook }

// SetWebhook registers p and reads the registration back. A mismatch is an
// error.
func (t *WebhookTransport) SetWebhook(ctx context.Context, p WebhookParams) error {
	if p.URL == "" {
		return fmt.Errorf("transport: set webhook: url is required")
	}
	if err := t.api.SetWebhook(ctx, p); err != nil {
		return fmt.Errorf("transport: set webhook: %w", err)
	}
	info, err := t.api.GetWebhookInfo(ctx)
	if err != nil {
		return fmt.Errorf("transport: verify webhook: %w", err)
	}
	if info.URL != p.URL {
		return fmt.Errorf("transport: verify webhook: registered url %q, want %q", info.URL, p.URL)
	}
	return nil
}

// StartPolling is not available in push mode.
func (t *WebhookTransport) StartPolling(ctx context.Context, h UpdateHandler) error {
	return ErrUnsupported
}

// StopPolling is a no-op in push mode.
func (t *WebhookTransport) StopPolling(ctx context.Context) error { return nil }

// PollingOpts configures a PollingTransport.
type PollingOpts struct {
	Timeout        time.Duration // long-poll timeout
	AllowedUpdates []string
	ErrorDelay     time.Duration // pause after a failed poll
	OnError        func(err error)
}

// PollingTransport pulls updates with long polling. The loop runs in its own
// goroutine between StartPolling and StopPolling.
type PollingTransport struct {
	base
	opts PollingOpts

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	offset int64
}

// NewPollingTransport wraps api in pull mode.
func NewPollingTransport(api API, opts PollingOpts) *PollingTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = 3 * time.Second
	}
	return &PollingTransport{base: base{api: api}, opts: opts}
}

// Mode implements Transport.
func (t *PollingTransport) Mode() Mode { return ModePolling }

// SetWebhook is not available in pull mode.
func (t *PollingTransport) SetWebhook(ctx context.Context, p WebhookParams) error {
	return ErrUnsupported
}

// StartPolling performs one immediate poll so conflicts surface to the
// caller, then keeps polling in the background until StopPolling or until
// ctx is cancelled.
func (t *PollingTransport) StartPolling(ctx context.Context, h UpdateHandler) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return ErrAlreadyPolling
	}
	t.mu.Unlock()

	updates, err := t.api.GetUpdates(ctx, t.offset, 0, t.opts.AllowedUpdates)
	if err != nil {
		return fmt.Errorf("transport: start polling: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.dispatch(loopCtx, updates, h)
	go t.loop(loopCtx, h, done)
	return nil
}

func (t *PollingTransport) loop(ctx context.Context, h UpdateHandler, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := t.api.GetUpdates(ctx, t.offset, t.opts.Timeout, t.opts.AllowedUpdates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if t.opts.OnError != nil {
				t.opts.OnError(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.opts.ErrorDelay):
			}
			continue
		}
		t.dispatch(ctx, updates, h)
	}
}

func (t *PollingTransport) dispatch(ctx context.Context, updates []Update, h UpdateHandler) {
	for _, u := range updates {
		if u.UpdateID >= t.offset {
			t.offset = u.UpdateID + 1
		}
		if h != nil {
			h(ctx, u)
		}
	}
}

// StopPolling cancels the loop and waits for it to exit. If ctx ends first
// the loop is abandoned, already cancelled, and ctx's error is returned.
func (t *PollingTransport) StopPolling(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: stop polling: %w", ctx.Err())
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/throttle"
)

// Defaults applied by NewManager.
const (
	DefaultSettleDelay    = time.Second
	DefaultPollRetries    = 3
	DefaultPollBackoff    = 5 * time.Second
	DefaultConflictGrace  = 2 * time.Minute
	DefaultStopTimeout    = 10 * time.Second
	DefaultMaxConnections = 40
)

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	Mode           Mode
	NewAPI         func(token string) (API, error)
	WebhookBaseURL string
	WebhookSecret  string
	MaxConnections int
	AllowedUpdates []string
	PollTimeout    time.Duration
	SettleDelay    time.Duration
	PollRetries    int
	PollBackoff    time.Duration
	ConflictGrace  time.Duration
	StopTimeout    time.Duration
	Logger         *throttle.Logger

	// Clock hooks for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Session is one established connection of a bot to the chat network.
type Session struct {
	Mode          Mode
	BotID         string
	Transport     Transport
	WebhookURL    string
	WebhookSecret string
	BotUser       User
	StartedAt     time.Time

	cancel context.CancelFunc
}

// Manager establishes and tears down sessions. Only one session is current
// at a time.
type Manager struct {
	opts ManagerOpts
	log  *throttle.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.NewAPI == nil {
		return nil, fmt.Errorf("transport: api factory is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("transport: logger is required")
	}
	switch opts.Mode {
	case ModePolling, ModeWebhook:
	case "":
		opts.Mode = ModePolling
	default:
		return nil, fmt.Errorf("transport: unknown mode %q", opts.Mode)
	}
	if opts.Mode == ModeWebhook && opts.WebhookBaseURL == "" {
		return nil, fmt.Errorf("transport: webhook base url is required in webhook mode")
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.PollRetries <= 0 {
		opts.PollRetries = DefaultPollRetries
	}
	if opts.PollBackoff <= 0 {
		opts.PollBackoff = DefaultPollBackoff
	}
	if opts.ConflictGrace <= 0 {
		opts.ConflictGrace = DefaultConflictGrace
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Manager{opts: opts, log: opts.Logger}, nil
}

// Mode returns the configured operating mode.
func (m *Manager) Mode() Mode { return m.opts.Mode }

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// WebhookURL returns the callback URL registered for botID.
func (m *Manager) WebhookURL(botID string) string {
	return strings.TrimRight(m.opts.WebhookBaseURL, "/") + "/" + botID
}

// Establish connects bot to the chat network. Any current session is torn
// down first. Credential and registration failures are returned as errors;
// the caller treats them as fatal to start.
func (m *Manager) Establish(ctx context.Context, bot models.BotConfig, h UpdateHandler) (*Session, error) {
	if bot.Token == "" {
		return nil, fmt.Errorf("transport: establish: bot token is required")
	}
	if m.Current() != nil {
		if err := m.Teardown(ctx); err != nil {
			m.log.Warn("previous session teardown failed", map[string]any{"error": err.Error()})
		}
	}

	api, err := m.opts.NewAPI(bot.Token)
	if err != nil {
		return nil, fmt.Errorf("transport: establish: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{Mode: m.opts.Mode, BotID: bot.BotID, cancel: cancel}
	switch m.opts.Mode {
	case ModeWebhook:
		s.Transport = NewWebhookTransport(api)
	default:
		s.Transport = NewPollingTransport(api, PollingOpts{
			Timeout:        m.opts.PollTimeout,
			AllowedUpdates: m.opts.AllowedUpdates,
			OnError:        func(err error) { m.pollError(s, err) },
		})
	}

	if err := m.establish(ctx, sessCtx, s, h); err != nil {
		cancel()
		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.log.Base().Info().
		Str("bot_id", bot.BotID).
		Str("mode", string(s.Mode)).
		Str("bot_username", s.BotUser.Username).
		Msg("transport session established")
	return s, nil
}

func (m *Manager) establish(ctx, sessCtx context.Context, s *Session, h UpdateHandler) error {
	user, err := s.Transport.ValidateCredentials(ctx)
	if err != nil {
		return fmt.Errorf("transport: establish: %w", err)
	}
	s.BotUser = user

	// Drop any webhook and queued updates left by an earlier session.
	if err := s.Transport.ClearWebhook(ctx, true); err != nil {
		return fmt.Errorf("transport: establish: %w", err)
	}

	if s.Mode == ModeWebhook {
		s.WebhookURL = m.WebhookURL(s.BotID)
		s.WebhookSecret = m.opts.WebhookSecret
		err := s.Transport.SetWebhook(ctx, WebhookParams{
			URL:                s.WebhookURL,
			SecretToken:        s.WebhookSecret,
			MaxConnections:     m.opts.MaxConnections,
			AllowedUpdates:     m.opts.AllowedUpdates,
			DropPendingUpdates: true,
		})
		if err != nil {
			return fmt.Errorf("transport: establish: %w", err)
		}
		s.StartedAt = m.opts.Now()
		return nil
	}

	if err := m.opts.Sleep(ctx, m.opts.SettleDelay); err != nil {
		return fmt.Errorf("transport: establish: %w", err)
	}
	s.StartedAt = m.opts.Now()
	// Updates from the first poll may be answered before Establish returns.
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	var lastErr error
	for attempt := 1; attempt <= m.opts.PollRetries; attempt++ {
		lastErr = s.Transport.StartPolling(sessCtx, h)
		if lastErr == nil {
			return nil
		}
		if attempt == m.opts.PollRetries {
			break
		}
		delay := Backoff(m.opts.PollBackoff, attempt)
		m.log.Base().Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("start polling failed, retrying")
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("transport: establish: %w", err)
		}
	}
	return fmt.Errorf("transport: establish: polling failed after %d attempts: %w", m.opts.PollRetries, lastErr)
}

// pollError classifies a background polling failure. Conflicts right after
// start come from an overlapping restart and are only debug-logged.
func (m *Manager) pollError(s *Session, err error) {
	fields := map[string]any{"bot_id": s.BotID, "error": err.Error()}
	if errors.Is(err, ErrConflict) {
		if m.opts.Now().Sub(s.StartedAt) < m.opts.ConflictGrace {
			m.log.Base().Debug().Str("bot_id", s.BotID).Err(err).Msg("polling conflict during startup grace")
			return
		}
		m.log.Error("polling conflict", fields)
		return
	}
	m.log.Warn("polling error", fields)
}

// Teardown stops the current session within StopTimeout. After the timeout
// the session is abandoned and an error returned; it is discarded either way.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	defer s.cancel()

	tctx, cancel := context.WithTimeout(ctx, m.opts.StopTimeout)
	defer cancel()

	var err error
	switch s.Mode {
	case ModeWebhook:
		err = s.Transport.ClearWebhook(tctx, false)
	default:
		err = s.Transport.StopPolling(tctx)
	}
	if err != nil {
		return fmt.Errorf("transport: teardown: %w", err)
	}
	m.log.Base().Info().Str("bot_id", s.BotID).Str("mode", string(s.Mode)).Msg("transport session closed")
	return nil
}

// Send delivers msg through the current session.
func (m *Manager) Send(ctx context.Context, msg OutboundMessage) (Message, error) {
	s := m.Current()
	if s == nil {
		return Message{}, ErrNoSession
	}
	return s.Transport.SendMessage(ctx, msg)
}

// Backoff returns initial doubled for each attempt after the first.
func Backoff(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return initial * time.Duration(1<<(attempt-1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

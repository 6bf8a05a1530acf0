package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAPI implements API for tests. It keeps the registered webhook, records
// every call and sent message, and lets tests script failures and updates.
type MockAPI struct {
	mu sync.Mutex

	Me          User
	GetMeErr    error
	DeleteErr   error
	SetErr      error
	InfoErr     error
	InfoURLOver *string // when set, GetWebhookInfo reports this URL instead

	// UpdatesFunc answers GetUpdates. When nil, GetUpdates blocks until
	// ctx is done and returns no updates.
	UpdatesFunc func(ctx context.Context, offset int64) ([]Update, error)
	// SendFunc answers SendMessage. When nil, sends succeed.
	SendFunc func(msg OutboundMessage) error

	webhook WebhookParams
	calls   []string
	sent    []OutboundMessage
	offsets []int64
	nextID  int64
	deletes []bool
}

// NewMockAPI returns a MockAPI whose GetMe reports a bot account.
func NewMockAPI() *MockAPI {
	return &MockAPI{Me: User{ID: 1000, IsBot: true, Username: "test_bot"}}
}

func (m *MockAPI) record(call string) {
	m.calls = append(m.calls, call)
}

// GetMe implements API.
func (m *MockAPI) GetMe(ctx context.Context) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("getMe")
	if m.GetMeErr != nil {
		return User{}, m.GetMeErr
	}
	return m.Me, nil
}

// DeleteWebhook implements API.
func (m *MockAPI) DeleteWebhook(ctx context.Context, dropPending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("deleteWebhook")
	m.deletes = append(m.deletes, dropPending)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.webhook = WebhookParams{}
	return nil
}

// SetWebhook implements API.
func (m *MockAPI) SetWebhook(ctx context.Context, p WebhookParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("setWebhook")
	if m.SetErr != nil {
		return m.SetErr
	}
	m.webhook = p
	return nil
}

// GetWebhookInfo implements API.
func (m *MockAPI) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("getWebhookInfo")
	if m.InfoErr != nil {
		return WebhookInfo{}, m.InfoErr
	}
	info := WebhookInfo{
		URL:            m.webhook.URL,
		MaxConnections: m.webhook.MaxConnections,
		AllowedUpdates: m.webhook.AllowedUpdates,
	}
	if m.InfoURLOver != nil {
		info.URL = *m.InfoURLOver
	}
	return info, nil
}

// GetUpdates implements API.
func (m *MockAPI) GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowed []string) ([]Update, error) {
	m.mu.Lock()
	m.record("getUpdates")
	m.offsets = append(m.offsets, offset)
	fn := m.UpdatesFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, offset)
	}
	if timeout <= 0 {
		return nil, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// SendMessage implements API.
func (m *MockAPI) SendMessage(ctx context.Context, msg OutboundMessage) (Message, error) {
	m.mu.Lock()
	m.record("sendMessage")
	fn := m.SendFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(msg); err != nil {
			return Message{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	m.nextID++
	return Message{MessageID: m.nextID, Chat: Chat{ID: msg.ChatID}, Text: msg.Text}, nil
}

// --- Test helpers ---

// Calls returns the recorded call names in order.
func (m *MockAPI) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount returns how many times the named call was made.
func (m *MockAPI) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

// Sent returns a copy of the successfully sent messages.
func (m *MockAPI) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.sent...)
}

// Webhook returns the currently registered webhook.
func (m *MockAPI) Webhook() WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhook
}

// Offsets returns the offsets passed to GetUpdates.
func (m *MockAPI) Offsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.offsets...)
}

// DeleteCalls returns the dropPending flag of each DeleteWebhook call.
func (m *MockAPI) DeleteCalls() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.deletes...)
}

// String summarises the mock for test failure messages.
func (m *MockAPI) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MockAPI{calls: %v, sent: %d}", m.calls, len(m.sent))
}

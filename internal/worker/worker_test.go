package worker

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/dedup"
	"github.com/zulandar/botyard/internal/handoff"
	"github.com/zulandar/botyard/internal/ipc"
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/sanitize"
	"github.com/zulandar/botyard/internal/throttle"
	"github.com/zulandar/botyard/internal/transport"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- Test helpers ---

type fakeBackend struct {
	mu        sync.Mutex
	status    models.HandoffStatus
	reply     string
	lookupErr error
	genErr    error

	seen     map[string]bool
	lookups  []backend.LookupRequest
	profiles []models.Profile
	messages []string
	handoffs []models.HandoffRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{status: models.HandoffNone, reply: "Hello there", seen: map[string]bool{}}
}

func (b *fakeBackend) LookupDialog(ctx context.Context, req backend.LookupRequest) (models.DialogRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lookupErr != nil {
		return models.DialogRef{}, b.lookupErr
	}
	b.lookups = append(b.lookups, req)
	id := "dialog-" + req.ChatID
	created := !b.seen[id]
	b.seen[id] = true
	return models.DialogRef{ID: id, HandoffStatus: b.status, Created: created}, nil
}

func (b *fakeBackend) PatchProfile(ctx context.Context, dialogID string, p models.Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles = append(b.profiles, p)
	return nil
}

func (b *fakeBackend) AppendMessage(ctx context.Context, dialogID string, role models.Role, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, string(role)+":"+text)
	return nil
}

func (b *fakeBackend) GenerateReply(ctx context.Context, dialogID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.genErr != nil {
		return "", b.genErr
	}
	return b.reply, nil
}

func (b *fakeBackend) HandoffStatus(ctx context.Context, dialogID string) (models.HandoffStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, nil
}

func (b *fakeBackend) RequestHandoff(ctx context.Context, req models.HandoffRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handoffs = append(b.handoffs, req)
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	err    error
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return r.err
}

type testEnv struct {
	w      *Worker
	api    *transport.MockAPI
	be     *fakeBackend
	pipe   *ipc.Pipe
	log    *throttle.Logger
	sleeps *sleepRecorder
}

func newTestWorker(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	return newTestWorkerMode(t, transport.ModeWebhook, mutate)
}

func newTestWorkerMode(t *testing.T, mode transport.Mode, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		api:    transport.NewMockAPI(),
		be:     newFakeBackend(),
		pipe:   ipc.NewPipe(128),
		log:    throttle.New(zerolog.Nop(), throttle.Options{}),
		sleeps: &sleepRecorder{},
	}
	mgr, err := transport.NewManager(transport.ManagerOpts{
		Mode:           mode,
		NewAPI:         func(token string) (transport.API, error) { return env.api, nil },
		WebhookBaseURL: "https://hooks.example.com/telegram",
		WebhookSecret:  "s3cret",
		PollTimeout:    time.Second,
		Logger:         env.log,
		Sleep:          func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	opts := Options{
		BotID:     "bot-1",
		TenantID:  "tenant-1",
		Channel:   env.pipe,
		Transport: mgr,
		Backend:   env.be,
		Logger:    env.log,
		ProcessID: 4242,
		Now:       func() time.Time { return fixedNow },
		Sleep:     env.sleeps.sleep,
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.w = w
	return env
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func startPayload() StartPayload {
	return StartPayload{
		Bot:       models.BotConfig{BotID: "bot-1", Token: "123:abc", Platform: models.PlatformTelegram, Active: true},
		Assistant: models.Assistant{ID: "asst-1", Name: "Helper"},
	}
}

func (e *testEnv) do(t *testing.T, cmd string, data any) {
	t.Helper()
	var payload json.RawMessage
	if data != nil {
		payload = raw(t, data)
	}
	e.w.Dispatch(context.Background(), ipc.Request{Command: cmd, Data: payload})
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	e.do(t, CmdStart, startPayload())
	if !e.w.Running() {
		t.Fatalf("worker not running after start; events: %v", e.drain())
	}
	e.drain()
}

// drain returns the events emitted so far.
func (e *testEnv) drain() []ipc.Event {
	var out []ipc.Event
	for {
		select {
		case ev, ok := <-e.pipe.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// deliver feeds a text message through webhook_update and waits for it.
func (e *testEnv) deliver(t *testing.T, messageID int64, text string) {
	t.Helper()
	e.do(t, CmdWebhookUpdate, WebhookUpdatePayload{Update: textUpdate(messageID, text)})
	e.w.inflight.Wait()
}

func textUpdate(messageID int64, text string) transport.Update {
	return transport.Update{
		UpdateID: messageID,
		Message: &transport.Message{
			MessageID: messageID,
			From:      &transport.User{ID: 77, Username: "ann", FirstName: "Ann", LastName: "Lee"},
			Chat:      transport.Chat{ID: 555},
			Text:      text,
		},
	}
}

func ofType(events []ipc.Event, typ string) []ipc.Event {
	var out []ipc.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func types(events []ipc.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// --- Tests ---

func TestNew_Validation(t *testing.T) {
	env := newTestWorker(t, nil)
	base := env.w.opts

	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"no channel", func(o *Options) { o.Channel = nil }, "channel is required"},
		{"no transport", func(o *Options) { o.Transport = nil }, "transport manager is required"},
		{"no backend", func(o *Options) { o.Backend = nil }, "backend is required"},
		{"no logger", func(o *Options) { o.Logger = nil }, "logger is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := New(opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	env := newTestWorker(t, nil)
	o := env.w.opts
	if o.RestartDelay != DefaultRestartDelay {
		t.Errorf("RestartDelay = %v", o.RestartDelay)
	}
	if o.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d", o.MaxConcurrent)
	}
	if o.ApologyText != DefaultApologyText {
		t.Errorf("ApologyText = %q", o.ApologyText)
	}
	names := []string{}
	for _, info := range env.w.sched.Tasks() {
		names = append(names, info.Name)
	}
	want := []string{TaskDedupSweep, TaskHeartbeat, TaskLogSummary}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("tasks = %v, want %v", names, want)
	}
}

func TestStart_EmitsStarted(t *testing.T) {
	env := newTestWorker(t, nil)
	env.do(t, CmdStart, startPayload())

	events := env.drain()
	if len(events) != 1 || events[0].Type != EventStarted {
		t.Fatalf("events = %v, want [started]", types(events))
	}
	ev := events[0]
	if ev.ProcessID != 4242 || !ev.Timestamp.Equal(fixedNow) {
		t.Errorf("event stamp = %d/%v", ev.ProcessID, ev.Timestamp)
	}
	data := ev.Data.(StartedData)
	if data.Mode != "webhook" || data.BotUsername != "test_bot" || data.AssistantID != "asst-1" {
		t.Errorf("started data = %+v", data)
	}
	if data.WebhookURL != "https://hooks.example.com/telegram/bot-1" {
		t.Errorf("WebhookURL = %q", data.WebhookURL)
	}

	st := env.w.Snapshot()
	if !st.Running || st.Mode != "webhook" || st.Assistant.ID != "asst-1" {
		t.Errorf("state = %+v", st)
	}
	if st.Bot.Token != "***" {
		t.Errorf("snapshot token = %q, want masked", st.Bot.Token)
	}
	if !st.StartedAt.Equal(fixedNow) {
		t.Errorf("StartedAt = %v", st.StartedAt)
	}
}

func TestStart_InvalidPayload(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StartPayload)
		want   string
	}{
		{"no token", func(p *StartPayload) { p.Bot.Token = "" }, "bot token is required"},
		{"inactive", func(p *StartPayload) { p.Bot.Active = false }, "not active"},
		{"platform", func(p *StartPayload) { p.Bot.Platform = "discord" }, "unsupported platform"},
		{"other bot", func(p *StartPayload) { p.Bot.BotID = "bot-2" }, "does not match"},
		{"no assistant", func(p *StartPayload) { p.Assistant.ID = "" }, "assistant id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestWorker(t, nil)
			p := startPayload()
			tt.mutate(&p)
			env.do(t, CmdStart, p)

			events := env.drain()
			if len(events) != 1 || events[0].Type != EventError {
				t.Fatalf("events = %v, want [error]", types(events))
			}
			data := events[0].Data.(ErrorData)
			if data.Command != CmdStart || !strings.Contains(data.Error, tt.want) {
				t.Errorf("error data = %+v, want %q", data, tt.want)
			}
			if env.w.Running() {
				t.Error("worker running after rejected start")
			}
			if env.api.CallCount("getMe") != 0 {
				t.Error("transport touched for invalid payload")
			}
		})
	}
}

func TestStart_MalformedPayload(t *testing.T) {
	env := newTestWorker(t, nil)
	env.w.Dispatch(context.Background(), ipc.Request{Command: CmdStart, Data: json.RawMessage(`{"bot":`)})
	events := env.drain()
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %v, want [error]", types(events))
	}
}

func TestStart_EstablishFailure(t *testing.T) {
	env := newTestWorker(t, nil)
	env.api.GetMeErr = errors.New("unauthorized")
	env.do(t, CmdStart, startPayload())

	events := env.drain()
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %v, want [error]", types(events))
	}
	if !strings.Contains(events[0].Data.(ErrorData).Error, "unauthorized") {
		t.Errorf("error = %+v", events[0].Data)
	}
	if env.w.Running() {
		t.Error("worker running after failed start")
	}
	if st := env.w.Snapshot(); st.Assistant.ID != "" || st.Mode != "" {
		t.Errorf("state not rolled back: %+v", st)
	}
	if got := env.w.Metrics().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestStop_AlwaysEmitsStopped(t *testing.T) {
	env := newTestWorker(t, nil)
	env.do(t, CmdStop, nil)
	events := env.drain()
	if len(events) != 1 || events[0].Type != EventStopped {
		t.Fatalf("events = %v, want [stopped]", types(events))
	}

	env.start(t)
	env.do(t, CmdStop, nil)
	events = env.drain()
	if len(events) != 1 || events[0].Type != EventStopped {
		t.Fatalf("events = %v, want [stopped]", types(events))
	}
	if env.w.Running() {
		t.Error("worker still running after stop")
	}
	st := env.w.Snapshot()
	if st.Assistant.ID != "" || st.Bot.Token != "" || !st.StartedAt.IsZero() {
		t.Errorf("state not cleared: %+v", st)
	}
	if st.BotID != "bot-1" {
		t.Errorf("BotID = %q, want kept", st.BotID)
	}
	deletes := env.api.DeleteCalls()
	if len(deletes) == 0 || deletes[len(deletes)-1] {
		t.Errorf("DeleteCalls = %v, want final webhook removal without drop", deletes)
	}
}

func TestStop_TeardownErrorReported(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.api.DeleteErr = errors.New("network down")
	env.do(t, CmdStop, nil)

	events := env.drain()
	if len(events) != 1 || events[0].Type != EventStopped {
		t.Fatalf("events = %v, want [stopped]", types(events))
	}
	if data := events[0].Data.(StoppedData); !strings.Contains(data.Error, "network down") {
		t.Errorf("stopped data = %+v", data)
	}
	if env.w.Running() {
		t.Error("worker still running")
	}
}

func TestRestart_ReusesCurrentBot(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.do(t, CmdRestart, nil)

	got := types(env.drain())
	want := []string{EventStopped, EventStarted}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(env.sleeps.sleeps, []time.Duration{DefaultRestartDelay}) {
		t.Errorf("sleeps = %v, want [2s]", env.sleeps.sleeps)
	}
	st := env.w.Snapshot()
	if !st.Running || st.Assistant.ID != "asst-1" {
		t.Errorf("state = %+v", st)
	}
	if st.Metrics.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", st.Metrics.Restarts)
	}
}

func TestRestart_WithNewAssistant(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	p := startPayload()
	p.Assistant = models.Assistant{ID: "asst-2"}
	env.do(t, CmdRestart, p)
	env.drain()
	if got := env.w.Snapshot().Assistant.ID; got != "asst-2" {
		t.Errorf("assistant = %q, want asst-2", got)
	}
}

func TestRestart_SettleCancelled(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.sleeps.err = context.Canceled
	env.do(t, CmdRestart, nil)

	got := types(env.drain())
	want := []string{EventStopped, EventError}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if env.w.Running() {
		t.Error("worker running after cancelled restart")
	}
	if env.w.Metrics().Restarts != 0 {
		t.Error("Restarts counted for cancelled restart")
	}
}

func TestHotReload_NewAssistantResetsDedup(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.w.dedup.Observe(dedup.Fingerprint{SenderID: "1", MessageID: "1", Text: "hi"})

	env.do(t, CmdHotReload, HotReloadPayload{Assistant: &models.Assistant{
		ID:              "asst-2",
		HandoffKeywords: []string{"agent"},
	}})

	events := env.drain()
	if len(events) != 1 || events[0].Type != EventHotReloaded {
		t.Fatalf("events = %v, want [hot_reloaded]", types(events))
	}
	data := events[0].Data.(HotReloadData)
	if data.AssistantID != "asst-2" || !data.DedupReset {
		t.Errorf("data = %+v", data)
	}
	if env.w.dedup.Len() != 0 {
		t.Errorf("dedup Len = %d, want 0 after reset", env.w.dedup.Len())
	}
	if kw := env.w.Policy().Keywords; !reflect.DeepEqual(kw, []string{"agent"}) {
		t.Errorf("keywords = %v, want assistant override", kw)
	}
	if !env.w.Running() || env.api.CallCount("getMe") != 1 {
		t.Error("hot reload must not touch the transport session")
	}
}

func TestHotReload_SameAssistantKeepsDedup(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.w.dedup.Observe(dedup.Fingerprint{SenderID: "1", MessageID: "1", Text: "hi"})

	env.do(t, CmdHotReload, HotReloadPayload{Assistant: &models.Assistant{ID: "asst-1", SystemPrompt: "Be brief."}})

	events := env.drain()
	if len(events) != 1 || events[0].Type != EventHotReloaded {
		t.Fatalf("events = %v, want [hot_reloaded]", types(events))
	}
	if env.w.dedup.Len() != 1 {
		t.Errorf("dedup Len = %d, want 1", env.w.dedup.Len())
	}
	if got := env.w.Snapshot().Assistant.SystemPrompt; got != "Be brief." {
		t.Errorf("SystemPrompt = %q", got)
	}
	if kw := env.w.Policy().Keywords; !reflect.DeepEqual(kw, handoff.DefaultKeywords) {
		t.Errorf("keywords = %v, want defaults", kw)
	}
}

func TestHotReload_RollbackOnInvalid(t *testing.T) {
	tests := []struct {
		name string
		data json.RawMessage
	}{
		{"malformed", json.RawMessage(`{"assistant":`)},
		{"empty", nil},
		{"missing assistant id", json.RawMessage(`{"assistant":{"name":"No ID"}}`)},
		{"token change", json.RawMessage(`{"assistant":{"id":"asst-2"},"bot":{"token":"999:zzz"}}`)},
		{"bot id change", json.RawMessage(`{"assistant":{"id":"asst-2"},"bot":{"botId":"bot-9"}}`)},
		{"empty object", json.RawMessage(`{}`)},
		{"null assistant", json.RawMessage(`{"assistant":null}`)},
		{"bot only", json.RawMessage(`{"bot":{"platform":"telegram"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestWorker(t, nil)
			env.start(t)
			env.w.dedup.Observe(dedup.Fingerprint{SenderID: "1", MessageID: "1", Text: "hi"})
			before := env.w.Snapshot()
			policyBefore := env.w.Policy()

			env.w.Dispatch(context.Background(), ipc.Request{Command: CmdHotReload, Data: tt.data})

			events := env.drain()
			if len(events) != 1 || events[0].Type != EventHotReloadFailed {
				t.Fatalf("events = %v, want only [hot_reload_failed]", types(events))
			}
			if events[0].Data.(HotReloadData).Error == "" {
				t.Error("hot_reload_failed without error text")
			}
			if after := env.w.Snapshot(); !reflect.DeepEqual(before, after) {
				t.Errorf("state changed:\nbefore %+v\nafter  %+v", before, after)
			}
			if !reflect.DeepEqual(policyBefore, env.w.Policy()) {
				t.Error("policy changed on failed reload")
			}
			if env.w.dedup.Len() != 1 {
				t.Error("dedup reset on failed reload")
			}
		})
	}
}

func TestHotReload_SameTokenAccepted(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.do(t, CmdHotReload, HotReloadPayload{
		Assistant: &models.Assistant{ID: "asst-1"},
		Bot:       &models.BotConfig{Token: "123:abc", Platform: models.PlatformTelegram},
	})
	if events := env.drain(); len(events) != 1 || events[0].Type != EventHotReloaded {
		t.Fatalf("events = %v, want [hot_reloaded]", types(events))
	}
}

func TestPipeline_Reply(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.be.reply = "**Hi** Ann"
	env.deliver(t, 10, "hello")

	sent := env.api.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].ChatID != 555 || sent[0].ParseMode != sanitize.ParseMode {
		t.Errorf("sent = %+v", sent[0])
	}
	if sent[0].Text != sanitize.ToHTML("**Hi** Ann") {
		t.Errorf("text = %q", sent[0].Text)
	}

	lookup := env.be.lookups[0]
	want := backend.LookupRequest{TenantID: "tenant-1", AssistantID: "asst-1", ChatID: "555"}
	if lookup != want {
		t.Errorf("lookup = %+v, want %+v", lookup, want)
	}
	if len(env.be.profiles) != 1 || env.be.profiles[0].Username != "ann" || env.be.profiles[0].LastName != "Lee" {
		t.Errorf("profiles = %+v", env.be.profiles)
	}
	wantMsgs := []string{"user:hello", "assistant:**Hi** Ann"}
	if !reflect.DeepEqual(env.be.messages, wantMsgs) {
		t.Errorf("messages = %v, want %v", env.be.messages, wantMsgs)
	}
	if got := env.w.Metrics().MessagesProcessed; got != 1 {
		t.Errorf("MessagesProcessed = %d, want 1", got)
	}

	env.deliver(t, 11, "second")
	if len(env.be.profiles) != 1 {
		t.Errorf("profile patched again for known dialog")
	}
}

func TestPipeline_BareUpdateAccepted(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.do(t, CmdWebhookUpdate, textUpdate(12, "hello"))
	env.w.inflight.Wait()
	if len(env.api.Sent()) != 1 {
		t.Errorf("sent %d messages, want 1", len(env.api.Sent()))
	}
}

func TestPipeline_DuplicateDropped(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.deliver(t, 10, "hello")
	env.deliver(t, 10, "hello")

	if len(env.api.Sent()) != 1 {
		t.Errorf("sent %d messages, want 1", len(env.api.Sent()))
	}
	m := env.w.Metrics()
	if m.DuplicatesDropped != 1 || m.MessagesProcessed != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPipeline_KeywordHandoff(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.deliver(t, 10, "позовите оператора")

	sent := env.api.Sent()
	if len(sent) != 1 || sent[0].Text != sanitize.ToHTML(handoff.DefaultAckText) {
		t.Fatalf("sent = %+v, want acknowledgement", sent)
	}
	if len(env.be.handoffs) != 1 || env.be.handoffs[0].Reason != models.ReasonKeyword {
		t.Errorf("handoffs = %+v", env.be.handoffs)
	}
	if len(env.be.messages) != 0 {
		t.Errorf("AI path ran for keyword: %v", env.be.messages)
	}
	if got := env.w.Metrics().HandoffsRequested; got != 1 {
		t.Errorf("HandoffsRequested = %d, want 1", got)
	}
	logs := ofType(env.drain(), EventLog)
	if len(logs) != 1 || logs[0].Data.(LogData).Message != "handoff requested" {
		t.Errorf("log events = %+v", logs)
	}
}

func TestPipeline_OperatorHoldsDialog(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.be.status = models.HandoffActive
	env.deliver(t, 10, "hello?")

	if len(env.api.Sent()) != 0 {
		t.Errorf("sent %d messages while operator holds dialog", len(env.api.Sent()))
	}
	if len(env.be.messages) != 0 {
		t.Errorf("messages = %v, want none", env.be.messages)
	}
	if got := env.w.Metrics().MessagesProcessed; got != 1 {
		t.Errorf("MessagesProcessed = %d, want 1", got)
	}
}

func TestPipeline_LookupFailureApologises(t *testing.T) {
	env := newTestWorker(t, func(o *Options) { o.ApologyText = "Sorry!" })
	env.start(t)
	env.be.lookupErr = errors.New("backend down")
	env.deliver(t, 10, "hello")

	sent := env.api.Sent()
	if len(sent) != 1 || sent[0].Text != "Sorry!" {
		t.Fatalf("sent = %+v, want apology", sent)
	}
	m := env.w.Metrics()
	if m.Errors != 1 || m.MessagesProcessed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPipeline_GenerationFailureApologises(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.be.genErr = errors.New("model overloaded")
	env.deliver(t, 10, "hello")

	sent := env.api.Sent()
	if len(sent) != 1 || sent[0].Text != sanitize.ToHTML(DefaultApologyText) {
		t.Fatalf("sent = %+v, want apology", sent)
	}
	if env.w.Metrics().Errors != 1 {
		t.Errorf("Errors = %d, want 1", env.w.Metrics().Errors)
	}
}

func TestPipeline_ParseErrorFallsBackToPlain(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.api.SendFunc = func(msg transport.OutboundMessage) error {
		if msg.ParseMode != "" {
			return transport.ErrParseMode
		}
		return nil
	}
	env.be.reply = "**bold** move"
	env.deliver(t, 10, "hello")

	sent := env.api.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].ParseMode != "" || sent[0].Text != "bold move" {
		t.Errorf("sent = %+v, want plain text", sent[0])
	}
	if env.w.Metrics().Errors != 0 {
		t.Error("fallback counted as an error")
	}
}

func TestPipeline_SendFailureCounted(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.api.SendFunc = func(msg transport.OutboundMessage) error { return errors.New("blocked by user") }
	env.deliver(t, 10, "hello")

	m := env.w.Metrics()
	if m.Errors != 1 || m.MessagesProcessed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPipeline_LongReplySplit(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.be.reply = strings.Repeat("a fairly ordinary line of reply text\n", 300)
	env.deliver(t, 10, "tell me everything")

	sent := env.api.Sent()
	if len(sent) < 2 {
		t.Fatalf("sent %d messages, want several chunks", len(sent))
	}
	for i, m := range sent {
		if n := utf8.RuneCountInString(m.Text); n > MaxMessageLength {
			t.Errorf("chunk %d has %d runes", i, n)
		}
	}
}

func TestPipeline_IgnoredUpdates(t *testing.T) {
	env := newTestWorker(t, nil)

	env.deliver(t, 10, "before start")
	if len(env.be.lookups) != 0 {
		t.Error("update processed before start")
	}

	env.start(t)
	env.do(t, CmdWebhookUpdate, WebhookUpdatePayload{Update: transport.Update{
		UpdateID:    20,
		InlineQuery: &transport.InlineQuery{ID: "q1", Query: "cats"},
	}})
	env.do(t, CmdWebhookUpdate, WebhookUpdatePayload{Update: transport.Update{
		UpdateID:           21,
		ChosenInlineResult: &transport.ChosenInlineResult{ResultID: "r1"},
	}})
	env.deliver(t, 22, "   ")
	env.w.inflight.Wait()

	if len(env.be.lookups) != 0 || len(env.api.Sent()) != 0 {
		t.Errorf("ignored updates reached the pipeline")
	}
	if events := env.drain(); len(events) != 0 {
		t.Errorf("events = %v, want none", types(events))
	}
}

func TestOperatorMessage(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.do(t, CmdSendOperatorMessage, OperatorMessagePayload{ChatID: 555, Text: "I'm *here*"})

	sent := env.api.Sent()
	if len(sent) != 1 || sent[0].Text != sanitize.ToHTML("I'm *here*") {
		t.Fatalf("sent = %+v", sent)
	}
	if len(env.be.messages) != 0 || len(env.be.lookups) != 0 {
		t.Error("operator message went through the AI pipeline")
	}
	logs := ofType(env.drain(), EventLog)
	if len(logs) != 1 {
		t.Errorf("log events = %d, want 1", len(logs))
	}
}

func TestSystemMessage(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.do(t, CmdSendSystemMessage, SystemMessagePayload{ChatID: 555, Text: "Dialog closed.", Kind: "closed"})

	if len(env.api.Sent()) != 1 {
		t.Fatalf("sent %d messages, want 1", len(env.api.Sent()))
	}
	logs := ofType(env.drain(), EventLog)
	if len(logs) != 1 || logs[0].Data.(LogData).Fields["kind"] != "closed" {
		t.Errorf("log events = %+v", logs)
	}
}

func TestDirectMessage_Errors(t *testing.T) {
	tests := []struct {
		name    string
		started bool
		payload OperatorMessagePayload
		want    string
	}{
		{"not started", false, OperatorMessagePayload{ChatID: 1, Text: "hi"}, "no active session"},
		{"no chat", true, OperatorMessagePayload{Text: "hi"}, "chat id is required"},
		{"no text", true, OperatorMessagePayload{ChatID: 1, Text: " "}, "text is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestWorker(t, nil)
			if tt.started {
				env.start(t)
			}
			env.do(t, CmdSendOperatorMessage, tt.payload)
			events := env.drain()
			if len(events) != 1 || events[0].Type != EventError {
				t.Fatalf("events = %v, want [error]", types(events))
			}
			if got := events[0].Data.(ErrorData).Error; !strings.Contains(got, tt.want) {
				t.Errorf("error = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetStatusAndMetrics(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	env.deliver(t, 10, "hello")
	env.drain()

	env.do(t, CmdGetStatus, nil)
	env.do(t, CmdGetMetrics, nil)
	events := env.drain()
	if got := types(events); !reflect.DeepEqual(got, []string{EventStatus, EventMetrics}) {
		t.Fatalf("events = %v", got)
	}
	st := events[0].Data.(WorkerState)
	if st.BotID != "bot-1" || st.ProcessID != 4242 || !st.Running || st.Bot.Token != "***" {
		t.Errorf("status = %+v", st)
	}
	if m := events[1].Data.(Metrics); m.MessagesProcessed != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if len(env.api.Sent()) != 1 {
		t.Error("status commands had side effects")
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newTestWorker(t, nil)
	env.do(t, "launch_rockets", nil)
	events := env.drain()
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %v, want [error]", types(events))
	}
	if data := events[0].Data.(ErrorData); data.Command != "launch_rockets" {
		t.Errorf("data = %+v", data)
	}
}

func TestRun_ChannelCloseStopsBot(t *testing.T) {
	env := newTestWorker(t, nil)
	done := make(chan error, 1)
	go func() { done <- env.w.Run(context.Background()) }()

	req, err := ipc.NewRequest(CmdStart, startPayload())
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := env.pipe.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case ev := <-env.pipe.Events():
		if ev.Type != EventStarted {
			t.Fatalf("first event = %s, want started", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no started event")
	}

	env.pipe.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if env.w.Running() {
		t.Error("bot still running after Run returned")
	}
	deletes := env.api.DeleteCalls()
	if len(deletes) != 2 || deletes[1] {
		t.Errorf("DeleteCalls = %v, want establish clear then teardown", deletes)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	env := newTestWorker(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHeartbeat(t *testing.T) {
	env := newTestWorker(t, nil)
	env.start(t)
	if !env.w.RunTask(TaskHeartbeat) {
		t.Fatal("heartbeat task not registered")
	}
	events := env.drain()
	if len(events) != 1 || events[0].Type != EventHeartbeat {
		t.Fatalf("events = %v, want [heartbeat]", types(events))
	}
	if data := events[0].Data.(HeartbeatData); !data.Running || data.BotID != "bot-1" {
		t.Errorf("heartbeat = %+v", data)
	}

	env.pipe.Close()
	env.w.RunTask(TaskHeartbeat)
	env.do(t, CmdGetStatus, nil)
}

func TestLogSummaryTask(t *testing.T) {
	env := newTestWorker(t, nil)
	env.log.Error("backend unreachable", nil)
	env.log.Error("backend unreachable", nil)
	env.log.Error("backend unreachable", nil)

	env.w.RunTask(TaskLogSummary)
	logs := ofType(env.drain(), EventLog)
	if len(logs) != 1 {
		t.Fatalf("log events = %d, want 1", len(logs))
	}
	data := logs[0].Data.(LogData)
	if data.Level != "warn" || data.Fields["error: backend unreachable"] != 2 {
		t.Errorf("summary = %+v", data)
	}

	env.w.RunTask(TaskLogSummary)
	if logs := ofType(env.drain(), EventLog); len(logs) != 0 {
		t.Errorf("empty summary emitted: %+v", logs)
	}
}

func TestDedupSweepTask(t *testing.T) {
	now := fixedNow
	cache := dedup.New(dedup.Options{TTL: time.Second, Retention: time.Minute, Now: func() time.Time { return now }})
	env := newTestWorker(t, func(o *Options) { o.Dedup = cache })
	cache.Observe(dedup.Fingerprint{SenderID: "1", MessageID: "1", Text: "hi"})

	now = now.Add(2 * time.Minute)
	env.w.RunTask(TaskDedupSweep)
	if cache.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", cache.Len())
	}
}

func TestOnAssistantHook(t *testing.T) {
	var got []string
	env := newTestWorker(t, func(o *Options) {
		o.OnAssistant = func(a models.Assistant) { got = append(got, a.ID) }
	})
	env.start(t)
	env.do(t, CmdHotReload, HotReloadPayload{Assistant: &models.Assistant{ID: "asst-2"}})
	if !reflect.DeepEqual(got, []string{"asst-1", "asst-2"}) {
		t.Errorf("OnAssistant calls = %v", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPolling_FirstAndLaterBatchesAreAnswered(t *testing.T) {
	env := newTestWorkerMode(t, transport.ModePolling, nil)
	env.api.UpdatesFunc = func(ctx context.Context, offset int64) ([]transport.Update, error) {
		switch offset {
		case 0:
			return []transport.Update{textUpdate(1, "hello")}, nil
		case 2:
			return []transport.Update{textUpdate(2, "again")}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	env.start(t)
	if st := env.w.Snapshot(); st.Mode != "polling" {
		t.Errorf("Mode = %q, want polling", st.Mode)
	}
	waitFor(t, "two replies", func() bool { return len(env.api.Sent()) == 2 })
	env.w.inflight.Wait()

	env.be.mu.Lock()
	lookups := len(env.be.lookups)
	env.be.mu.Unlock()
	if lookups != 2 {
		t.Errorf("lookups = %d, want 2", lookups)
	}
	if got := env.w.Metrics().MessagesProcessed; got != 2 {
		t.Errorf("MessagesProcessed = %d, want 2", got)
	}

	env.do(t, CmdStop, nil)
	offsets := env.api.Offsets()
	if len(offsets) < 2 || offsets[0] != 0 || offsets[1] != 2 {
		t.Errorf("offsets = %v, want to begin [0 2]", offsets)
	}
}

func TestPolling_StartFailureRollsBack(t *testing.T) {
	env := newTestWorkerMode(t, transport.ModePolling, nil)
	env.api.UpdatesFunc = func(ctx context.Context, offset int64) ([]transport.Update, error) {
		return nil, transport.ErrConflict
	}
	env.do(t, CmdStart, startPayload())

	events := env.drain()
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %v, want [error]", types(events))
	}
	if env.w.Running() {
		t.Error("worker running after failed start")
	}
	if env.w.mgr.Current() != nil {
		t.Error("session left current after failed start")
	}
	if st := env.w.Snapshot(); st.Assistant.ID != "" {
		t.Errorf("assistant not rolled back: %+v", st.Assistant)
	}
}

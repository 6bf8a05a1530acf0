package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/dedup"
	"github.com/zulandar/botyard/internal/handoff"
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/sanitize"
	"github.com/zulandar/botyard/internal/transport"
)

// MaxMessageLength is the chat network's limit for one message.
const MaxMessageLength = 4096

func (w *Worker) handleWebhookUpdate(ctx context.Context, data json.RawMessage) error {
	var p WebhookUpdatePayload
	if err := decode(data, &p); err != nil {
		return fmt.Errorf("webhook_update: %w", err)
	}
	if p.Update.Kind() == transport.KindUnknown {
		// Accept a bare update as well as the wrapped form.
		var u transport.Update
		if err := json.Unmarshal(data, &u); err == nil {
			p.Update = u
		}
	}
	w.HandleUpdate(ctx, p.Update)
	return nil
}

// HandleUpdate routes one update from either transport. Messages are
// processed on their own goroutine; HandleUpdate blocks only while the
// concurrency limit is reached.
func (w *Worker) HandleUpdate(ctx context.Context, u transport.Update) {
	if !w.Running() {
		w.log.Base().Debug().Int64("update_id", u.UpdateID).Msg("update ignored, bot not started")
		return
	}
	switch u.Kind() {
	case transport.KindMessage:
		w.dispatchMessage(ctx, *u.Message)
	case transport.KindInlineQuery, transport.KindChosenInlineResult:
		w.log.Base().Debug().
			Int64("update_id", u.UpdateID).
			Str("kind", u.Kind()).
			Msg("inline update ignored")
	default:
		w.log.Base().Debug().Int64("update_id", u.UpdateID).Msg("unsupported update ignored")
	}
}

func (w *Worker) dispatchMessage(ctx context.Context, msg transport.Message) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.log.Base().Debug().Int64("message_id", msg.MessageID).Msg("message dropped, context done")
		return
	}
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer w.sem.Release(1)
		w.processMessage(w.baseCtx(), msg)
	}()
}

// processMessage runs one user message through the pipeline. Faults are
// answered with the apology text and never propagate.
func (w *Worker) processMessage(ctx context.Context, msg transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	var sender int64
	if msg.From != nil {
		sender = msg.From.ID
	}

	fp := dedup.Fingerprint{
		SenderID:  transport.FormatID(sender),
		MessageID: transport.FormatID(msg.MessageID),
		Text:      msg.Text,
	}
	if w.dedup.Observe(fp) {
		w.counters.duplicates.Add(1)
		w.log.Base().Debug().
			Int64("chat_id", chatID).
			Int64("message_id", msg.MessageID).
			Msg("duplicate message dropped")
		return
	}

	w.mu.RLock()
	assistantID := w.state.Assistant.ID
	w.mu.RUnlock()

	ref, err := w.backend.LookupDialog(ctx, backend.LookupRequest{
		TenantID:    w.opts.TenantID,
		AssistantID: assistantID,
		ChatID:      transport.FormatID(chatID),
	})
	if err != nil {
		w.fail(ctx, chatID, "dialog lookup", err)
		return
	}
	if ref.Created && msg.From != nil {
		profile := models.Profile{
			Username:  msg.From.Username,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
		}
		if err := w.backend.PatchProfile(ctx, ref.ID, profile); err != nil {
			w.log.Warn("profile update failed", map[string]any{"dialog_id": ref.ID, "error": err.Error()})
		}
	}

	out, err := w.coord.Process(ctx, handoff.Turn{
		DialogID:  ref.ID,
		MessageID: transport.FormatID(msg.MessageID),
		Text:      text,
	})
	if err != nil {
		w.fail(ctx, chatID, "process", err)
		return
	}

	switch out.Action {
	case handoff.ActionAcknowledge:
		w.counters.handoffs.Add(1)
		w.emitLog(zerolog.InfoLevel, "handoff requested", map[string]any{"dialog_id": ref.ID, "reason": out.Reason})
		fallthrough
	case handoff.ActionReply:
		if err := w.send(ctx, chatID, out.Text); err != nil {
			w.counters.errors.Add(1)
			w.log.Error("reply delivery failed", map[string]any{"chat_id": chatID, "error": err.Error()})
			return
		}
	}
	w.counters.messages.Add(1)
	w.log.Base().Debug().
		Str("dialog_id", ref.ID).
		Str("action", out.Action.String()).
		Msg("message processed")
}

// fail records a per-message fault and apologises to the user.
func (w *Worker) fail(ctx context.Context, chatID int64, stage string, err error) {
	w.counters.errors.Add(1)
	w.log.Error("message processing failed", map[string]any{"stage": stage, "error": err.Error()})
	if err := w.send(ctx, chatID, w.opts.ApologyText); err != nil {
		w.log.Warn("apology delivery failed", map[string]any{"chat_id": chatID, "error": err.Error()})
	}
}

// send sanitizes text to HTML, splits it below the message limit and
// delivers each chunk. A chunk the chat network cannot parse is resent as
// plain text.
func (w *Worker) send(ctx context.Context, chatID int64, text string) error {
	html := sanitize.ToHTML(text)
	if strings.TrimSpace(html) == "" {
		return nil
	}
	for _, chunk := range sanitize.Split(html, MaxMessageLength) {
		_, err := w.mgr.Send(ctx, transport.OutboundMessage{
			ChatID:    chatID,
			Text:      chunk,
			ParseMode: sanitize.ParseMode,
		})
		if errors.Is(err, transport.ErrParseMode) {
			w.log.Warn("rich text rejected, sending plain", map[string]any{"chat_id": chatID})
			_, err = w.mgr.Send(ctx, transport.OutboundMessage{
				ChatID: chatID,
				Text:   sanitize.StripTags(chunk),
			})
		}
		if err != nil {
			return fmt.Errorf("worker: send: %w", err)
		}
	}
	return nil
}

func (w *Worker) handleOperatorMessage(ctx context.Context, data json.RawMessage) error {
	var p OperatorMessagePayload
	if err := decode(data, &p); err != nil {
		return fmt.Errorf("send_operator_message: %w", err)
	}
	if err := w.deliverDirect(ctx, p.ChatID, p.Text); err != nil {
		return fmt.Errorf("send_operator_message: %w", err)
	}
	w.emitLog(zerolog.InfoLevel, "operator message sent", map[string]any{"chat_id": p.ChatID})
	return nil
}

func (w *Worker) handleSystemMessage(ctx context.Context, data json.RawMessage) error {
	var p SystemMessagePayload
	if err := decode(data, &p); err != nil {
		return fmt.Errorf("send_system_message: %w", err)
	}
	if err := w.deliverDirect(ctx, p.ChatID, p.Text); err != nil {
		return fmt.Errorf("send_system_message: %w", err)
	}
	w.emitLog(zerolog.InfoLevel, "system message sent", map[string]any{"chat_id": p.ChatID, "kind": p.Kind})
	return nil
}

// deliverDirect sends text outside the AI and handoff flow.
func (w *Worker) deliverDirect(ctx context.Context, chatID int64, text string) error {
	switch {
	case chatID == 0:
		return fmt.Errorf("chat id is required")
	case strings.TrimSpace(text) == "":
		return fmt.Errorf("text is required")
	case !w.Running():
		return transport.ErrNoSession
	}
	return w.send(ctx, chatID, text)
}

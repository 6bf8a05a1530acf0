package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zulandar/botyard/internal/models"
)

func (w *Worker) handleStart(ctx context.Context, data json.RawMessage) error {
	var p StartPayload
	if err := decode(data, &p); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return w.start(ctx, p)
}

// start establishes the transport session and records the bot as running.
// The bot accepts updates before Establish returns, since polling delivers
// its first batch during Establish; a failed Establish rolls that back.
func (w *Worker) start(ctx context.Context, p StartPayload) error {
	if p.Bot.BotID == "" {
		p.Bot.BotID = w.opts.BotID
	}
	if err := validateStart(p, w.opts.BotID); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	prevPolicy := w.coord.Policy()
	w.mu.Lock()
	prev := w.state
	w.state.BotID = p.Bot.BotID
	w.state.Bot = p.Bot
	w.state.Assistant = p.Assistant
	w.state.Mode = string(w.mgr.Mode())
	w.state.StartedAt = w.opts.Now()
	w.state.Running = true
	w.mu.Unlock()
	w.applyAssistant(p.Assistant)

	sess, err := w.mgr.Establish(ctx, p.Bot, w.HandleUpdate)
	if err != nil {
		// Establish tears down any earlier session before it can fail.
		prev.Running = w.mgr.Current() != nil
		w.mu.Lock()
		w.state = prev
		w.mu.Unlock()
		w.coord.SetPolicy(prevPolicy)
		if prev.Assistant.ID != "" && w.opts.OnAssistant != nil {
			w.opts.OnAssistant(prev.Assistant)
		}
		return fmt.Errorf("start: %w", err)
	}

	w.emit(EventStarted, StartedData{
		BotID:       p.Bot.BotID,
		Mode:        string(sess.Mode),
		BotUsername: sess.BotUser.Username,
		AssistantID: p.Assistant.ID,
		WebhookURL:  sess.WebhookURL,
	})
	return nil
}

func validateStart(p StartPayload, botID string) error {
	switch {
	case p.Bot.Token == "":
		return fmt.Errorf("bot token is required")
	case !p.Bot.Active:
		return fmt.Errorf("bot %s is not active", p.Bot.BotID)
	case p.Bot.Platform != "" && p.Bot.Platform != models.PlatformTelegram:
		return fmt.Errorf("unsupported platform %q", p.Bot.Platform)
	case botID != "" && p.Bot.BotID != botID:
		return fmt.Errorf("bot id %q does not match worker bot %q", p.Bot.BotID, botID)
	case p.Assistant.ID == "":
		return fmt.Errorf("assistant id is required")
	}
	return nil
}

func (w *Worker) handleStop(ctx context.Context, _ json.RawMessage) error {
	w.stop(ctx)
	return nil
}

// stop tears the session down and clears the bot state. It always emits
// stopped; a teardown failure is carried in the event.
func (w *Worker) stop(ctx context.Context) {
	err := w.mgr.Teardown(ctx)

	w.mu.Lock()
	botID := w.state.BotID
	w.state = WorkerState{BotID: botID, ProcessID: w.opts.ProcessID}
	w.mu.Unlock()

	data := StoppedData{BotID: botID}
	if err != nil {
		data.Error = err.Error()
		w.log.Error("bot stop failed", map[string]any{"bot_id": botID, "error": err.Error()})
	}
	w.emit(EventStopped, data)
}

// handleRestart stops, waits for the chat network to release the previous
// session and starts again. An empty payload restarts with the current bot.
func (w *Worker) handleRestart(ctx context.Context, data json.RawMessage) error {
	var p StartPayload
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("restart: decode payload: %w", err)
		}
	}
	w.mu.RLock()
	if p.Bot.Token == "" {
		p.Bot = w.state.Bot
	}
	if p.Assistant.ID == "" {
		p.Assistant = w.state.Assistant
	}
	w.mu.RUnlock()

	w.stop(ctx)
	if err := w.opts.Sleep(ctx, w.opts.RestartDelay); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	w.counters.restarts.Add(1)
	if err := w.start(ctx, p); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// handleHotReload swaps the assistant, and optionally bot fields, without
// touching the transport session. Invalid input restores the previous state
// and only hot_reload_failed is emitted.
func (w *Worker) handleHotReload(_ context.Context, data json.RawMessage) error {
	var p HotReloadPayload
	if err := decode(data, &p); err != nil {
		w.reloadFailed(err)
		return nil
	}
	if p.Assistant == nil {
		w.reloadFailed(fmt.Errorf("assistant is required"))
		return nil
	}

	w.mu.Lock()
	snapshot := w.state
	w.state.Assistant = *p.Assistant
	if p.Bot != nil {
		w.state.Bot = mergeBot(w.state.Bot, *p.Bot)
	}
	if err := validateReload(snapshot, w.state); err != nil {
		w.state = snapshot
		w.mu.Unlock()
		w.reloadFailed(err)
		return nil
	}
	next := w.state.Assistant
	w.mu.Unlock()

	reset := snapshot.Assistant.ID != next.ID
	if reset {
		w.dedup.Reset()
	}
	w.applyAssistant(next)
	w.log.Base().Info().
		Str("assistant_id", next.ID).
		Bool("dedup_reset", reset).
		Msg("hot reload applied")
	w.emit(EventHotReloaded, HotReloadData{AssistantID: next.ID, DedupReset: reset})
	return nil
}

func (w *Worker) reloadFailed(err error) {
	w.log.Warn("hot reload rejected", map[string]any{"error": err.Error()})
	w.emit(EventHotReloadFailed, HotReloadData{Error: err.Error()})
}

// mergeBot applies the non-empty fields of in. Activation is controlled by
// start and stop only.
func mergeBot(cur, in models.BotConfig) models.BotConfig {
	if in.BotID != "" {
		cur.BotID = in.BotID
	}
	if in.Token != "" {
		cur.Token = in.Token
	}
	if in.Platform != "" {
		cur.Platform = in.Platform
	}
	return cur
}

func validateReload(prev, next WorkerState) error {
	switch {
	case next.Assistant.ID == "":
		return fmt.Errorf("assistant id is required")
	case next.Bot.BotID != prev.Bot.BotID:
		return fmt.Errorf("bot id cannot change on hot reload")
	case prev.Bot.Token != "" && next.Bot.Token != prev.Bot.Token:
		return fmt.Errorf("bot token change requires restart")
	case prev.Running && next.Bot.Token == "":
		return fmt.Errorf("bot token is required")
	}
	return nil
}

// applyAssistant installs the assistant's handoff overrides.
func (w *Worker) applyAssistant(a models.Assistant) {
	w.coord.SetPolicy(w.opts.Policy.Override(a.HandoffKeywords, a.FallbackPhrases))
	if w.opts.OnAssistant != nil {
		w.opts.OnAssistant(a)
	}
}

func (w *Worker) handleGetStatus(_ context.Context, _ json.RawMessage) error {
	w.emit(EventStatus, w.Snapshot())
	return nil
}

func (w *Worker) handleGetMetrics(_ context.Context, _ json.RawMessage) error {
	w.emit(EventMetrics, w.Metrics())
	return nil
}

// Package handoff decides, per inbound message, whether a dialog belongs to
// the AI assistant or to a human operator.
//
// The authoritative HandoffStatus lives in the backend. The coordinator reads
// it before doing anything and again after AI generation, so a reply is never
// sent into a dialog an operator has taken over in the meantime.
package handoff

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/throttle"
)

// Backend is the subset of the backend API the coordinator needs.
type Backend interface {
	HandoffStatus(ctx context.Context, dialogID string) (models.HandoffStatus, error)
	RequestHandoff(ctx context.Context, req models.HandoffRequest) error
	AppendMessage(ctx context.Context, dialogID string, role models.Role, text string) error
	GenerateReply(ctx context.Context, dialogID string) (string, error)
}

// Action tells the caller what to do with the outcome.
type Action int

const (
	// ActionSkip: the dialog is held by an operator; send nothing.
	ActionSkip Action = iota
	// ActionAcknowledge: a handoff was requested; send Outcome.Text.
	ActionAcknowledge
	// ActionReply: send the AI reply in Outcome.Text.
	ActionReply
	// ActionDiscard: the reply lost a race with an operator; send nothing.
	ActionDiscard
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionAcknowledge:
		return "acknowledge"
	case ActionReply:
		return "reply"
	case ActionDiscard:
		return "discard"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Turn is one inbound user message.
type Turn struct {
	DialogID  string
	MessageID string
	Text      string
}

// Outcome is the coordinator's decision for a Turn.
type Outcome struct {
	Action Action
	Reason string // handoff reason when Action is ActionAcknowledge
	Text   string
}

// CoordinatorOpts configures a Coordinator.
type CoordinatorOpts struct {
	Backend Backend
	Policy  Policy
	Logger  *throttle.Logger
}

// Coordinator runs the handoff state machine. Safe for concurrent use.
type Coordinator struct {
	backend Backend
	log     *throttle.Logger

	mu     sync.RWMutex
	policy Policy
}

// NewCoordinator creates a Coordinator. Empty policy fields take defaults.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("handoff: backend is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("handoff: logger is required")
	}
	return &Coordinator{
		backend: opts.Backend,
		log:     opts.Logger,
		policy:  opts.Policy.WithDefaults(),
	}, nil
}

// Policy returns the active policy.
func (c *Coordinator) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy replaces the active policy. Empty fields take defaults.
func (c *Coordinator) SetPolicy(p Policy) {
	c.mu.Lock()
	c.policy = p.WithDefaults()
	c.mu.Unlock()
}

// Status returns the dialog's handoff status. Read failures are logged and
// reported as HandoffNone.
func (c *Coordinator) Status(ctx context.Context, dialogID string) models.HandoffStatus {
	st, err := c.backend.HandoffStatus(ctx, dialogID)
	if err != nil {
		c.log.Warn("handoff status unavailable, assuming none", map[string]any{
			"dialog_id": dialogID,
			"error":     err.Error(),
		})
		return models.HandoffNone
	}
	return st
}

// Blocked reports whether automated replies are suppressed for the dialog.
func (c *Coordinator) Blocked(ctx context.Context, dialogID string) bool {
	return c.Status(ctx, dialogID).Blocks()
}

// Process decides what to do with one user message. A non-nil error means
// persisting or generating failed and the caller should apologise.
func (c *Coordinator) Process(ctx context.Context, turn Turn) (Outcome, error) {
	policy := c.Policy()

	if c.Blocked(ctx, turn.DialogID) {
		return Outcome{Action: ActionSkip}, nil
	}

	if kw, ok := policy.MatchKeyword(turn.Text); ok {
		c.log.Base().Info().
			Str("dialog_id", turn.DialogID).
			Str("keyword", kw).
			Msg("operator requested by keyword")
		c.request(ctx, turn, models.ReasonKeyword)
		return Outcome{Action: ActionAcknowledge, Reason: models.ReasonKeyword, Text: policy.AckText}, nil
	}

	if err := c.backend.AppendMessage(ctx, turn.DialogID, models.RoleUser, turn.Text); err != nil {
		return Outcome{}, fmt.Errorf("handoff: persist user message: %w", err)
	}
	reply, err := c.backend.GenerateReply(ctx, turn.DialogID)
	if err != nil {
		return Outcome{}, fmt.Errorf("handoff: generate reply: %w", err)
	}

	if c.Blocked(ctx, turn.DialogID) {
		c.log.Base().Info().
			Str("dialog_id", turn.DialogID).
			Msg("operator took over during generation, reply discarded")
		return Outcome{Action: ActionDiscard}, nil
	}

	if policy.IsFallback(reply) {
		c.request(ctx, turn, models.ReasonFallback)
		return Outcome{Action: ActionAcknowledge, Reason: models.ReasonFallback, Text: policy.AckText}, nil
	}

	if err := c.backend.AppendMessage(ctx, turn.DialogID, models.RoleAssistant, reply); err != nil {
		return Outcome{}, fmt.Errorf("handoff: persist reply: %w", err)
	}
	return Outcome{Action: ActionReply, Text: reply}, nil
}

// request asks the backend for a handoff. Failures are logged only; the
// backend escalation process owns retries.
func (c *Coordinator) request(ctx context.Context, turn Turn, reason string) {
	req := models.HandoffRequest{
		DialogID:       turn.DialogID,
		Reason:         reason,
		LastUserText:   turn.Text,
		IdempotencyKey: IdempotencyKey(turn.DialogID, turn.MessageID, reason),
	}
	if err := c.backend.RequestHandoff(ctx, req); err != nil {
		c.log.Error("handoff request failed", map[string]any{
			"dialog_id": turn.DialogID,
			"reason":    reason,
			"error":     err.Error(),
		})
	}
}

// namespace scopes idempotency keys generated by this package.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("botyard/handoff"))

// IdempotencyKey derives a stable key for one handoff request, so redelivery
// of the same message maps to the same request.
func IdempotencyKey(dialogID, messageID, reason string) string {
	return uuid.NewSHA1(namespace, []byte(dialogID+"\x00"+messageID+"\x00"+reason)).String()
}

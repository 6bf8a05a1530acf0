// Package backend talks to the platform backend that owns dialogs, messages,
// handoff state and AI generation.
//
// Client is the HTTP implementation used by supervised workers. Store is an
// embedded gorm implementation used in standalone mode, delegating reply
// generation to a Generator.
package backend

import (
	"context"

	"github.com/zulandar/botyard/internal/models"
)

// API is the full backend surface the worker consumes.
type API interface {
	LookupDialog(ctx context.Context, req LookupRequest) (models.DialogRef, error)
	PatchProfile(ctx context.Context, dialogID string, p models.Profile) error
	AppendMessage(ctx context.Context, dialogID string, role models.Role, text string) error
	GenerateReply(ctx context.Context, dialogID string) (string, error)
	HandoffStatus(ctx context.Context, dialogID string) (models.HandoffStatus, error)
	RequestHandoff(ctx context.Context, req models.HandoffRequest) error
}

// LookupRequest identifies a dialog by tenant, assistant and external chat.
type LookupRequest struct {
	TenantID    string `json:"tenantId,omitempty"`
	AssistantID string `json:"assistantId"`
	ChatID      string `json:"chatId"`
}

type appendMessageRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

type handoffStatusResponse struct {
	Status string `json:"status"`
}

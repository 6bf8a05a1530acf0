package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/botyard/internal/errx"
	"github.com/zulandar/botyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// historyLimit bounds how many messages are handed to the generator.
const historyLimit = 40

// StoreOpts configures a Store.
type StoreOpts struct {
	DB        *gorm.DB
	Generator Generator
	Assistant models.Assistant
}

// Store implements API on an embedded gorm database. Used by standalone mode
// where no platform backend exists.
type Store struct {
	db  *gorm.DB
	gen Generator

	mu        sync.RWMutex
	assistant models.Assistant
}

// NewStore creates a Store. The schema must already be migrated.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("backend: db is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("backend: generator is required")
	}
	return &Store{db: opts.DB, gen: opts.Generator, assistant: opts.Assistant}, nil
}

// SetAssistant replaces the assistant used for generation.
func (s *Store) SetAssistant(a models.Assistant) {
	s.mu.Lock()
	s.assistant = a
	s.mu.Unlock()
}

func (s *Store) currentAssistant() models.Assistant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assistant
}

// LookupDialog finds or creates the dialog for (tenant, assistant, chat).
func (s *Store) LookupDialog(ctx context.Context, req LookupRequest) (models.DialogRef, error) {
	var d models.Dialog
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND assistant_id = ? AND chat_id = ?", req.TenantID, req.AssistantID, req.ChatID).
		First(&d).Error
	if err == nil {
		return models.DialogRef{ID: d.ID, HandoffStatus: d.HandoffStatus}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DialogRef{}, fmt.Errorf("backend: lookup dialog: %w", err)
	}

	d = models.Dialog{
		ID:            uuid.NewString(),
		TenantID:      req.TenantID,
		AssistantID:   req.AssistantID,
		ChatID:        req.ChatID,
		HandoffStatus: models.HandoffNone,
	}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		return models.DialogRef{}, fmt.Errorf("backend: create dialog: %w", err)
	}
	return models.DialogRef{ID: d.ID, HandoffStatus: d.HandoffStatus, Created: true}, nil
}

// PatchProfile stores the end user's profile fields.
func (s *Store) PatchProfile(ctx context.Context, dialogID string, p models.Profile) error {
	res := s.db.WithContext(ctx).Model(&models.Dialog{}).Where("id = ?", dialogID).
		Updates(map[string]any{
			"username":   p.Username,
			"first_name": p.FirstName,
			"last_name":  p.LastName,
		})
	if res.Error != nil {
		return fmt.Errorf("backend: patch profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("backend: patch profile: %w", notFound(dialogID))
	}
	return nil
}

// AppendMessage adds a message to a dialog.
func (s *Store) AppendMessage(ctx context.Context, dialogID string, role models.Role, text string) error {
	if _, err := s.dialog(ctx, dialogID); err != nil {
		return fmt.Errorf("backend: append message: %w", err)
	}
	m := models.DialogMessage{DialogID: dialogID, Role: role, Content: text}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("backend: append message: %w", err)
	}
	return nil
}

// Messages returns the most recent messages of a dialog in chronological order.
func (s *Store) Messages(ctx context.Context, dialogID string, limit int) ([]models.DialogMessage, error) {
	var msgs []models.DialogMessage
	q := s.db.WithContext(ctx).Where("dialog_id = ?", dialogID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("backend: list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GenerateReply runs the generator over the dialog history.
func (s *Store) GenerateReply(ctx context.Context, dialogID string) (string, error) {
	history, err := s.Messages(ctx, dialogID, historyLimit)
	if err != nil {
		return "", err
	}
	reply, err := s.gen.Generate(ctx, GenerateRequest{
		Assistant: s.currentAssistant(),
		History:   history,
	})
	if err != nil {
		return "", fmt.Errorf("backend: generate reply: %w", err)
	}
	return reply, nil
}

// HandoffStatus returns the stored handoff status.
func (s *Store) HandoffStatus(ctx context.Context, dialogID string) (models.HandoffStatus, error) {
	d, err := s.dialog(ctx, dialogID)
	if err != nil {
		return "", fmt.Errorf("backend: handoff status: %w", err)
	}
	return models.ParseHandoffStatus(string(d.HandoffStatus)), nil
}

// RequestHandoff records the request and moves the dialog to requested.
// Repeated requests with the same idempotency key are ignored.
func (s *Store) RequestHandoff(ctx context.Context, req models.HandoffRequest) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h := models.Handoff{
			DialogID:       req.DialogID,
			Reason:         req.Reason,
			LastUserText:   req.LastUserText,
			IdempotencyKey: req.IdempotencyKey,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&h)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&models.Dialog{}).
			Where("id = ? AND handoff_status IN ?", req.DialogID, []models.HandoffStatus{models.HandoffNone, models.HandoffReleased}).
			Update("handoff_status", models.HandoffRequested).Error
	})
	if err != nil {
		return fmt.Errorf("backend: request handoff: %w", err)
	}
	return nil
}

// SetHandoffStatus is the operator-side transition (take over or release).
func (s *Store) SetHandoffStatus(ctx context.Context, dialogID string, status models.HandoffStatus) error {
	if !status.Valid() {
		return fmt.Errorf("backend: set handoff status: invalid status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&models.Dialog{}).Where("id = ?", dialogID).
		Update("handoff_status", status)
	if res.Error != nil {
		return fmt.Errorf("backend: set handoff status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("backend: set handoff status: %w", notFound(dialogID))
	}
	return nil
}

// Dialog loads a dialog by id.
func (s *Store) Dialog(ctx context.Context, dialogID string) (models.Dialog, error) {
	d, err := s.dialog(ctx, dialogID)
	if err != nil {
		return models.Dialog{}, fmt.Errorf("backend: load dialog: %w", err)
	}
	return d, nil
}

func (s *Store) dialog(ctx context.Context, dialogID string) (models.Dialog, error) {
	var d models.Dialog
	err := s.db.WithContext(ctx).First(&d, "id = ?", dialogID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Dialog{}, notFound(dialogID)
	}
	return d, err
}

func notFound(dialogID string) error {
	return errx.New(fmt.Errorf("dialog %s", dialogID), http.StatusNotFound, "dialog not found")
}

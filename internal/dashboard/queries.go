package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/botyard/internal/backend"
	"github.com/zulandar/botyard/internal/models"
)

// DialogRow holds dialog data for display.
type DialogRow struct {
	ID            string               `json:"id"`
	ChatID        string               `json:"chatId"`
	AssistantID   string               `json:"assistantId"`
	Username      string               `json:"username,omitempty"`
	Name          string               `json:"name,omitempty"`
	HandoffStatus models.HandoffStatus `json:"handoffStatus"`
	Messages      int64                `json:"messages"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	Idle          string               `json:"idle"`
}

// DialogFilters narrows DialogSummary.
type DialogFilters struct {
	Status string
	Limit  int
}

// DialogSummary returns recently active dialogs with their message counts.
func DialogSummary(db *gorm.DB, f DialogFilters) ([]DialogRow, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	q := db.Model(&models.Dialog{}).Order("updated_at DESC").Limit(f.Limit)
	if f.Status != "" {
		q = q.Where("handoff_status = ?", f.Status)
	}
	var dialogs []models.Dialog
	if err := q.Find(&dialogs).Error; err != nil {
		return nil, err
	}
	if len(dialogs) == 0 {
		return []DialogRow{}, nil
	}

	ids := make([]string, len(dialogs))
	for i, d := range dialogs {
		ids[i] = d.ID
	}
	counts, err := messageCounts(db, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rows := make([]DialogRow, len(dialogs))
	for i, d := range dialogs {
		rows[i] = dialogRow(d, now)
		rows[i].Messages = counts[d.ID]
	}
	return rows, nil
}

func dialogRow(d models.Dialog, now time.Time) DialogRow {
	return DialogRow{
		ID:            d.ID,
		ChatID:        d.ChatID,
		AssistantID:   d.AssistantID,
		Username:      d.Username,
		Name:          strings.TrimSpace(d.FirstName + " " + d.LastName),
		HandoffStatus: d.HandoffStatus,
		UpdatedAt:     d.UpdatedAt,
		Idle:          formatDuration(now.Sub(d.UpdatedAt)),
	}
}

func messageCounts(db *gorm.DB, dialogIDs []string) (map[string]int64, error) {
	type row struct {
		DialogID string
		Count    int64
	}
	var rows []row
	if err := db.Model(&models.DialogMessage{}).
		Select("dialog_id, count(*) as count").
		Where("dialog_id IN ?", dialogIDs).
		Group("dialog_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.DialogID] = r.Count
	}
	return out, nil
}

// MessageRow is one message in a dialog transcript.
type MessageRow struct {
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// DialogDetail holds a dialog and its recent transcript.
type DialogDetail struct {
	Dialog   DialogRow    `json:"dialog"`
	Messages []MessageRow `json:"messages"`
}

// transcriptLimit is the number of messages shown in a dialog detail.
const transcriptLimit = 100

// GetDialogDetail loads a dialog with its most recent messages.
func GetDialogDetail(ctx context.Context, store *backend.Store, id string) (*DialogDetail, error) {
	d, err := store.Dialog(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := store.Messages(ctx, id, transcriptLimit)
	if err != nil {
		return nil, err
	}
	detail := &DialogDetail{Dialog: dialogRow(d, time.Now()), Messages: make([]MessageRow, len(msgs))}
	detail.Dialog.Messages = int64(len(msgs))
	for i, m := range msgs {
		detail.Messages[i] = MessageRow{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	return detail, nil
}

// HandoffRow is a dialog waiting for or held by an operator.
type HandoffRow struct {
	DialogID      string               `json:"dialogId"`
	ChatID        string               `json:"chatId"`
	Username      string               `json:"username,omitempty"`
	HandoffStatus models.HandoffStatus `json:"handoffStatus"`
	Reason        string               `json:"reason,omitempty"`
	LastUserText  string               `json:"lastUserText,omitempty"`
	RequestedAt   time.Time            `json:"requestedAt,omitempty"`
	Waiting       string               `json:"waiting,omitempty"`
}

// HandoffQueue returns dialogs in requested or active state, longest
// waiting first, with the latest handoff request for each.
func HandoffQueue(db *gorm.DB) ([]HandoffRow, error) {
	var dialogs []models.Dialog
	if err := db.Where("handoff_status IN ?", []models.HandoffStatus{models.HandoffRequested, models.HandoffActive}).
		Order("updated_at ASC").
		Find(&dialogs).Error; err != nil {
		return nil, err
	}
	if len(dialogs) == 0 {
		return []HandoffRow{}, nil
	}

	ids := make([]string, len(dialogs))
	for i, d := range dialogs {
		ids[i] = d.ID
	}
	var reqs []models.Handoff
	if err := db.Where("dialog_id IN ?", ids).Order("id ASC").Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("load handoff requests: %w", err)
	}
	latest := make(map[string]models.Handoff, len(reqs))
	for _, r := range reqs {
		latest[r.DialogID] = r
	}

	now := time.Now()
	rows := make([]HandoffRow, len(dialogs))
	for i, d := range dialogs {
		rows[i] = HandoffRow{
			DialogID:      d.ID,
			ChatID:        d.ChatID,
			Username:      d.Username,
			HandoffStatus: d.HandoffStatus,
		}
		if r, ok := latest[d.ID]; ok {
			rows[i].Reason = r.Reason
			rows[i].LastUserText = r.LastUserText
			rows[i].RequestedAt = r.CreatedAt
			rows[i].Waiting = formatDuration(now.Sub(r.CreatedAt))
		}
	}
	return rows, nil
}

// formatDuration formats a duration as a human-readable string like "2h 15m".
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		days := h / 24
		h = h % 24
		return fmt.Sprintf("%dd %dh", days, h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

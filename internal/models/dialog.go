package models

import "time"

// Role is the author of a dialog message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleOperator  Role = "operator"
	RoleSystem    Role = "system"
)

// Dialog is one conversation between a chat and an assistant.
type Dialog struct {
	ID            string        `gorm:"primaryKey;size:64"`
	TenantID      string        `gorm:"size:64;index:idx_dialog_lookup"`
	AssistantID   string        `gorm:"size:64;not null;index:idx_dialog_lookup"`
	ChatID        string        `gorm:"size:64;not null;index:idx_dialog_lookup"`
	Username      string        `gorm:"size:128"`
	FirstName     string        `gorm:"size:128"`
	LastName      string        `gorm:"size:128"`
	HandoffStatus HandoffStatus `gorm:"size:16;default:none;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Messages []DialogMessage `gorm:"foreignKey:DialogID"`
}

// DialogMessage is a single persisted message within a dialog.
type DialogMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	DialogID  string `gorm:"size:64;not null;index"`
	Role      Role   `gorm:"size:16;not null"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// DialogRef is the wire shape returned by a dialog lookup.
type DialogRef struct {
	ID            string        `json:"id"`
	HandoffStatus HandoffStatus `json:"handoffStatus"`
	Created       bool          `json:"created"`
}

// Profile carries the chat user's display fields.
type Profile struct {
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

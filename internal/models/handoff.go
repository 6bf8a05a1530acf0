package models

import "time"

// HandoffStatus is the per-dialog human handoff state.
type HandoffStatus string

const (
	HandoffNone      HandoffStatus = "none"
	HandoffRequested HandoffStatus = "requested"
	HandoffActive    HandoffStatus = "active"
	HandoffReleased  HandoffStatus = "released"
)

// Blocks reports whether automated replies are suppressed in this state.
func (s HandoffStatus) Blocks() bool {
	return s == HandoffRequested || s == HandoffActive
}

// Valid reports whether s is one of the known states.
func (s HandoffStatus) Valid() bool {
	switch s {
	case HandoffNone, HandoffRequested, HandoffActive, HandoffReleased:
		return true
	}
	return false
}

// ParseHandoffStatus maps an empty or unknown value to HandoffNone.
func ParseHandoffStatus(s string) HandoffStatus {
	st := HandoffStatus(s)
	if !st.Valid() {
		return HandoffNone
	}
	return st
}

// Handoff reasons recorded with each request.
const (
	ReasonKeyword  = "keyword"
	ReasonFallback = "fallback"
)

// HandoffRequest asks the backend to move a dialog to a human operator.
type HandoffRequest struct {
	DialogID       string `json:"dialogId"`
	Reason         string `json:"reason"`
	LastUserText   string `json:"lastUserText"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Handoff is the persisted handoff request in the embedded store.
type Handoff struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	DialogID       string `gorm:"size:64;not null;index"`
	Reason         string `gorm:"size:16;not null"`
	LastUserText   string `gorm:"type:text"`
	IdempotencyKey string `gorm:"size:64;uniqueIndex"`
	CreatedAt      time.Time
}

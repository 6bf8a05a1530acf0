package worker

import (
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/transport"
)

// Supervisor commands.
const (
	CmdStart               = "start"
	CmdStop                = "stop"
	CmdRestart             = "restart"
	CmdHotReload           = "hot_reload"
	CmdWebhookUpdate       = "webhook_update"
	CmdGetStatus           = "get_status"
	CmdGetMetrics          = "get_metrics"
	CmdSendOperatorMessage = "send_operator_message"
	CmdSendSystemMessage   = "send_system_message"
)

// Worker events.
const (
	EventStarted         = "started"
	EventStopped         = "stopped"
	EventHotReloaded     = "hot_reloaded"
	EventHotReloadFailed = "hot_reload_failed"
	EventStatus          = "status"
	EventMetrics         = "metrics"
	EventHeartbeat       = "heartbeat"
	EventError           = "error"
	EventLog             = "log"
)

// StartPayload is the data of start and restart.
type StartPayload struct {
	Bot       models.BotConfig `json:"bot"`
	Assistant models.Assistant `json:"assistant"`
}

// HotReloadPayload is the data of hot_reload. Bot is optional.
type HotReloadPayload struct {
	Assistant *models.Assistant `json:"assistant"`
	Bot       *models.BotConfig `json:"bot,omitempty"`
}

// WebhookUpdatePayload is the data of webhook_update.
type WebhookUpdatePayload struct {
	Update transport.Update `json:"update"`
}

// OperatorMessagePayload is the data of send_operator_message.
type OperatorMessagePayload struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
}

// SystemMessagePayload is the data of send_system_message.
type SystemMessagePayload struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
	Kind   string `json:"kind,omitempty"`
}

// ErrorData is the data of an error event.
type ErrorData struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

// StartedData is the data of a started event.
type StartedData struct {
	BotID       string `json:"botId"`
	Mode        string `json:"mode"`
	BotUsername string `json:"botUsername,omitempty"`
	AssistantID string `json:"assistantId"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
}

// StoppedData is the data of a stopped event.
type StoppedData struct {
	BotID string `json:"botId"`
	Error string `json:"error,omitempty"`
}

// HotReloadData is the data of hot_reloaded and hot_reload_failed events.
type HotReloadData struct {
	AssistantID string `json:"assistantId,omitempty"`
	DedupReset  bool   `json:"dedupReset,omitempty"`
	Error       string `json:"error,omitempty"`
}

// LogData is the data of a log event.
type LogData struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

package dashboard

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/botyard/internal/errx"
	"github.com/zulandar/botyard/internal/ipc"
	"github.com/zulandar/botyard/internal/models"
	"github.com/zulandar/botyard/internal/transport"
	"github.com/zulandar/botyard/internal/worker"
)

// submitTimeout bounds how long a request waits for the command queue.
const submitTimeout = 5 * time.Second

// controlCommands may be submitted through the control endpoint.
var controlCommands = map[string]bool{
	worker.CmdStart:      true,
	worker.CmdStop:       true,
	worker.CmdRestart:    true,
	worker.CmdHotReload:  true,
	worker.CmdGetStatus:  true,
	worker.CmdGetMetrics: true,
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())
	router.GET("/status", handleStatus(opts))
	router.POST("/telegram/:botID", handleWebhook(opts))

	api := router.Group("/api")
	api.POST("/commands/:command", handleCommand(opts))
	api.GET("/events", handleSSE(opts.Hub))

	if opts.Store != nil && opts.DB != nil {
		api.GET("/dialogs", handleDialogList(opts))
		api.GET("/dialogs/:id", handleDialogDetail(opts))
		api.GET("/handoffs", handleHandoffQueue(opts))
		api.PUT("/dialogs/:id/handoff", handleSetHandoff(opts))
		api.POST("/dialogs/:id/messages", handleOperatorReply(opts))
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, opts.Status.Snapshot())
	}
}

// handleWebhook accepts an update pushed by the chat network and forwards it
// to the worker as webhook_update.
func handleWebhook(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("botID") != opts.BotID {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
			return
		}
		if opts.WebhookSecret != "" {
			got := c.GetHeader(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(opts.WebhookSecret)) != 1 {
				opts.Logger.Warn().Str("remote", c.ClientIP()).Msg("webhook secret mismatch")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
				return
			}
		}
		var u transport.Update
		if err := c.ShouldBindJSON(&u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
			return
		}
		if !submit(c, opts, worker.CmdWebhookUpdate, worker.WebhookUpdatePayload{Update: u}) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// handleCommand submits a lifecycle command. The body, if any, is passed
// through as the command payload.
func handleCommand(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd := c.Param("command")
		if !controlCommands[cmd] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported command"})
			return
		}
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read payload"})
			return
		}
		var payload json.RawMessage
		if body = bytes.TrimSpace(body); len(body) > 0 {
			if !json.Valid(body) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
				return
			}
			payload = body
		}
		if !submitRaw(c, opts, ipc.Request{Command: cmd, Data: payload}) {
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"command": cmd})
	}
}

func handleDialogList(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		rows, err := DialogSummary(opts.DB, DialogFilters{
			Status: c.Query("status"),
			Limit:  limit,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dialogs": rows})
	}
}

func handleDialogDetail(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := GetDialogDetail(c.Request.Context(), opts.Store, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

func handleHandoffQueue(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := HandoffQueue(opts.DB)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"handoffs": rows, "count": len(rows)})
	}
}

type handoffUpdate struct {
	Status string `json:"status" binding:"required"`
}

// handleSetHandoff lets an operator take over or release a dialog.
func handleSetHandoff(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body handoffUpdate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
			return
		}
		status := models.HandoffStatus(strings.ToLower(body.Status))
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		id := c.Param("id")
		if err := opts.Store.SetHandoffStatus(c.Request.Context(), id, status); err != nil {
			respondError(c, err)
			return
		}
		opts.Logger.Info().Str("dialog_id", id).Str("status", string(status)).Msg("handoff status set by operator")
		c.JSON(http.StatusOK, gin.H{"id": id, "handoffStatus": status})
	}
}

type operatorReply struct {
	Text string `json:"text" binding:"required"`
}

// handleOperatorReply records an operator message in the dialog and sends it
// to the user, bypassing the assistant.
func handleOperatorReply(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body operatorReply
		if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Text) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
			return
		}
		ctx := c.Request.Context()
		d, err := opts.Store.Dialog(ctx, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		chatID, err := strconv.ParseInt(d.ChatID, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "dialog has no numeric chat id"})
			return
		}
		if err := opts.Store.AppendMessage(ctx, d.ID, models.RoleOperator, body.Text); err != nil {
			respondError(c, err)
			return
		}
		payload := worker.OperatorMessagePayload{ChatID: chatID, Text: body.Text}
		if !submit(c, opts, worker.CmdSendOperatorMessage, payload) {
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"dialogId": d.ID})
	}
}

// submit encodes data and queues cmd. On failure the response is written
// and false returned.
func submit(c *gin.Context, opts StartOpts, cmd string, data any) bool {
	req, err := ipc.NewRequest(cmd, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode command"})
		return false
	}
	return submitRaw(c, opts, req)
}

func submitRaw(c *gin.Context, opts StartOpts, req ipc.Request) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), submitTimeout)
	defer cancel()
	if err := opts.Commands.Submit(ctx, req); err != nil {
		opts.Logger.Warn().Err(err).Str("command", req.Command).Msg("command not queued")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker unavailable"})
		return false
	}
	return true
}

// respondError maps store errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var appErr *errx.AppError
	if errors.As(err, &appErr) && appErr.Status == http.StatusNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

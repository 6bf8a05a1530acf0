package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/botyard/internal/errx"
	"github.com/zulandar/botyard/internal/models"
)

// GenerateRequest is the input to a Generator.
type GenerateRequest struct {
	Assistant models.Assistant
	History   []models.DialogMessage
}

// Generator produces an assistant reply for a dialog history.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// HTTPGenerator posts the conversation to an external AI service and reads
// back {"reply": "..."}.
type HTTPGenerator struct {
	http  *http.Client
	url   string
	token string
}

// NewHTTPGenerator creates an HTTPGenerator. A nil client gets a 60s timeout.
func NewHTTPGenerator(url, token string, hc *http.Client) (*HTTPGenerator, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("backend: generator url is required")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPGenerator{http: hc, url: url, token: token}, nil
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body := chatRequest{Model: req.Assistant.Model}
	if p := strings.TrimSpace(req.Assistant.SystemPrompt); p != "" {
		body.Messages = append(body.Messages, chatMessage{Role: string(models.RoleSystem), Content: p})
	}
	for _, m := range req.History {
		role := m.Role
		// Operator turns read as assistant turns to the model.
		if role == models.RoleOperator {
			role = models.RoleAssistant
		}
		body.Messages = append(body.Messages, chatMessage{Role: string(role), Content: m.Content})
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return "", errx.New(err, http.StatusBadGateway, "generator request failed")
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return "", errx.New(fmt.Errorf("read response: %w", err), http.StatusBadGateway, "generator request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errx.FromResponse(resp.StatusCode, raw, "generator request failed")
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.Reply) == "" {
		return "", fmt.Errorf("generator returned an empty reply")
	}
	return out.Reply, nil
}

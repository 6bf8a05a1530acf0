package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/botyard/internal/errx"
	"github.com/zulandar/botyard/internal/models"
)

// maxResponseBytes bounds a backend response body.
const maxResponseBytes = 4 << 20

// ClientOpts configures a Client.
type ClientOpts struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client // optional; overrides Timeout
}

// Client is the HTTP backend API client.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
	}, nil
}

// LookupDialog finds or creates the dialog for a chat.
func (c *Client) LookupDialog(ctx context.Context, req LookupRequest) (models.DialogRef, error) {
	var out models.DialogRef
	if err := c.do(ctx, http.MethodPost, "/api/dialogs/lookup", req, &out); err != nil {
		return models.DialogRef{}, fmt.Errorf("backend: lookup dialog: %w", err)
	}
	if out.ID == "" {
		return models.DialogRef{}, fmt.Errorf("backend: lookup dialog: empty dialog id")
	}
	out.HandoffStatus = models.ParseHandoffStatus(string(out.HandoffStatus))
	return out, nil
}

// PatchProfile stores the end user's profile fields on a dialog.
func (c *Client) PatchProfile(ctx context.Context, dialogID string, p models.Profile) error {
	if err := c.do(ctx, http.MethodPatch, dialogPath(dialogID, ""), p, nil); err != nil {
		return fmt.Errorf("backend: patch profile: %w", err)
	}
	return nil
}

// AppendMessage adds a message to a dialog.
func (c *Client) AppendMessage(ctx context.Context, dialogID string, role models.Role, text string) error {
	body := appendMessageRequest{Role: role, Content: text}
	if err := c.do(ctx, http.MethodPost, dialogPath(dialogID, "/messages"), body, nil); err != nil {
		return fmt.Errorf("backend: append message: %w", err)
	}
	return nil
}

// GenerateReply asks the backend for an AI reply to the dialog so far.
func (c *Client) GenerateReply(ctx context.Context, dialogID string) (string, error) {
	var out generateResponse
	if err := c.do(ctx, http.MethodPost, dialogPath(dialogID, "/generate"), struct{}{}, &out); err != nil {
		return "", fmt.Errorf("backend: generate reply: %w", err)
	}
	return out.Reply, nil
}

// HandoffStatus fetches the authoritative handoff status of a dialog.
func (c *Client) HandoffStatus(ctx context.Context, dialogID string) (models.HandoffStatus, error) {
	var out handoffStatusResponse
	if err := c.do(ctx, http.MethodGet, dialogPath(dialogID, "/handoff"), nil, &out); err != nil {
		return "", fmt.Errorf("backend: handoff status: %w", err)
	}
	return models.ParseHandoffStatus(out.Status), nil
}

// RequestHandoff asks the backend to hand the dialog to an operator.
func (c *Client) RequestHandoff(ctx context.Context, req models.HandoffRequest) error {
	if err := c.do(ctx, http.MethodPost, dialogPath(req.DialogID, "/handoff"), req, nil); err != nil {
		return fmt.Errorf("backend: request handoff: %w", err)
	}
	return nil
}

func dialogPath(dialogID, suffix string) string {
	return "/api/dialogs/" + url.PathEscape(dialogID) + suffix
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
// Non-2xx responses become *errx.AppError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errx.New(err, http.StatusBadGateway, errx.BackendErrorMessage)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return errx.New(fmt.Errorf("read response: %w", err), http.StatusBadGateway, errx.BackendErrorMessage)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errx.FromResponse(resp.StatusCode, raw, errx.BackendErrorMessage)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package telegram is a minimal Telegram Bot API client implementing
// transport.API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/botyard/internal/transport"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

const (
	// maxRetryAfter caps how long a 429 response may delay a call.
	maxRetryAfter = 30 * time.Second
	// maxResponseBytes bounds a Bot API response body.
	maxResponseBytes = 16 << 20
)

// APIError is a Bot API failure response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Is maps Bot API failures onto transport sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case transport.ErrConflict:
		return e.IsConflict()
	case transport.ErrParseMode:
		return e.IsParseError()
	}
	return false
}

// IsConflict reports a 409 from a competing getUpdates or webhook.
func (e *APIError) IsConflict() bool {
	return e.Code == http.StatusConflict
}

// IsParseError reports rejected rich-text entities.
func (e *APIError) IsParseError() bool {
	if e.Code != http.StatusBadRequest {
		return false
	}
	d := strings.ToLower(e.Description)
	return strings.Contains(d, "can't parse entities") || strings.Contains(d, "can't parse entity")
}

// Options configures a Client.
type Options struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls the Bot API for one bot token.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ transport.API = (*Client)(nil)

// New creates a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(base, "/"),
		token:   opts.Token,
		sleep:   sleepCtx,
	}, nil
}

type response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// GetMe implements transport.API.
func (c *Client) GetMe(ctx context.Context) (transport.User, error) {
	var u transport.User
	err := c.call(ctx, "getMe", nil, &u)
	return u, err
}

// DeleteWebhook implements transport.API.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	body := map[string]any{"drop_pending_updates": dropPending}
	return c.call(ctx, "deleteWebhook", body, nil)
}

// SetWebhook implements transport.API.
func (c *Client) SetWebhook(ctx context.Context, p transport.WebhookParams) error {
	return c.call(ctx, "setWebhook", p, nil)
}

// GetWebhookInfo implements transport.API.
func (c *Client) GetWebhookInfo(ctx context.Context) (transport.WebhookInfo, error) {
	var info transport.WebhookInfo
	err := c.call(ctx, "getWebhookInfo", nil, &info)
	return info, err
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

// GetUpdates implements transport.API. The request deadline is the poll
// timeout plus a margin so a quiet long poll is not cut short.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowed []string) ([]transport.Update, error) {
	secs := int(timeout / time.Second)
	if secs < 0 {
		secs = 0
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []transport.Update
	err := c.call(reqCtx, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: allowed,
	}, &updates)
	return updates, err
}

// SendMessage implements transport.API.
func (c *Client) SendMessage(ctx context.Context, msg transport.OutboundMessage) (transport.Message, error) {
	var m transport.Message
	err := c.call(ctx, "sendMessage", msg, &m)
	return m, err
}

// call performs method, retrying once when the API asks to back off.
func (c *Client) call(ctx context.Context, method string, in, out any) error {
	err := c.do(ctx, method, in, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
		wait := apiErr.RetryAfter
		if wait > maxRetryAfter {
			return err
		}
		if serr := c.sleep(ctx, wait); serr != nil {
			return err
		}
		err = c.do(ctx, method, in, out)
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("telegram %s: encode: %w", method, err)
		}
		body = bytes.NewReader(b)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of the error text.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{Method: method, Code: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !r.OK {
		apiErr := &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

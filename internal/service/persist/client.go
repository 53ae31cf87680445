package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/config"
)

// AnalyticsRecord is written once per completed turn for authenticated
// students. Fire-and-forget: a failed write never fails the turn.
type AnalyticsRecord struct {
	SessionID       string         `json:"sessionId"`
	UserID          string         `json:"userId"`
	EmotionTag      string         `json:"emotionTag"`
	ApproxTokens    int            `json:"approximateTokenCount"`
	DurationSeconds float64        `json:"durationSeconds"`
	Metrics         map[string]any `json:"freeformMetrics,omitempty"`
}

// Client talks to the hosted auth/database backend. Sessions, messages
// and analytics live there; this service only ever forwards the caller's
// credential, it never mints its own.
type Client struct {
	cfg        config.PersistConfig
	httpClient *http.Client
}

// NewClient creates a persistence client from configuration.
func NewClient(cfg config.PersistConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a backend is configured at all.
func (c *Client) Enabled() bool {
	return c.cfg.BaseURL != ""
}

// VerifyToken resolves a caller credential to a user id. Callers treat a
// failure as "unauthenticated", never as a reason to drop the connection.
func (c *Client) VerifyToken(ctx context.Context, token string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/user", token, nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("identity service returned no user id")
	}
	return out.ID, nil
}

// CreateSession opens a durable session record and returns its id.
func (c *Client) CreateSession(ctx context.Context, userID, credential string) (string, error) {
	payload := map[string]any{
		"userId":    userID,
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tutoring/sessions", credential, payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AppendMessage stores one utterance under the durable session.
func (c *Client) AppendMessage(ctx context.Context, persistentID, credential, sender, content string) error {
	payload := map[string]any{
		"sender":  sender,
		"content": content,
	}
	path := "/tutoring/sessions/" + persistentID + "/messages"
	return c.do(ctx, http.MethodPost, path, credential, payload, nil)
}

// RecordAnalytics stores the per-turn analytics record.
func (c *Client) RecordAnalytics(ctx context.Context, credential string, record AnalyticsRecord) error {
	return c.do(ctx, http.MethodPost, "/tutoring/analytics", credential, record, nil)
}

// EndSession stamps the durable session's end time, best effort.
func (c *Client) EndSession(ctx context.Context, persistentID, credential string) error {
	payload := map[string]any{
		"endedAt": time.Now().UTC().Format(time.RFC3339),
	}
	path := "/tutoring/sessions/" + persistentID + "/end"
	return c.do(ctx, http.MethodPost, path, credential, payload, nil)
}

func (c *Client) do(ctx context.Context, method, path, credential string, payload, out any) error {
	if !c.Enabled() {
		return fmt.Errorf("persistence backend not configured")
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.ServiceKey != "" {
		req.Header.Set("apikey", c.cfg.ServiceKey)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Do not echo response bodies here: they may quote the request,
		// and credentials must never reach the logs.
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

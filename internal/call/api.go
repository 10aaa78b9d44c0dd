// Package call models one video-call negotiation as an explicit state
// machine driven by server-pushed events and signaling REST calls.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/realtime"
)

// MediaCredentials grant access to one media room. They are handed to the
// media layer verbatim and never interpreted here.
type MediaCredentials struct {
	Token     string `json:"mediaToken"`
	ServerURL string `json:"mediaServerUrl"`
}

// StartCallResult is the response to starting an outgoing call. Media
// credentials are present only when the server short-circuits the accept
// round-trip.
type StartCallResult struct {
	SessionID      string `json:"sessionId"`
	MediaToken     string `json:"mediaToken,omitempty"`
	MediaServerURL string `json:"mediaServerUrl,omitempty"`
}

// SignalingClient issues the call signaling REST operations. The state
// machine depends on this interface; APIClient is the production
// implementation.
type SignalingClient interface {
	StartCall(ctx context.Context, conversationID string) (*StartCallResult, error)
	AcceptCall(ctx context.Context, sessionID string) (*MediaCredentials, error)
	RejectCall(ctx context.Context, sessionID string) error
	EndCall(ctx context.Context, sessionID string) error
	FetchToken(ctx context.Context, sessionID string) (*MediaCredentials, error)
}

// APIClient talks to the signaling REST API with bearer authentication.
type APIClient struct {
	baseURL string
	token   func() string
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAPIClient creates a signaling client. token supplies the current
// bearer token per request so rotation is picked up without rebuilds.
func NewAPIClient(baseURL string, token func() string, client *http.Client, logger *slog.Logger, metrics *observability.Metrics) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

// StartCall begins an outgoing call for the conversation.
func (c *APIClient) StartCall(ctx context.Context, conversationID string) (*StartCallResult, error) {
	var out StartCallResult
	path := fmt.Sprintf("/conversations/%s/calls", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPost, path, "start", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptCall accepts an incoming call and returns media credentials.
func (c *APIClient) AcceptCall(ctx context.Context, sessionID string) (*MediaCredentials, error) {
	var out MediaCredentials
	path := fmt.Sprintf("/video-calls/%s/accept", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPost, path, "accept", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RejectCall declines an incoming or ringing call.
func (c *APIClient) RejectCall(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/video-calls/%s/reject", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, "reject", nil)
}

// EndCall terminates an active or ringing session.
func (c *APIClient) EndCall(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/video-calls/%s/end", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, "end", nil)
}

// FetchToken fetches media credentials for the caller once the callee
// has accepted.
func (c *APIClient) FetchToken(ctx context.Context, sessionID string) (*MediaCredentials, error) {
	var out MediaCredentials
	path := fmt.Sprintf("/video-calls/%s/token", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, "token", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) do(ctx context.Context, method, path, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(op, "error")
		return realtime.ErrConnection(fmt.Sprintf("signaling %s request", op), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.record(op, "error")
		// A 401 is fatal for this call; the user must re-authenticate.
		return realtime.ErrAuthentication("signaling rejected bearer token, re-authentication required", nil).
			WithContext("operation", op)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.record(op, "error")
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return realtime.ErrServer(fmt.Sprintf("signaling %s failed (status %d)", op, resp.StatusCode), nil).
			WithContext("body", strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.record(op, "error")
			return realtime.ErrServer(fmt.Sprintf("decode signaling %s response", op), err)
		}
	}
	c.record(op, "success")
	return nil
}

func (c *APIClient) record(op, status string) {
	if c.metrics != nil {
		c.metrics.SignalingRequests.WithLabelValues(op, status).Inc()
	}
}

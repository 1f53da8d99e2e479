// Package spawn claims work for agents and launches worker processes through
// the external Gateway, rolling pipeline state back when a launch fails.
package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	sessionPollAttempts = 5
	sessionPollDelay    = time.Second
)

// SpawnRequest is the JSON payload for the Gateway's call-agent endpoint.
type SpawnRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Timeout        int    `json:"timeout"`
	Thinking       string `json:"thinking"`
}

type callResponse struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

type statusResponse struct {
	SessionID string `json:"sessionId"`
}

// Gateway is the minimal client surface the spawner needs. The production
// implementation talks HTTP; tests substitute a fake.
type Gateway interface {
	// CallAgent submits a spawn request and returns the accepted run id.
	CallAgent(ctx context.Context, req SpawnRequest) (string, error)
	// SessionID resolves the session UUID for an accepted run, or "" when
	// the Gateway does not know it yet.
	SessionID(ctx context.Context, runID string) (string, error)
}

// HTTPGateway talks to the Gateway over plain JSON/HTTP.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPGateway creates a client for the Gateway at baseURL.
func NewHTTPGateway(baseURL string, logger *slog.Logger) *HTTPGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (g *HTTPGateway) CallAgent(ctx context.Context, req SpawnRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode spawn request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/agents/call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build spawn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("call agent: gateway returned %d: %s", resp.StatusCode, payload)
	}
	var parsed callResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode spawn response: %w", err)
	}
	if parsed.Status != "accepted" || parsed.RunID == "" {
		return "", fmt.Errorf("call agent: unexpected response status %q", parsed.Status)
	}
	return parsed.RunID, nil
}

func (g *HTTPGateway) SessionID(ctx context.Context, runID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/agents/status/"+runID, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("agent status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent status: gateway returned %d", resp.StatusCode)
	}
	var parsed statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return parsed.SessionID, nil
}

// resolveSessionID polls the Gateway's status endpoint for the real session
// UUID, falling back to the accepted run id when the retry budget runs out.
func resolveSessionID(ctx context.Context, gw Gateway, acceptedRunID string, logger *slog.Logger) string {
	for attempt := 0; attempt < sessionPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return acceptedRunID
			case <-time.After(sessionPollDelay):
			}
		}
		sessionID, err := gw.SessionID(ctx, acceptedRunID)
		if err != nil {
			logger.Debug("session lookup failed", "runId", acceptedRunID, "attempt", attempt+1, "error", err)
			continue
		}
		if sessionID != "" {
			return sessionID
		}
	}
	return acceptedRunID
}

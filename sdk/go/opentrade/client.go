// Package opentrade provides a small HTTP client for the OpenTrade Chain
// REST API: submitting trading requests and querying session status.
package opentrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenTrade Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TradeRequest is the payload accepted by the trade endpoint.
type TradeRequest struct {
	Goals          map[string]any `json:"goals,omitempty"`
	Constraints    map[string]any `json:"constraints,omitempty"`
	ExpertAgentDID string         `json:"expert_agent_did"`
	RiskAgentDID   string         `json:"risk_agent_did"`
}

// Verification carries the human requester's identity proof.
type Verification struct {
	DID string `json:"did"`
	JWT string `json:"jwt"`
}

// TradeResult is the orchestrator's final answer. On errors the partial
// results computed before the failure are preserved in Result.
type TradeResult struct {
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// AnalysisResult merges the expert and risk stage outputs.
type AnalysisResult struct {
	ExpertAnalysis map[string]any `json:"expert_analysis,omitempty"`
	RiskEvaluation map[string]any `json:"risk_evaluation,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// SessionStatus is the stored state of one orchestration session.
type SessionStatus struct {
	SessionID   string            `json:"session_id"`
	HumanDID    string            `json:"human_did"`
	Status      string            `json:"status"`
	Results     *AnalysisResult   `json:"results,omitempty"`
	AgentStatus map[string]string `json:"agent_status,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("opentrade api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenTrade Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTrade runs one trading request through the orchestrator pipeline.
// A pipeline failure is reported inside TradeResult, not as an error.
func (c *Client) SubmitTrade(ctx context.Context, req TradeRequest, verification Verification) (TradeResult, error) {
	payload := struct {
		Request      TradeRequest `json:"request"`
		Verification Verification `json:"verification"`
	}{Request: req, Verification: verification}

	var result TradeResult
	if err := c.post(ctx, "/api/v1/trade", payload, &result); err != nil {
		return TradeResult{}, err
	}
	return result, nil
}

// GetSession fetches the stored state of a session by identifier.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	endpoint := "/api/v1/sessions?id=" + url.QueryEscape(sessionID)
	if err := c.get(ctx, endpoint, &status); err != nil {
		return SessionStatus{}, err
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

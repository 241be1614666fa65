package main

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
)

// OverseerClient calls the Overseer HTTP API.
type OverseerClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// ErrorResponse is the error body written by the server.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.ErrorResponse.Error, e.Message)
}

func NewOverseerClient(baseURL, token string) *OverseerClient {
	return &OverseerClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *OverseerClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.ErrorResponse)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *OverseerClient) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/governance/stats", nil, nil, &out)
	return out, err
}

func (c *OverseerClient) SetPaused(ctx context.Context, paused bool) (map[string]any, error) {
	path := "/api/v1/governance/resume"
	if paused {
		path = "/api/v1/governance/pause"
	}
	var out map[string]any
	err := c.do(ctx, http.MethodPost, path, nil, nil, &out)
	return out, err
}

// Approval is the subset of an approval the CLI prints.
type Approval struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	ExpiresAt string `json:"expiresAt"`
	Operation struct {
		Category string `json:"category"`
		Action   string `json:"action"`
		Source   string `json:"source"`
		Target   string `json:"target"`
	} `json:"operation"`
}

func (c *OverseerClient) Approvals(ctx context.Context, status string) ([]Approval, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	var out struct {
		Approvals []Approval `json:"approvals"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/approvals", query, nil, &out)
	return out.Approvals, err
}

func (c *OverseerClient) Resolve(ctx context.Context, id string, approve bool, reason string) (Approval, error) {
	path := "/api/v1/approvals/" + url.PathEscape(id)
	var body any
	if approve {
		path += "/approve"
	} else {
		path += "/deny"
		body = map[string]string{"reason": reason}
	}
	var out struct {
		Approval Approval `json:"approval"`
	}
	err := c.do(ctx, http.MethodPost, path, nil, body, &out)
	return out.Approval, err
}

func (c *OverseerClient) VerifyLedger(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, nil, &out)
	return out, err
}

// LedgerEntry is one hash-chained record.
type LedgerEntry struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
}

func (c *OverseerClient) RecentLedger(ctx context.Context, limit int) ([]LedgerEntry, error) {
	query := url.Values{}
	query.Set("limit", fmt.Sprint(limit))
	var out struct {
		Entries []LedgerEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/ledger/recent", query, nil, &out)
	return out.Entries, err
}

// Anomaly is the subset of an anomaly event the CLI prints.
type Anomaly struct {
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp"`
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Source         string `json:"source"`
	Description    string `json:"description"`
	RequiresReview bool   `json:"requiresReview"`
}

func (c *OverseerClient) Anomalies(ctx context.Context, hours int) ([]Anomaly, error) {
	query := url.Values{}
	query.Set("hours", fmt.Sprint(hours))
	var out struct {
		Events []Anomaly `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/anomalies", query, nil, &out)
	return out.Events, err
}

func (c *OverseerClient) ReviewAnomaly(ctx context.Context, id string) (Anomaly, error) {
	var out Anomaly
	err := c.do(ctx, http.MethodPost, "/api/v1/anomalies/"+url.PathEscape(id)+"/review", nil, nil, &out)
	return out, err
}

// Suggestion is a proposed guardrail.
type Suggestion struct {
	ID            string  `json:"id"`
	Occurrences   int     `json:"occurrences"`
	AnomalyHits   int     `json:"anomalyHits"`
	SuggestedRule string  `json:"suggestedRule"`
	Confidence    float64 `json:"confidence"`
}

func (c *OverseerClient) Guardrails(ctx context.Context, hours int) ([]Suggestion, error) {
	query := url.Values{}
	query.Set("hours", fmt.Sprint(hours))
	var out struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/insights/guardrails", query, nil, &out)
	return out.Suggestions, err
}

// RepairReport is the server's answer to a ledger repair.
type RepairReport struct {
	Appended      []string `json:"appended"`
	MissingLedger []string `json:"missingFromLedger"`
	MissingAudit  []string `json:"missingFromAudit"`
	Consistent    bool     `json:"consistent"`
}

func (c *OverseerClient) RepairLedger(ctx context.Context, hours int) (RepairReport, error) {
	query := url.Values{}
	query.Set("hours", fmt.Sprint(hours))
	var out RepairReport
	err := c.do(ctx, http.MethodPost, "/api/v1/ledger/repair", query, nil, &out)
	return out, err
}

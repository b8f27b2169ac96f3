package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Error codes returned by the service.
const (
	CodeInvalidFeatures  = "invalid_features"
	CodeInvalidRequest   = "invalid_request"
	CodeModelUnavailable = "model_unavailable"
	CodeScoringFailed    = "scoring_failed"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeRateLimited      = "rate_limited"
)

// ScoreResult is the response of the scoring endpoint.
type ScoreResult struct {
	Probability  float64 `json:"probability"`
	RiskLabel    string  `json:"riskLabel"`
	IsHighRisk   bool    `json:"isHighRisk"`
	Threshold    float64 `json:"threshold"`
	ModelID      string  `json:"modelId"`
	ModelSource  string  `json:"modelSource"`
	SourceKind   string  `json:"sourceKind"`
	ModelVersion string  `json:"modelVersion,omitempty"`
}

// ModelInfo describes the model the service is using.
type ModelInfo struct {
	ID          string    `json:"id"`
	ModelSource string    `json:"model_source"`
	SourceKind  string    `json:"source_kind"`
	Version     string    `json:"version,omitempty"`
	LoadedAt    time.Time `json:"loaded_at"`
	Features    []string  `json:"features"`
}

// Decision is one entry of the service's decision log.
type Decision struct {
	Index        int       `json:"index"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ModelSource  string    `json:"model_source"`
	ModelVersion string    `json:"model_version"`
	Probability  float64   `json:"probability"`
	RiskLabel    string    `json:"risk_label"`
	Threshold    float64   `json:"threshold"`
	FeaturesHash string    `json:"features_hash"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// DecisionPage is the response of Decisions.
type DecisionPage struct {
	Entries   int        `json:"entries"`
	Root      string     `json:"root"`
	Decisions []Decision `json:"decisions"`
}

// FieldError names one feature the service rejected.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  []FieldError
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server error %d", e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.Field + ": " + f.Reason
		}
		msg += " [" + strings.Join(parts, "; ") + "]"
	}
	return msg
}

// IsCode reports whether err is an *APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to one scoring service.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithBearerToken attaches an admin token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the service at base.
//
//	c, err := client.New("http://localhost:8000", client.WithTimeout(5*time.Second))
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid service URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Score scores one feature record.
func (c *Client) Score(ctx context.Context, features map[string]any) (*ScoreResult, error) {
	var out ScoreResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/score", features, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModelInfo returns the model currently being served.
func (c *Client) ModelInfo(ctx context.Context) (*ModelInfo, error) {
	var out ModelInfo
	if err := c.call(ctx, http.MethodGet, "/api/v1/model-info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload asks the service to resolve its model again. It needs an admin
// token (WithBearerToken) carrying the model:reload scope.
func (c *Client) Reload(ctx context.Context) (*ModelInfo, error) {
	var out ModelInfo
	if err := c.call(ctx, http.MethodPost, "/api/v1/model/reload", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decisions returns up to limit recent decisions, newest first. limit <= 0
// uses the server default.
func (c *Client) Decisions(ctx context.Context, limit int) (*DecisionPage, error) {
	path := "/api/v1/decisions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out DecisionPage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyDecisions asks the service to check its decision chain. A broken
// chain is reported as (false, reason, nil).
func (c *Client) VerifyDecisions(ctx context.Context) (bool, string, error) {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/decisions/verify", nil, &out); err != nil {
		return false, "", err
	}
	return out.Valid, out.Error, nil
}

// call sends in as JSON (when non-nil) and decodes a 2xx body into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	status, respBody, err := c.doStatusBody(req)
	if err != nil {
		return err
	}
	if status >= 300 {
		return decodeAPIError(status, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doStatusBody executes req, attaching the Bearer token if present.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error  string       `json:"error"`
		Code   string       `json:"code"`
		Fields []FieldError `json:"fields"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Message = payload.Error
	apiErr.Fields = payload.Fields
	return apiErr
}

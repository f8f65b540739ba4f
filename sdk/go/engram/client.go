package engram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserHeader identifies the caller; every request carries it.
const UserHeader = "X-Engram-User"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Engram server (e.g. "http://localhost:8080").
	BaseURL string

	// User is the identity under which all requests are made. Engram
	// derives graph ownership from it.
	User string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Engram decision knowledge-graph API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	user    string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or User is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engram: BaseURL is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("engram: User is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		user:    cfg.User,
		client:  httpClient,
	}, nil
}

// CreateDecision records a decision manually.
func (c *Client) CreateDecision(ctx context.Context, req CreateDecisionRequest) (*SaveResult, error) {
	var out SaveResult
	if err := c.do(ctx, http.MethodPost, "/decisions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDecision fetches one decision with its entities joined in.
func (c *Client) GetDecision(ctx context.Context, id uuid.UUID) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodGet, "/decisions/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDecisions retrieves past decisions with filters and pagination.
func (c *Client) ListDecisions(ctx context.Context, opts ListOptions) (*DecisionList, error) {
	q := url.Values{}
	if opts.Project != "" {
		q.Set("project", opts.Project)
	}
	if opts.Scope != "" {
		q.Set("scope", opts.Scope)
	}
	if opts.Source != "" {
		q.Set("source", opts.Source)
	}
	if opts.MinConfidence > 0 {
		q.Set("min_confidence", strconv.FormatFloat(opts.MinConfidence, 'f', -1, 64))
	}
	if opts.Since != nil {
		q.Set("since", opts.Since.Format(time.RFC3339))
	}
	if opts.IncludeExpired {
		q.Set("include_expired", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/decisions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out DecisionList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDecision edits allow-listed fields of a decision.
func (c *Client) UpdateDecision(ctx context.Context, id uuid.UUID, fields map[string]any) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPut, "/decisions/"+id.String(), fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDecision removes a decision and detaches its edges.
func (c *Client) DeleteDecision(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/decisions/"+id.String(), nil, nil)
}

// SearchHybrid runs a fused lexical+semantic search over the graph.
func (c *Client) SearchHybrid(ctx context.Context, req SearchRequest) ([]Hit, error) {
	var out struct {
		Results []Hit `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/graph/search/hybrid", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// SearchSemantic runs an embedding-only search over the graph.
func (c *Client) SearchSemantic(ctx context.Context, req SearchRequest) ([]Hit, error) {
	var out struct {
		Results []Hit `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/graph/search/semantic", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Check looks up existing decisions before making a new one.
func (c *Client) Check(ctx context.Context, req ContextRequest) (*CheckResponse, error) {
	var out CheckResponse
	if err := c.do(ctx, http.MethodPost, "/agent/check", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Context assembles a token-budgeted context block for an agent prompt.
func (c *Client) Context(ctx context.Context, req ContextRequest) (*ContextResult, error) {
	var out ContextResult
	if err := c.do(ctx, http.MethodPost, "/agent/context", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remember records a decision an agent just made.
func (c *Client) Remember(ctx context.Context, req RememberRequest) (*SaveResult, error) {
	var out SaveResult
	if err := c.do(ctx, http.MethodPost, "/agent/remember", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats summarizes the caller's graph.
func (c *Client) Stats(ctx context.Context) (*GraphStats, error) {
	var out GraphStats
	if err := c.do(ctx, http.MethodGet, "/graph/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// envelope is the server's standard response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engram: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("engram: build request: %w", err)
	}
	req.Header.Set(UserHeader, c.user)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("engram: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("engram: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{StatusCode: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("engram: decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Code: "unknown", RequestID: env.Meta.RequestID}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("engram: decode response data: %w", err)
		}
	}
	return nil
}

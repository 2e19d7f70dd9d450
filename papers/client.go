// Package papers talks to the paper generation REST API. Its Client is the
// launcher and materializer used by paperwatch.Tracker.
package papers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"

	"github.com/wenjingluo11-spec/paperwatch"
)

// DefaultBaseURL is where the pipeline API listens by default.
const DefaultBaseURL = "http://localhost:8001"

const apiPrefix = "/api/v1/papers"

// Paper is the record the API returns for a generation task.
type Paper = paperwatch.TaskRecord

// GenerateRequest starts a new generation.
type GenerateRequest struct {
	TopicID  int64   `json:"topic_id"`
	TopicIDs []int64 `json:"topic_ids,omitempty"`
}

// Client is a small HTTP client for the papers API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL with a bounded request timeout.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

var (
	_ paperwatch.Launcher     = (*Client)(nil)
	_ paperwatch.Materializer = (*Client)(nil)
)

// Generate starts generating a paper from the given topics. The returned
// paper is in its initial "processing" state.
func (c *Client) Generate(ctx context.Context, topicIDs ...int64) (*Paper, error) {
	if len(topicIDs) == 0 {
		return nil, ErrNoTopics
	}
	req := GenerateRequest{TopicID: topicIDs[0]}
	if len(topicIDs) > 1 {
		req.TopicIDs = topicIDs
	}
	var p Paper
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/generate", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get fetches one paper.
func (c *Client) Get(ctx context.Context, id paperwatch.TaskID) (*Paper, error) {
	var p Paper
	if err := c.do(ctx, http.MethodGet, paperPath(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// List fetches every paper, newest first.
func (c *Client) List(ctx context.Context) ([]Paper, error) {
	var ps []Paper
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/", nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// Delete removes a paper.
func (c *Client) Delete(ctx context.Context, id paperwatch.TaskID) error {
	return c.do(ctx, http.MethodDelete, paperPath(id), nil, nil)
}

// Create implements paperwatch.Launcher.
func (c *Client) Create(ctx context.Context, sel paperwatch.TopicSelection) (paperwatch.TaskID, error) {
	p, err := c.Generate(ctx, sel.TopicIDs...)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// FetchFinal implements paperwatch.Materializer.
func (c *Client) FetchFinal(ctx context.Context, id paperwatch.TaskID) (*paperwatch.TaskRecord, error) {
	return c.Get(ctx, id)
}

func paperPath(id paperwatch.TaskID) string {
	return apiPrefix + "/" + strconv.FormatInt(int64(id), 10)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Package client is the typed REST client for the core HTTP surface.
// The worker persists every state change through it, so all writes go
// through the same validation and audit path as gateway calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bearmemori/bearmemori"
)

// Client talks to one core instance.
type Client struct {
	baseURL string
	actor   string
	client  *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// WithActor sets the audit actor sent with every mutation. The default
// is the worker actor.
func WithActor(actor string) Option {
	return func(cl *Client) { cl.actor = actor }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New creates a client for the core at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	cl := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		actor:   bearmemori.ActorLLMWorker,
		client:  &http.Client{},
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// --- Jobs ---

// GetJob reads the current job row. Workers call this on every
// delivery to skip jobs already terminal.
func (c *Client) GetJob(ctx context.Context, id string) (bearmemori.LLMJob, error) {
	var j bearmemori.LLMJob
	err := c.get(ctx, "/llm_jobs/"+url.PathEscape(id), &j)
	return j, err
}

type jobPatch struct {
	Status       bearmemori.JobStatus `json:"status"`
	Result       json.RawMessage      `json:"result,omitempty"`
	ErrorKind    string               `json:"error_kind,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// MarkJobProcessing moves the job to processing before the first LLM
// call.
func (c *Client) MarkJobProcessing(ctx context.Context, id string) (bearmemori.LLMJob, error) {
	var j bearmemori.LLMJob
	err := c.do(ctx, http.MethodPatch, "/llm_jobs/"+url.PathEscape(id),
		jobPatch{Status: bearmemori.JobProcessing}, &j)
	return j, err
}

// CompleteJob records the handler result and closes the job.
func (c *Client) CompleteJob(ctx context.Context, id string, result json.RawMessage) (bearmemori.LLMJob, error) {
	var j bearmemori.LLMJob
	err := c.do(ctx, http.MethodPatch, "/llm_jobs/"+url.PathEscape(id),
		jobPatch{Status: bearmemori.JobCompleted, Result: result}, &j)
	return j, err
}

// FailJob closes the job with the classifier verdict and message.
func (c *Client) FailJob(ctx context.Context, id, kind, message string) (bearmemori.LLMJob, error) {
	var j bearmemori.LLMJob
	err := c.do(ctx, http.MethodPatch, "/llm_jobs/"+url.PathEscape(id),
		jobPatch{Status: bearmemori.JobFailed, ErrorKind: kind, ErrorMessage: message}, &j)
	return j, err
}

// --- Memories ---

type tagsRequest struct {
	Tags []bearmemori.MemoryTag `json:"tags"`
}

// PutTags attaches tags to a memory. The worker always sends
// status=suggested; promotion is the user's.
func (c *Client) PutTags(ctx context.Context, memoryID string, tags []bearmemori.MemoryTag) ([]bearmemori.MemoryTag, error) {
	var out struct {
		Tags []bearmemori.MemoryTag `json:"tags"`
	}
	err := c.do(ctx, http.MethodPost, "/memories/"+url.PathEscape(memoryID)+"/tags",
		tagsRequest{Tags: tags}, &out)
	return out.Tags, err
}

// UpdateMemoryContent fills a memory's content, used when a vision
// description stands in for an absent caption.
func (c *Client) UpdateMemoryContent(ctx context.Context, memoryID, content string) (bearmemori.Memory, error) {
	var m bearmemori.Memory
	err := c.do(ctx, http.MethodPatch, "/memories/"+url.PathEscape(memoryID),
		map[string]string{"content": content}, &m)
	return m, err
}

// GetMemory reads one memory.
func (c *Client) GetMemory(ctx context.Context, id string) (bearmemori.Memory, error) {
	var m bearmemori.Memory
	err := c.get(ctx, "/memories/"+url.PathEscape(id), &m)
	return m, err
}

// --- Tasks ---

// OpenTasks lists a user's NOT_DONE tasks for the task matcher.
func (c *Client) OpenTasks(ctx context.Context, ownerUserID int64) ([]bearmemori.Task, error) {
	q := url.Values{}
	q.Set("owner", strconv.FormatInt(ownerUserID, 10))
	q.Set("state", string(bearmemori.TaskNotDone))
	var out struct {
		Tasks []bearmemori.Task `json:"tasks"`
	}
	err := c.get(ctx, "/tasks?"+q.Encode(), &out)
	return out.Tasks, err
}

// --- Events ---

// CreateEvent inserts an extracted calendar event, pending until the
// user confirms or rejects it.
func (c *Client) CreateEvent(ctx context.Context, e bearmemori.Event) (bearmemori.Event, error) {
	var out bearmemori.Event
	err := c.do(ctx, http.MethodPost, "/events", e, &out)
	return out, err
}

// --- Health ---

// Ping checks the core is up and its store reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// do sends one request and decodes the response into out when non-nil.
// Error statuses are parsed back into the typed errors the API mapped
// them from.
// get issues an idempotent read with transient-error retries. Writes
// go through do directly so a flaky core never duplicates a mutation.
func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := bearmemori.RetryCall(ctx, "GET "+path, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodGet, path, nil, out)
	}, bearmemori.RetryBaseDelay(200*time.Millisecond), bearmemori.RetryLogger(c.logger))
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor", c.actor)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.apiError(method, path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// apiError converts an error status back into the typed error the
// server mapped it from, so worker code can errors.As the same way it
// does against the store.
func (c *Client) apiError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &bearmemori.ValidationError{Message: msg}
	case http.StatusNotFound:
		return &bearmemori.NotFoundError{Entity: "resource", ID: path}
	case http.StatusConflict:
		return &bearmemori.ConflictError{Message: msg}
	case http.StatusForbidden:
		return &bearmemori.ValidationError{Message: msg}
	}
	c.logger.Warn("client: unexpected status", "method", method, "path", path, "status", resp.StatusCode)
	return &bearmemori.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       msg,
		RetryAfter: bearmemori.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bearmemori/bearmemori"
)

// Provider implements bearmemori.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, ParseResponse)
// to handle body building and response parsing.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	name        string
	temperature *float64
	maxTokens   int
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported in errors and logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client, e.g. to set a transport or a
// per-request timeout.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTimeout sets the HTTP client timeout for every request.
func WithTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// WithMaxTokens caps output tokens on every request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openaicompat",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openaicompat", configurable
// via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a chat request and returns the complete response. When the
// request carries a ResponseSchema the content is the model's JSON
// document.
func (p *Provider) Chat(ctx context.Context, req bearmemori.ChatRequest) (bearmemori.ChatResponse, error) {
	body := BuildBody(req.Messages, p.model, req.Schema)
	body.Temperature = p.temperature
	body.MaxTokens = p.maxTokens

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return bearmemori.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return bearmemori.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return bearmemori.ChatResponse{}, &bearmemori.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp, p.name)
}

// sendHTTP marshals the request body and sends it to the chat
// completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &bearmemori.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &bearmemori.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// classifier. Parses the Retry-After header when present (429/503).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &bearmemori.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: bearmemori.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ bearmemori.Provider = (*Provider)(nil)

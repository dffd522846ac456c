package bearmemori

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response. When the
	// request carries a ResponseSchema the content is the model's JSON
	// document.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openaicompat").
	Name() string
}

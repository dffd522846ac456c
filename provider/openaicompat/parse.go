package openaicompat

import (
	"github.com/bearmemori/bearmemori"
)

// ParseResponse converts an OpenAI-format ChatResponse to a bearmemori
// ChatResponse. It extracts content and usage from choices[0]. A refusal
// surfaces as an ErrLLM so the caller's retry classifier sees it.
func ParseResponse(resp ChatResponse, provider string) (bearmemori.ChatResponse, error) {
	var out bearmemori.ChatResponse

	if len(resp.Choices) == 0 {
		return out, &bearmemori.ErrLLM{Provider: provider, Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	if choice.Message == nil {
		return out, &bearmemori.ErrLLM{Provider: provider, Message: "choice has no message"}
	}
	if choice.Message.Refusal != "" {
		return out, &bearmemori.ErrLLM{Provider: provider, Message: "model refused: " + choice.Message.Refusal}
	}
	out.Content = choice.Message.Content

	if resp.Usage != nil {
		out.Usage = bearmemori.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

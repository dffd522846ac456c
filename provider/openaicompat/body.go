package openaicompat

import (
	"fmt"

	"github.com/bearmemori/bearmemori"
)

// BuildBody converts bearmemori ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages stay in the messages array
// as role:"system". Images ride as data-URI content blocks.
func BuildBody(messages []bearmemori.ChatMessage, model string, schema *bearmemori.ResponseSchema) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		if len(m.Images) == 0 {
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
			continue
		}

		// Multimodal: build content blocks.
		var blocks []ContentBlock
		if m.Content != "" {
			blocks = append(blocks, ContentBlock{
				Type: "text",
				Text: m.Content,
			})
		}
		for _, img := range m.Images {
			blocks = append(blocks, ContentBlock{
				Type: "image_url",
				ImageURL: &ImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
				},
			})
		}
		msgs = append(msgs, Message{
			Role:    m.Role,
			Content: blocks,
		})
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	// Structured output: enforce JSON response matching the schema.
	if schema != nil && len(schema.Schema) > 0 {
		req.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   schema.Name,
				Schema: schema.Schema,
				Strict: true,
			},
		}
	}

	return req
}

package translator

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/polyrelay/polyrelay/internal/store"
)

// ollamaRequest is the /api/chat request shape. Options carries sampling
// knobs under Ollama's own names.
type ollamaRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream  *bool          `json:"stream,omitempty"`
	Tools   []ChatTool     `json:"tools,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// OllamaToChatRequest converts an Ollama chat request into the OpenAI chat
// dialect. Ollama defaults to streaming unless stream is explicitly false.
func OllamaToChatRequest(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
	var req ollamaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse ollama request: %w", err)
	}

	out := ChatRequest{
		Model:  model,
		Stream: stream,
		Tools:  req.Tools,
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, ChatMessage{
			Role:    msg.Role,
			Content: rawString(msg.Content),
		})
	}

	if req.Options != nil {
		if v, ok := req.Options["temperature"].(float64); ok {
			out.Temperature = &v
		}
		if v, ok := req.Options["top_p"].(float64); ok {
			out.TopP = &v
		}
		if v, ok := req.Options["num_predict"].(float64); ok {
			n := int(v)
			out.MaxTokens = &n
		}
	}

	return json.Marshal(out)
}

package translator

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/polyrelay/polyrelay/internal/executor/cursorwire"
	"github.com/polyrelay/polyrelay/internal/store"
)

// ChatToCursorRequest converts an OpenAI chat request into the protobuf
// StreamUnifiedChatRequestWithTools payload (without Connect framing, which
// the executor adds). Cursor has no tool role, so tool results are threaded
// back in as synthetic user messages carrying the original tool name.
func ChatToCursorRequest(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}

	out := cursorwire.ChatRequest{
		Model:          model,
		ConversationID: uuid.NewString(),
		IsAgentic:      true,
		UnifiedMode:    1,
	}

	toolNames := toolNamesByID(req.Messages)

	var system string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += msg.Text()
		case "assistant":
			content := msg.Text()
			for _, tc := range msg.ToolCalls {
				if content != "" {
					content += "\n"
				}
				content += fmt.Sprintf("[tool call %s(%s)]", tc.Function.Name, tc.Function.Arguments)
			}
			out.Messages = append(out.Messages, cursorwire.ChatMessage{
				Content:   content,
				Role:      cursorwire.RoleAI,
				MessageID: uuid.NewString(),
			})
		case "tool":
			name := toolNames[msg.ToolCallID]
			if name == "" {
				name = "unknown_tool"
			}
			out.Messages = append(out.Messages, cursorwire.ChatMessage{
				Content:   fmt.Sprintf("Tool %s returned: %s", name, msg.Text()),
				Role:      cursorwire.RoleUser,
				MessageID: uuid.NewString(),
			})
		default:
			out.Messages = append(out.Messages, cursorwire.ChatMessage{
				Content:   msg.Text(),
				Role:      cursorwire.RoleUser,
				MessageID: uuid.NewString(),
			})
		}
	}

	// Cursor has no system slot; prepend to the first user turn.
	if system != "" {
		prefixed := false
		for i := range out.Messages {
			if out.Messages[i].Role == cursorwire.RoleUser {
				out.Messages[i].Content = system + "\n\n" + out.Messages[i].Content
				prefixed = true
				break
			}
		}
		if !prefixed {
			out.Messages = append([]cursorwire.ChatMessage{{
				Content:   system,
				Role:      cursorwire.RoleUser,
				MessageID: uuid.NewString(),
			}}, out.Messages...)
		}
	}

	for i := range out.Messages {
		out.MessageIDs = append(out.MessageIDs, out.Messages[i].MessageID)
	}

	for _, t := range req.Tools {
		params := "{}"
		if t.Function.Parameters != nil {
			b, err := json.Marshal(t.Function.Parameters)
			if err == nil {
				params = string(b)
			}
		}
		out.MCPTools = append(out.MCPTools, cursorwire.MCPTool{
			Name:        cursorwire.NormalizeToolName(t.Function.Name),
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	out.ShouldDisableTool = len(out.MCPTools) == 0

	return cursorwire.EncodeRequest(&out), nil
}

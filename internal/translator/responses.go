package translator

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/polyrelay/polyrelay/internal/store"
)

// ChatToResponsesRequest converts an OpenAI chat request into a Responses API
// body. System messages fold into instructions; tool traffic maps onto
// function_call / function_call_output items.
func ChatToResponsesRequest(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}

	out := map[string]any{
		"model":  model,
		"stream": stream,
	}

	var instructions string
	var input []any
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if instructions != "" {
				instructions += "\n"
			}
			instructions += msg.Text()
		case "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  msg.Text(),
			})
		case "assistant":
			if txt := msg.Text(); txt != "" {
				input = append(input, map[string]any{
					"type":    "message",
					"role":    "assistant",
					"content": []any{map[string]any{"type": "output_text", "text": txt}},
				})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == "" {
					args = "{}"
				}
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Function.Name,
					"arguments": args,
				})
			}
		default:
			input = append(input, map[string]any{
				"type":    "message",
				"role":    msg.Role,
				"content": []any{map[string]any{"type": "input_text", "text": msg.Text()}},
			})
		}
	}
	out["instructions"] = instructions
	out["input"] = input

	if req.MaxTokens != nil {
		out["max_output_tokens"] = *req.MaxTokens
	}
	if len(req.Tools) > 0 {
		var tools []any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			})
		}
		out["tools"] = tools
	}
	if len(req.ToolChoice) > 0 {
		out["tool_choice"] = json.RawMessage(req.ToolChoice)
	}

	return json.Marshal(out)
}

// ResponsesToChatRequest converts an inbound /v1/responses body into an
// OpenAI chat request for chat-only upstreams.
func ResponsesToChatRequest(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
	var req struct {
		Instructions string          `json:"instructions"`
		Input        json.RawMessage `json:"input"`
		MaxOutput    *int            `json:"max_output_tokens"`
		Temperature  *float64        `json:"temperature"`
		Tools        []struct {
			Type        string         `json:"type"`
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse responses request: %w", err)
	}

	out := ChatRequest{Model: model, Stream: stream, Temperature: req.Temperature, MaxTokens: req.MaxOutput}
	if req.Instructions != "" {
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: rawString(req.Instructions)})
	}

	// Input is a plain string or an item array.
	var plain string
	if err := json.Unmarshal(req.Input, &plain); err == nil {
		out.Messages = append(out.Messages, ChatMessage{Role: "user", Content: rawString(plain)})
	} else {
		var items []struct {
			Type      string          `json:"type"`
			Role      string          `json:"role"`
			Content   json.RawMessage `json:"content"`
			CallID    string          `json:"call_id"`
			Name      string          `json:"name"`
			Arguments string          `json:"arguments"`
			Output    string          `json:"output"`
		}
		if err := json.Unmarshal(req.Input, &items); err != nil {
			return nil, fmt.Errorf("parse responses input: %w", err)
		}
		for _, item := range items {
			switch item.Type {
			case "function_call":
				tc := ChatToolCall{ID: item.CallID, Type: "function"}
				tc.Function.Name = item.Name
				tc.Function.Arguments = item.Arguments
				out.Messages = append(out.Messages, ChatMessage{Role: "assistant", ToolCalls: []ChatToolCall{tc}})
			case "function_call_output":
				out.Messages = append(out.Messages, ChatMessage{Role: "tool", ToolCallID: item.CallID, Content: rawString(item.Output)})
			default: // message
				role := item.Role
				if role == "" {
					role = "user"
				}
				out.Messages = append(out.Messages, ChatMessage{Role: role, Content: rawString(flattenContent(item.Content))})
			}
		}
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		ct := ChatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ct)
	}

	return json.Marshal(out)
}

// responsesEvent is the subset of Responses SSE payloads the gateway reads.
type responsesEvent struct {
	Type        string `json:"type"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
	Item        struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Role      string `json:"role"`
		Name      string `json:"name"`
		CallID    string `json:"call_id"`
		Arguments string `json:"arguments"`
	} `json:"item"`
	Response struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// ResponsesChunkToChat converts Responses API SSE events into OpenAI chat
// chunks.
func ResponsesChunkToChat(chunk []byte, st *State) ([]Frame, error) {
	var ev responsesEvent
	if err := json.Unmarshal(chunk, &ev); err != nil {
		return nil, fmt.Errorf("parse responses event: %w", err)
	}

	switch ev.Type {
	case "response.created":
		st.ID = ev.Response.ID
		st.Created = time.Now().Unix()
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{Role: "assistant"}}, nil))
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil

	case "response.output_text.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{Content: ev.Delta}}, nil))
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil

	case "response.output_item.added":
		if ev.Item.Type != "function_call" {
			return nil, nil
		}
		buf := st.tool(ev.OutputIndex)
		buf.ID = ev.Item.CallID
		buf.Name = ev.Item.Name
		st.FinishReason = "tool_calls"
		dt := ChatDeltaTool{Index: len(st.toolCalls) - 1, ID: ev.Item.CallID, Type: "function"}
		dt.Function.Name = ev.Item.Name
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{ToolCalls: []ChatDeltaTool{dt}}}, nil))
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil

	case "response.function_call_arguments.delta":
		buf := st.tool(ev.OutputIndex)
		buf.Args += ev.Delta
		dt := ChatDeltaTool{Index: len(st.toolCalls) - 1}
		dt.Function.Arguments = ev.Delta
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{ToolCalls: []ChatDeltaTool{dt}}}, nil))
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil

	case "response.completed", "response.incomplete":
		st.Done = true
		st.Usage.InputTokens = ev.Response.Usage.InputTokens
		st.Usage.OutputTokens = ev.Response.Usage.OutputTokens
		reason := st.FinishReason
		if reason == "" {
			reason = "stop"
		}
		usage := &ChatUsage{
			PromptTokens:     st.Usage.InputTokens,
			CompletionTokens: st.Usage.OutputTokens,
			TotalTokens:      st.Usage.InputTokens + st.Usage.OutputTokens,
		}
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{}, FinishReason: &reason}, usage))
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil

	case "response.failed":
		st.Done = true
		msg := "upstream response failed"
		if ev.Response.Error != nil && ev.Response.Error.Message != "" {
			msg = ev.Response.Error.Message
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return nil, nil
}

// ChatChunkToResponses converts OpenAI chat chunks into Responses SSE events
// for clients speaking the /v1/responses dialect.
func ChatChunkToResponses(chunk []byte, st *State) ([]Frame, error) {
	var c ChatChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return nil, fmt.Errorf("parse chat chunk: %w", err)
	}

	var frames []Frame
	push := func(event string, v any) error {
		f, err := marshalFrame(event, v)
		if err != nil {
			return err
		}
		frames = append(frames, f)
		return nil
	}

	if !st.responseCreated {
		st.responseCreated = true
		if st.ID == "" {
			st.ID = "resp_" + uuid.NewString()
		}
		st.Created = time.Now().Unix()
		if err := push("response.created", map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": st.ID, "object": "response", "created_at": st.Created, "status": "in_progress", "model": st.Model},
		}); err != nil {
			return nil, err
		}
	}

	if c.Usage != nil {
		st.Usage.InputTokens = c.Usage.PromptTokens
		st.Usage.OutputTokens = c.Usage.CompletionTokens
	}

	for _, choice := range c.Choices {
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != "" {
			if !st.itemOpen {
				st.itemOpen = true
				if err := push("response.output_item.added", map[string]any{
					"type":         "response.output_item.added",
					"output_index": st.itemIndex,
					"item":         map[string]any{"id": fmt.Sprintf("%s-item-%d", st.ID, st.itemIndex), "type": "message", "role": "assistant", "content": []any{}},
				}); err != nil {
					return nil, err
				}
			}
			if err := push("response.output_text.delta", map[string]any{
				"type":         "response.output_text.delta",
				"output_index": st.itemIndex,
				"delta":        choice.Delta.Content,
			}); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" || tc.Function.Name != "" {
				if st.itemOpen {
					st.itemIndex++
					st.itemOpen = false
				}
				buf := st.tool(tc.Index)
				buf.ID = tc.ID
				buf.Name = tc.Function.Name
				if err := push("response.output_item.added", map[string]any{
					"type":         "response.output_item.added",
					"output_index": st.itemIndex,
					"item": map[string]any{
						"id":      fmt.Sprintf("%s-item-%d", st.ID, st.itemIndex),
						"type":    "function_call",
						"call_id": tc.ID,
						"name":    tc.Function.Name,
					},
				}); err != nil {
					return nil, err
				}
			}
			if tc.Function.Arguments != "" {
				st.tool(tc.Index).Args += tc.Function.Arguments
				if err := push("response.function_call_arguments.delta", map[string]any{
					"type":         "response.function_call_arguments.delta",
					"output_index": st.itemIndex,
					"delta":        tc.Function.Arguments,
				}); err != nil {
					return nil, err
				}
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			st.FinishReason = *choice.FinishReason
		}
	}

	return frames, nil
}

// FlushResponses emits the terminal response.completed event.
func FlushResponses(st *State) ([]Frame, error) {
	if !st.responseCreated {
		return nil, nil
	}
	st.Done = true
	f, err := marshalFrame("response.completed", map[string]any{
		"type": "response.completed",
		"response": map[string]any{
			"id":         st.ID,
			"object":     "response",
			"created_at": st.Created,
			"status":     "completed",
			"model":      st.Model,
			"usage": map[string]int{
				"input_tokens":  st.Usage.InputTokens,
				"output_tokens": st.Usage.OutputTokens,
				"total_tokens":  st.Usage.InputTokens + st.Usage.OutputTokens,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return []Frame{f}, nil
}

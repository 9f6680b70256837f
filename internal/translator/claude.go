package translator

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/polyrelay/polyrelay/internal/store"
)

const claudeDefaultMaxTokens = 4096

// ClaudeToChatRequest converts an inbound /v1/messages body into an OpenAI
// chat request for OpenAI-style upstreams.
func ClaudeToChatRequest(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
	var req ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse claude request: %w", err)
	}

	out := ChatRequest{
		Model:       model,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   nil,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if len(req.StopSequences) > 0 {
		stop, _ := json.Marshal(req.StopSequences)
		out.Stop = stop
	}

	if sys := flattenContent(req.System); sys != "" {
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: rawString(sys)})
	}

	for _, msg := range req.Messages {
		blocks, plain := claudeBlocks(msg.Content)
		if blocks == nil {
			out.Messages = append(out.Messages, ChatMessage{Role: msg.Role, Content: rawString(plain)})
			continue
		}

		var text string
		var toolCalls []ChatToolCall
		var toolResults []ChatMessage
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if text != "" {
					text += "\n"
				}
				text += b.Text
			case "tool_use":
				tc := ChatToolCall{ID: b.ID, Type: "function"}
				tc.Function.Name = b.Name
				if len(b.Input) > 0 {
					tc.Function.Arguments = string(b.Input)
				} else {
					tc.Function.Arguments = "{}"
				}
				toolCalls = append(toolCalls, tc)
			case "tool_result":
				toolResults = append(toolResults, ChatMessage{
					Role:       "tool",
					ToolCallID: b.ToolUseID,
					Content:    rawString(flattenContent(b.Content)),
				})
			}
		}

		// tool_result blocks become role=tool messages preceding the rest of
		// the user turn.
		out.Messages = append(out.Messages, toolResults...)
		if text != "" || len(toolCalls) > 0 {
			cm := ChatMessage{Role: msg.Role, ToolCalls: toolCalls}
			if text != "" {
				cm.Content = rawString(text)
			}
			out.Messages = append(out.Messages, cm)
		}
	}

	for _, t := range req.Tools {
		ct := ChatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.InputSchema
		out.Tools = append(out.Tools, ct)
	}

	return json.Marshal(out)
}

// ChatToClaudeRequest converts an OpenAI chat request into an Anthropic
// /v1/messages body.
func ChatToClaudeRequest(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}

	out := ClaudeRequest{
		Model:       model,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   claudeDefaultMaxTokens,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		var one string
		if err := json.Unmarshal(req.Stop, &one); err == nil {
			out.StopSequences = []string{one}
		} else {
			_ = json.Unmarshal(req.Stop, &out.StopSequences)
		}
	}

	var system string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += msg.Text()
		case "tool":
			block := ClaudeBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: rawString(msg.Text())}
			content, _ := json.Marshal([]ClaudeBlock{block})
			out.Messages = append(out.Messages, ClaudeMessage{Role: "user", Content: content})
		case "assistant":
			var blocks []ClaudeBlock
			if txt := msg.Text(); txt != "" {
				blocks = append(blocks, ClaudeBlock{Type: "text", Text: txt})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, ClaudeBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, ClaudeBlock{Type: "text", Text: ""})
			}
			content, _ := json.Marshal(blocks)
			out.Messages = append(out.Messages, ClaudeMessage{Role: "assistant", Content: content})
		default:
			out.Messages = append(out.Messages, ClaudeMessage{Role: "user", Content: rawString(msg.Text())})
		}
	}
	if system != "" {
		out.System = rawString(system)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ClaudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return json.Marshal(out)
}

// claudeBlocks decodes Claude message content. Returns (blocks, "") for the
// array form or (nil, text) for plain strings.
func claudeBlocks(raw json.RawMessage) ([]ClaudeBlock, string) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s
	}
	var blocks []ClaudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks, ""
	}
	return nil, string(raw)
}

// ClaudeChunkToChat converts Anthropic SSE events into OpenAI chat chunks.
func ClaudeChunkToChat(chunk []byte, st *State) ([]Frame, error) {
	var ev struct {
		Type  string `json:"type"`
		Index int    `json:"index"`

		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`

		ContentBlock ClaudeBlock `json:"content_block"`

		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`

		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(chunk, &ev); err != nil {
		return nil, fmt.Errorf("parse claude event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		st.ID = ev.Message.ID
		st.Created = time.Now().Unix()
		st.Usage.InputTokens = ev.Message.Usage.InputTokens
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{Role: "assistant"}}, nil))
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil

	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			buf := st.tool(ev.Index)
			buf.ID = ev.ContentBlock.ID
			buf.Name = ev.ContentBlock.Name
			dt := ChatDeltaTool{Index: len(st.toolCalls) - 1, ID: ev.ContentBlock.ID, Type: "function"}
			dt.Function.Name = ev.ContentBlock.Name
			f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{ToolCalls: []ChatDeltaTool{dt}}}, nil))
			if err != nil {
				return nil, err
			}
			return []Frame{f}, nil
		}
		return nil, nil

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil, nil
			}
			f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{Content: ev.Delta.Text}}, nil))
			if err != nil {
				return nil, err
			}
			return []Frame{f}, nil
		case "input_json_delta":
			if ev.Delta.PartialJSON == "" {
				return nil, nil
			}
			buf := st.tool(ev.Index)
			buf.Args += ev.Delta.PartialJSON
			dt := ChatDeltaTool{Index: len(st.toolCalls) - 1}
			dt.Function.Arguments = ev.Delta.PartialJSON
			f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{ToolCalls: []ChatDeltaTool{dt}}}, nil))
			if err != nil {
				return nil, err
			}
			return []Frame{f}, nil
		}
		return nil, nil

	case "message_delta":
		if ev.Delta.StopReason != "" {
			st.FinishReason = claudeStopToFinish(ev.Delta.StopReason)
		}
		if ev.Usage.OutputTokens > 0 {
			st.Usage.OutputTokens = ev.Usage.OutputTokens
		}
		return nil, nil

	case "message_stop":
		st.Done = true
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
	}
	// ping, content_block_stop and unknown events carry nothing observable.
	return nil, nil
}

// ChatChunkToClaude converts OpenAI chat chunks into Anthropic SSE events.
func ChatChunkToClaude(chunk []byte, st *State) ([]Frame, error) {
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

	if !st.messageStarted {
		st.messageStarted = true
		if st.ID == "" {
			st.ID = "msg_" + uuid.NewString()
		}
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            st.ID,
				"type":          "message",
				"role":          "assistant",
				"model":         st.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}
		if err := push("message_start", start); err != nil {
			return nil, err
		}
	}

	if c.Usage != nil {
		st.Usage.InputTokens = c.Usage.PromptTokens
		st.Usage.OutputTokens = c.Usage.CompletionTokens
	}

	for _, choice := range c.Choices {
		if choice.Delta != nil {
			if choice.Delta.Content != "" {
				if st.blockOpen && st.blockIsTool {
					if err := push("content_block_stop", map[string]any{"type": "content_block_stop", "index": st.blockIndex}); err != nil {
						return nil, err
					}
					st.blockOpen = false
					st.blockIndex++
				}
				if !st.blockOpen {
					st.blockOpen = true
					st.blockIsTool = false
					if err := push("content_block_start", map[string]any{
						"type":          "content_block_start",
						"index":         st.blockIndex,
						"content_block": map[string]any{"type": "text", "text": ""},
					}); err != nil {
						return nil, err
					}
				}
				if err := push("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": st.blockIndex,
					"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
				}); err != nil {
					return nil, err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				if tc.ID != "" || tc.Function.Name != "" {
					if st.blockOpen {
						if err := push("content_block_stop", map[string]any{"type": "content_block_stop", "index": st.blockIndex}); err != nil {
							return nil, err
						}
						st.blockIndex++
					}
					st.blockOpen = true
					st.blockIsTool = true
					buf := st.tool(tc.Index)
					buf.ID = tc.ID
					buf.Name = tc.Function.Name
					if err := push("content_block_start", map[string]any{
						"type":  "content_block_start",
						"index": st.blockIndex,
						"content_block": map[string]any{
							"type":  "tool_use",
							"id":    tc.ID,
							"name":  tc.Function.Name,
							"input": map[string]any{},
						},
					}); err != nil {
						return nil, err
					}
				}
				if tc.Function.Arguments != "" {
					if err := push("content_block_delta", map[string]any{
						"type":  "content_block_delta",
						"index": st.blockIndex,
						"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
					}); err != nil {
						return nil, err
					}
				}
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			st.stopReason = finishToClaudeStop(*choice.FinishReason)
		}
	}

	return frames, nil
}

// FlushClaude closes any open block and emits message_delta + message_stop.
func FlushClaude(st *State) ([]Frame, error) {
	if !st.messageStarted {
		return nil, nil
	}
	var frames []Frame
	if st.blockOpen {
		f, err := marshalFrame("content_block_stop", map[string]any{"type": "content_block_stop", "index": st.blockIndex})
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		st.blockOpen = false
	}
	stop := st.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	md, err := marshalFrame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
		"usage": map[string]int{"input_tokens": st.Usage.InputTokens, "output_tokens": st.Usage.OutputTokens},
	})
	if err != nil {
		return nil, err
	}
	ms, err := marshalFrame("message_stop", map[string]any{"type": "message_stop"})
	if err != nil {
		return nil, err
	}
	st.Done = true
	return append(frames, md, ms), nil
}

func (st *State) chatChunk(choice ChatChoice, usage *ChatUsage) ChatChunk {
	if st.ID == "" {
		st.ID = "chatcmpl-" + uuid.NewString()
	}
	if st.Created == 0 {
		st.Created = time.Now().Unix()
	}
	return ChatChunk{
		ID:      st.ID,
		Object:  "chat.completion.chunk",
		Created: st.Created,
		Model:   st.Model,
		Choices: []ChatChoice{choice},
		Usage:   usage,
	}
}

func claudeStopToFinish(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return "stop"
}

func finishToClaudeStop(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	}
	return "end_turn"
}

package translator

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/polyrelay/polyrelay/internal/store"
)

// ChatToGeminiRequest converts an OpenAI chat request into a Gemini
// generateContent body. Tool declarations pass through CleanSchemaForGemini;
// role=tool messages become functionResponse parts with the function name
// recovered from the previous assistant turn's tool calls.
func ChatToGeminiRequest(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}

	out := map[string]any{}
	var contents []any
	var system string

	toolNames := toolNamesByID(req.Messages)

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += msg.Text()
		case "assistant":
			var parts []any
			if txt := msg.Text(); txt != "" {
				parts = append(parts, map[string]any{"text": txt})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.Function.Name, "args": args},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})
		case "tool":
			name := toolNames[msg.ToolCallID]
			if name == "" {
				name = "unknown_tool"
			}
			var response map[string]any
			txt := msg.Text()
			if err := json.Unmarshal([]byte(txt), &response); err != nil || response == nil {
				response = map[string]any{"result": txt}
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []any{map[string]any{
					"functionResponse": map[string]any{"name": name, "response": response},
				}},
			})
		default:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []any{map[string]any{"text": msg.Text()}},
			})
		}
	}
	out["contents"] = contents

	if system != "" {
		out["systemInstruction"] = map[string]any{
			"role":  "user",
			"parts": []any{map[string]any{"text": system}},
		}
	}

	genCfg := map[string]any{}
	if req.Temperature != nil {
		genCfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genCfg["topP"] = *req.TopP
	}
	if req.MaxTokens != nil {
		genCfg["maxOutputTokens"] = *req.MaxTokens
	}
	if len(genCfg) > 0 {
		out["generationConfig"] = genCfg
	}

	if len(req.Tools) > 0 {
		var decls []any
		for _, t := range req.Tools {
			decl := map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
			}
			if t.Function.Parameters != nil {
				decl["parameters"] = CleanSchemaForGemini(t.Function.Parameters)
			}
			decls = append(decls, decl)
		}
		out["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}

	return json.Marshal(out)
}

// toolNamesByID maps assistant tool-call IDs to function names across the
// conversation so later tool results can be re-attributed.
func toolNamesByID(messages []ChatMessage) map[string]string {
	names := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				names[tc.ID] = tc.Function.Name
			}
		}
	}
	return names
}

// GeminiChunkToChat converts a streamed Gemini candidate chunk (already
// unwrapped from the Cloud Code response envelope) into an OpenAI chat chunk.
func GeminiChunkToChat(chunk []byte, st *State) ([]Frame, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					Thought      bool   `json:"thought"`
					FunctionCall *struct {
						Name string         `json:"name"`
						Args map[string]any `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, fmt.Errorf("parse gemini chunk: %w", err)
	}

	if resp.UsageMetadata != nil {
		st.Usage.InputTokens = resp.UsageMetadata.PromptTokenCount
		st.Usage.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	cand := resp.Candidates[0]

	var frames []Frame
	if !st.messageStarted {
		st.messageStarted = true
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{Role: "assistant"}}, nil))
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}

	for _, part := range cand.Content.Parts {
		if part.Thought {
			continue
		}
		if part.FunctionCall != nil {
			idx := len(st.toolCalls)
			buf := st.tool(idx)
			buf.ID = "call_" + uuid.NewString()
			buf.Name = part.FunctionCall.Name
			args, _ := json.Marshal(part.FunctionCall.Args)
			buf.Args = string(args)
			st.FinishReason = "tool_calls"

			dt := ChatDeltaTool{Index: idx, ID: buf.ID, Type: "function"}
			dt.Function.Name = buf.Name
			dt.Function.Arguments = buf.Args
			f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{ToolCalls: []ChatDeltaTool{dt}}}, nil))
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
			continue
		}
		if part.Text != "" {
			f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{Content: part.Text}}, nil))
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
	}

	if cand.FinishReason != "" {
		st.Done = true
		reason := geminiFinishToChat(cand.FinishReason, st.FinishReason)
		usage := &ChatUsage{
			PromptTokens:     st.Usage.InputTokens,
			CompletionTokens: st.Usage.OutputTokens,
			TotalTokens:      st.Usage.InputTokens + st.Usage.OutputTokens,
		}
		f, err := marshalFrame("", st.chatChunk(ChatChoice{Index: 0, Delta: &ChatDelta{}, FinishReason: &reason}, usage))
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func geminiFinishToChat(finish, pending string) string {
	if pending == "tool_calls" {
		return "tool_calls"
	}
	switch finish {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	}
	return "stop"
}

package stream

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/internal/translator"
)

// accTool collects one streamed tool call.
type accTool struct {
	ID   string
	Name string
	Args strings.Builder
}

// Accumulator collapses a chat-dialect chunk stream into one final document,
// rendered in whichever client dialect is needed.
type Accumulator struct {
	Model   string
	ID      string
	Created int64

	content   strings.Builder
	reasoning strings.Builder
	tools     map[int]*accTool
	finish    string
	usage     translator.ChatUsage
}

// Collect drains an upstream SSE body through the wire→chat translation and
// accumulates every chunk.
func Collect(body io.Reader, from translator.Format, reg *translator.Registry, model string) (*Accumulator, error) {
	stages, err := resolveStages(reg, from, translator.FormatOpenAIChat, model)
	if err != nil {
		return nil, err
	}

	acc := &Accumulator{Model: model, tools: map[int]*accTool{}}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

scan:
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || payload == "" {
			continue
		}
		if strings.TrimSpace(payload) == "[DONE]" {
			break scan
		}
		if !json.Valid([]byte(payload)) {
			continue
		}
		frames, err := runStages(stages, []byte(payload))
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			acc.add(f.Data)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return acc, nil
}

// add folds one chat chunk in.
func (a *Accumulator) add(data []byte) {
	var chunk translator.ChatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	if a.ID == "" && chunk.ID != "" {
		a.ID = chunk.ID
	}
	if a.Created == 0 && chunk.Created != 0 {
		a.Created = chunk.Created
	}
	if chunk.Usage != nil {
		a.usage = *chunk.Usage
	}
	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			a.finish = *choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}
		a.content.WriteString(choice.Delta.Content)
		for _, tc := range choice.Delta.ToolCalls {
			buf, ok := a.tools[tc.Index]
			if !ok {
				buf = &accTool{}
				a.tools[tc.Index] = buf
			}
			if tc.ID != "" {
				buf.ID = tc.ID
			}
			if tc.Function.Name != "" {
				buf.Name = tc.Function.Name
			}
			buf.Args.WriteString(tc.Function.Arguments)
		}
	}
}

func (a *Accumulator) id(prefix string) string {
	if a.ID != "" {
		return a.ID
	}
	return prefix + uuid.NewString()
}

func (a *Accumulator) created() int64 {
	if a.Created != 0 {
		return a.Created
	}
	return time.Now().Unix()
}

func (a *Accumulator) finishReason() string {
	if a.finish != "" {
		return a.finish
	}
	if len(a.tools) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// sortedTools returns accumulated tool calls in index order.
func (a *Accumulator) sortedTools() []*accTool {
	indexes := make([]int, 0, len(a.tools))
	for i := range a.tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]*accTool, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, a.tools[i])
	}
	return out
}

// ChatJSON renders an OpenAI chat completion document.
func (a *Accumulator) ChatJSON() ([]byte, error) {
	message := map[string]any{
		"role":    "assistant",
		"content": a.content.String(),
	}
	if tools := a.sortedTools(); len(tools) > 0 {
		var calls []map[string]any
		for _, t := range tools {
			calls = append(calls, map[string]any{
				"id":   t.ID,
				"type": "function",
				"function": map[string]any{
					"name":      t.Name,
					"arguments": t.Args.String(),
				},
			})
		}
		message["tool_calls"] = calls
	}
	return json.Marshal(map[string]any{
		"id":      a.id("chatcmpl-"),
		"object":  "chat.completion",
		"created": a.created(),
		"model":   a.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": a.finishReason(),
		}},
		"usage": map[string]any{
			"prompt_tokens":     a.usage.PromptTokens,
			"completion_tokens": a.usage.CompletionTokens,
			"total_tokens":      a.usage.PromptTokens + a.usage.CompletionTokens,
		},
	})
}

// ClaudeJSON renders an Anthropic message document.
func (a *Accumulator) ClaudeJSON() ([]byte, error) {
	var content []map[string]any
	if text := a.content.String(); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, t := range a.sortedTools() {
		input := json.RawMessage(t.Args.String())
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    t.ID,
			"name":  t.Name,
			"input": input,
		})
	}
	if content == nil {
		content = []map[string]any{}
	}

	stop := "end_turn"
	switch a.finishReason() {
	case "tool_calls":
		stop = "tool_use"
	case "length":
		stop = "max_tokens"
	}

	return json.Marshal(map[string]any{
		"id":          a.id("msg_"),
		"type":        "message",
		"role":        "assistant",
		"model":       a.Model,
		"content":     content,
		"stop_reason": stop,
		"usage": map[string]any{
			"input_tokens":  a.usage.PromptTokens,
			"output_tokens": a.usage.CompletionTokens,
		},
	})
}

// ResponsesJSON renders an OpenAI Responses API document.
func (a *Accumulator) ResponsesJSON() ([]byte, error) {
	var output []map[string]any
	if text := a.content.String(); text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     "msg_" + uuid.NewString(),
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{
				{"type": "output_text", "text": text},
			},
		})
	}
	for _, t := range a.sortedTools() {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        "fc_" + uuid.NewString(),
			"call_id":   t.ID,
			"name":      t.Name,
			"arguments": t.Args.String(),
			"status":    "completed",
		})
	}
	if output == nil {
		output = []map[string]any{}
	}

	return json.Marshal(map[string]any{
		"id":         a.id("resp_"),
		"object":     "response",
		"created_at": a.created(),
		"status":     "completed",
		"model":      a.Model,
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  a.usage.PromptTokens,
			"output_tokens": a.usage.CompletionTokens,
			"total_tokens":  a.usage.PromptTokens + a.usage.CompletionTokens,
		},
	})
}

// OllamaJSON renders a final non-streaming Ollama message.
func (a *Accumulator) OllamaJSON() ([]byte, error) {
	msg := ollamaMessage{
		Model:           a.Model,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		Done:            true,
		DoneReason:      a.finishReason(),
		PromptEvalCount: a.usage.PromptTokens,
		EvalCount:       a.usage.CompletionTokens,
	}
	msg.Message.Role = "assistant"
	msg.Message.Content = a.content.String()
	return json.Marshal(msg)
}

// Render produces the final document in the requested client dialect.
func (a *Accumulator) Render(dialect translator.Format) ([]byte, error) {
	switch dialect {
	case translator.FormatOpenAIChat:
		return a.ChatJSON()
	case translator.FormatClaude:
		return a.ClaudeJSON()
	case translator.FormatOpenAIResponses:
		return a.ResponsesJSON()
	case translator.FormatOllama:
		return a.OllamaJSON()
	default:
		return nil, fmt.Errorf("cannot render %s document", dialect)
	}
}

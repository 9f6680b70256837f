package translator

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeToChatRequestBasic(t *testing.T) {
	body := []byte(`{
		"model": "ignored",
		"max_tokens": 512,
		"system": "be terse",
		"temperature": 0.3,
		"stop_sequences": ["END"],
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi"}]}
		]
	}`)

	out, err := ClaudeToChatRequest("gpt-4o", body, true, nil)
	require.NoError(t, err)

	var req ChatRequest
	require.NoError(t, json.Unmarshal(out, &req))

	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 512, *req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.3, *req.Temperature, 1e-9)
	assert.JSONEq(t, `["END"]`, string(req.Stop))

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Text())
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "hello", req.Messages[1].Text())
	assert.Equal(t, "assistant", req.Messages[2].Role)
	assert.Equal(t, "hi", req.Messages[2].Text())
}

func TestClaudeToChatRequestToolUse(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "12C"}
			]}
		],
		"tools": [{"name": "get_weather", "description": "weather lookup", "input_schema": {"type": "object"}}]
	}`)

	out, err := ClaudeToChatRequest("m", body, false, nil)
	require.NoError(t, err)

	var req ChatRequest
	require.NoError(t, json.Unmarshal(out, &req))

	require.Len(t, req.Messages, 2)
	asst := req.Messages[0]
	assert.Equal(t, "assistant", asst.Role)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "toolu_1", asst.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", asst.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, asst.ToolCalls[0].Function.Arguments)

	toolMsg := req.Messages[1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "toolu_1", toolMsg.ToolCallID)
	assert.Equal(t, "12C", toolMsg.Text())

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Function.Name)
}

func TestChatToClaudeRequestBasic(t *testing.T) {
	body := []byte(`{
		"model": "x",
		"messages": [
			{"role": "system", "content": "rules"},
			{"role": "user", "content": "question"},
			{"role": "assistant", "content": "answer", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "f", "arguments": "{\"a\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "result"}
		],
		"stop": "HALT"
	}`)

	out, err := ChatToClaudeRequest("claude-sonnet-4", body, true, nil)
	require.NoError(t, err)

	var req ClaudeRequest
	require.NoError(t, json.Unmarshal(out, &req))

	assert.Equal(t, "claude-sonnet-4", req.Model)
	assert.Equal(t, claudeDefaultMaxTokens, req.MaxTokens)
	assert.Equal(t, []string{"HALT"}, req.StopSequences)
	assert.Equal(t, "rules", flattenContent(req.System))

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)

	blocks, _ := claudeBlocks(req.Messages[1].Content)
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "answer", blocks[0].Text)
	assert.Equal(t, "tool_use", blocks[1].Type)
	assert.Equal(t, "call_1", blocks[1].ID)
	assert.JSONEq(t, `{"a":1}`, string(blocks[1].Input))

	blocks, _ = claudeBlocks(req.Messages[2].Content)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "call_1", blocks[0].ToolUseID)
}

func TestClaudeChunkToChatTextFlow(t *testing.T) {
	st := NewState("claude-sonnet-4")

	frames, err := ClaudeChunkToChat([]byte(`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10}}}`), st)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	var chunk ChatChunk
	require.NoError(t, json.Unmarshal(frames[0].Data, &chunk))
	assert.Equal(t, "msg_1", chunk.ID)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)

	frames, err = ClaudeChunkToChat([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`), st)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NoError(t, json.Unmarshal(frames[0].Data, &chunk))
	assert.Equal(t, "Hel", chunk.Choices[0].Delta.Content)

	frames, err = ClaudeChunkToChat([]byte(`{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":7}}`), st)
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = ClaudeChunkToChat([]byte(`{"type":"message_stop"}`), st)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NoError(t, json.Unmarshal(frames[0].Data, &chunk))
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "length", *chunk.Choices[0].FinishReason)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 10, chunk.Usage.PromptTokens)
	assert.Equal(t, 7, chunk.Usage.CompletionTokens)
	assert.Equal(t, 17, chunk.Usage.TotalTokens)
	assert.True(t, st.Done)
}

func TestClaudeChunkToChatToolUse(t *testing.T) {
	st := NewState("m")

	frames, err := ClaudeChunkToChat([]byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"search"}}`), st)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	var chunk ChatChunk
	require.NoError(t, json.Unmarshal(frames[0].Data, &chunk))
	require.Len(t, chunk.Choices[0].Delta.ToolCalls, 1)
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, "toolu_9", tc.ID)
	assert.Equal(t, "search", tc.Function.Name)

	frames, err = ClaudeChunkToChat([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`), st)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NoError(t, json.Unmarshal(frames[0].Data, &chunk))
	assert.Equal(t, `{"q":`, chunk.Choices[0].Delta.ToolCalls[0].Function.Arguments)
}

func TestClaudeChunkToChatIgnoresPing(t *testing.T) {
	st := NewState("m")
	frames, err := ClaudeChunkToChat([]byte(`{"type":"ping"}`), st)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestChatChunkToClaudeEventSequence(t *testing.T) {
	st := NewState("claude-sonnet-4")

	frames, err := ChatChunkToClaude([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`), st)
	require.NoError(t, err)
	// message_start, content_block_start, content_block_delta.
	require.Len(t, frames, 3)
	assert.Equal(t, "message_start", frames[0].Event)
	assert.Equal(t, "content_block_start", frames[1].Event)
	assert.Equal(t, "content_block_delta", frames[2].Event)

	frames, err = ChatChunkToClaude([]byte(`{"choices":[{"index":0,"delta":{"content":" there"}}]}`), st)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "content_block_delta", frames[0].Event)

	finish := `{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`
	frames, err = ChatChunkToClaude([]byte(finish), st)
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = FlushClaude(st)
	require.NoError(t, err)
	// content_block_stop, message_delta, message_stop.
	require.Len(t, frames, 3)
	assert.Equal(t, "content_block_stop", frames[0].Event)
	assert.Equal(t, "message_delta", frames[1].Event)
	assert.Equal(t, "message_stop", frames[2].Event)

	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage map[string]int `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &delta))
	assert.Equal(t, "end_turn", delta.Delta.StopReason)
	assert.Equal(t, 3, delta.Usage["input_tokens"])
	assert.Equal(t, 2, delta.Usage["output_tokens"])
	assert.True(t, st.Done)
}

func TestChatChunkToClaudeToolCallBlocks(t *testing.T) {
	st := NewState("m")

	text := `{"choices":[{"index":0,"delta":{"content":"let me check"}}]}`
	_, err := ChatChunkToClaude([]byte(text), st)
	require.NoError(t, err)

	tool := `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_7","type":"function","function":{"name":"lookup"}}]}}]}`
	frames, err := ChatChunkToClaude([]byte(tool), st)
	require.NoError(t, err)
	// Closes the text block, opens a tool_use block.
	require.Len(t, frames, 2)
	assert.Equal(t, "content_block_stop", frames[0].Event)
	assert.Equal(t, "content_block_start", frames[1].Event)

	var start struct {
		Index int `json:"index"`
		Block struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &start))
	assert.Equal(t, 1, start.Index)
	assert.Equal(t, "tool_use", start.Block.Type)
	assert.Equal(t, "call_7", start.Block.ID)
	assert.Equal(t, "lookup", start.Block.Name)

	args := `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}},{"index":0,"function":{"arguments":""}}]},"finish_reason":"tool_calls"}]}`
	frames, err = ChatChunkToClaude([]byte(args), st)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "content_block_delta", frames[0].Event)

	frames, err = FlushClaude(st)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &delta))
	assert.Equal(t, "tool_use", delta.Delta.StopReason)
}

func TestFlushClaudeWithoutStart(t *testing.T) {
	frames, err := FlushClaude(NewState("m"))
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestStopReasonMappings(t *testing.T) {
	assert.Equal(t, "stop", claudeStopToFinish("end_turn"))
	assert.Equal(t, "stop", claudeStopToFinish("stop_sequence"))
	assert.Equal(t, "length", claudeStopToFinish("max_tokens"))
	assert.Equal(t, "tool_calls", claudeStopToFinish("tool_use"))
	assert.Equal(t, "stop", claudeStopToFinish("mystery"))

	assert.Equal(t, "end_turn", finishToClaudeStop("stop"))
	assert.Equal(t, "max_tokens", finishToClaudeStop("length"))
	assert.Equal(t, "tool_use", finishToClaudeStop("tool_calls"))
	assert.Equal(t, "end_turn", finishToClaudeStop("mystery"))
}

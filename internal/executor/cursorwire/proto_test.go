package cursorwire

import (
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestNormalizeToolName(t *testing.T) {
	cases := map[string]string{
		"read_file":     "mcp_custom_read_file",
		"mcp_search":    "mcp_search",
		"mcp_custom_ls": "mcp_custom_ls",
	}
	for in, want := range cases {
		if got := NormalizeToolName(in); got != want {
			t.Errorf("NormalizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitToolCallID(t *testing.T) {
	ext, internal := SplitToolCallID("call_abc" + ToolCallDelimiter + "xyz")
	if ext != "call_abc" || internal != "xyz" {
		t.Errorf("SplitToolCallID() = (%q, %q)", ext, internal)
	}

	ext, internal = SplitToolCallID("call_plain")
	if ext != "call_plain" || internal != "" {
		t.Errorf("SplitToolCallID(no delimiter) = (%q, %q)", ext, internal)
	}
}

func TestEncodeRequestWrapper(t *testing.T) {
	req := &ChatRequest{
		Model:          "claude-4-sonnet",
		ConversationID: "conv-1",
		Messages: []ChatMessage{
			{Content: "hi there", Role: RoleUser, MessageID: "m1"},
			{Content: "hello", Role: RoleAI, MessageID: "m2"},
		},
		MessageIDs: []string{"m1", "m2"},
		MCPTools: []MCPTool{
			{Name: "mcp_custom_read", Description: "reads", Parameters: "{}"},
		},
		ShouldDisableTool: false,
	}
	wrapper := EncodeRequest(req)

	// Wrapper field 1 holds the request message.
	inner, err := DecodeRequestField(wrapper, 1)
	if err != nil {
		t.Fatalf("decode wrapper: %v", err)
	}
	if len(inner) != 1 {
		t.Fatalf("wrapper field 1 count = %d", len(inner))
	}

	msgs, err := DecodeRequestField(inner[0], 1)
	if err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("message count = %d, want 2", len(msgs))
	}

	model, err := DecodeRequestField(inner[0], 5)
	if err != nil || len(model) != 1 {
		t.Fatalf("model field: %v (%d)", err, len(model))
	}
	name, err := DecodeRequestField(model[0], 1)
	if err != nil || len(name) != 1 || string(name[0]) != "claude-4-sonnet" {
		t.Errorf("model name = %q", name)
	}

	conv, err := DecodeRequestField(inner[0], 23)
	if err != nil || len(conv) != 1 || string(conv[0]) != "conv-1" {
		t.Errorf("conversation id field = %q", conv)
	}

	tools, err := DecodeRequestField(inner[0], 34)
	if err != nil || len(tools) != 1 {
		t.Fatalf("mcp tools field: %v (%d)", err, len(tools))
	}
	toolName, err := DecodeRequestField(tools[0], 1)
	if err != nil || len(toolName) != 1 || string(toolName[0]) != "mcp_custom_read" {
		t.Errorf("tool name = %q", toolName)
	}
}

func buildResponsePayload(text, thinking string, tc *ToolCall) []byte {
	var resp []byte
	if tc != nil {
		var params []byte
		params = protowire.AppendTag(params, 1, protowire.BytesType)
		params = protowire.AppendString(params, tc.Name)
		params = protowire.AppendTag(params, 2, protowire.BytesType)
		params = protowire.AppendString(params, tc.ArgsJSON)

		var call []byte
		call = protowire.AppendTag(call, 2, protowire.BytesType)
		call = protowire.AppendString(call, tc.RawID)
		call = protowire.AppendTag(call, 9, protowire.BytesType)
		call = protowire.AppendBytes(call, params)

		resp = protowire.AppendTag(resp, 1, protowire.BytesType)
		resp = protowire.AppendBytes(resp, call)
	}

	var body []byte
	if text != "" {
		body = protowire.AppendTag(body, 1, protowire.BytesType)
		body = protowire.AppendString(body, text)
	}
	if thinking != "" {
		var think []byte
		think = protowire.AppendTag(think, 1, protowire.BytesType)
		think = protowire.AppendString(think, thinking)
		body = protowire.AppendTag(body, 25, protowire.BytesType)
		body = protowire.AppendBytes(body, think)
	}
	if len(body) > 0 {
		resp = protowire.AppendTag(resp, 2, protowire.BytesType)
		resp = protowire.AppendBytes(resp, body)
	}
	return resp
}

func TestDecodeResponseText(t *testing.T) {
	payload := buildResponsePayload("partial text", "", nil)
	resp, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if resp.Text != "partial text" || resp.Thinking != "" || resp.ToolCall != nil {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDecodeResponseThinking(t *testing.T) {
	payload := buildResponsePayload("", "pondering...", nil)
	resp, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if resp.Thinking != "pondering..." {
		t.Errorf("thinking = %q", resp.Thinking)
	}
}

func TestDecodeResponseToolCall(t *testing.T) {
	raw := "call_1" + ToolCallDelimiter + "internal"
	payload := buildResponsePayload("", "", &ToolCall{
		RawID:    raw,
		Name:     "mcp_custom_search",
		ArgsJSON: `{"query":"go"}`,
	})
	resp, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if resp.ToolCall == nil {
		t.Fatal("tool call missing")
	}
	if resp.ToolCall.Name != "mcp_custom_search" || resp.ToolCall.ArgsJSON != `{"query":"go"}` {
		t.Errorf("tool call = %+v", resp.ToolCall)
	}
	ext, _ := SplitToolCallID(resp.ToolCall.RawID)
	if ext != "call_1" {
		t.Errorf("external id = %q", ext)
	}
}

func TestDecodeResponseEmpty(t *testing.T) {
	resp, err := DecodeResponse(nil)
	if err != nil {
		t.Fatalf("DecodeResponse(nil) error = %v", err)
	}
	if resp.Text != "" || resp.ToolCall != nil {
		t.Errorf("resp = %+v", resp)
	}
}

func TestToolCallDelimiterValue(t *testing.T) {
	if !strings.HasPrefix(ToolCallDelimiter, "\n") {
		t.Error("delimiter must start with a newline to survive model output")
	}
}

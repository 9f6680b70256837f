package cursorwire

import (
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frozen field numbers of the StreamUnifiedChat RPC. Only the fields the
// gateway reads or writes are modelled.

// Message roles.
const (
	RoleUser int32 = 1
	RoleAI   int32 = 2
)

// ToolCallDelimiter splits the externally visible tool-call ID from the
// model-internal one.
const ToolCallDelimiter = "\nmc_"

// MCPToolPrefix is required on tool names crossing the Cursor boundary.
const MCPToolPrefix = "mcp_"

// ChatMessage is one conversation turn inside the request.
type ChatMessage struct {
	Content        string // field 1
	Role           int32  // field 2
	MessageID      string // field 13
	ToolResultJSON string // field 18, serialized tool result
	IsAgentic      bool   // field 29
	ServerBubbleID string // field 32
	UnifiedMode    int32  // field 47
	SupportedTools []int32
}

// MCPTool is one tool declaration (request field 34).
type MCPTool struct {
	Name        string // field 1
	Description string // field 2
	Parameters  string // field 3, JSON schema
}

// ChatRequest is the StreamUnifiedChatRequest (wrapper field 1).
type ChatRequest struct {
	Messages          []ChatMessage // field 1
	Model             string        // field 5, nested message {1: name}
	ConversationID    string        // field 23
	IsAgentic         bool          // field 27
	SupportedTools    []int32       // field 29
	MessageIDs        []string      // field 30
	MCPTools          []MCPTool     // field 34
	LargeContext      bool          // field 35
	UnifiedMode       int32         // field 46
	ShouldDisableTool bool          // field 48
	ThinkingLevel     int32         // field 49
	UnifiedModeName   string        // field 54
}

// NormalizeToolName rewrites names without the mcp_ prefix to
// mcp_custom_{name}.
func NormalizeToolName(name string) string {
	if strings.HasPrefix(name, MCPToolPrefix) {
		return name
	}
	return MCPToolPrefix + "custom_" + name
}

// SplitToolCallID separates the external tool-call ID from the model-internal
// suffix.
func SplitToolCallID(raw string) (external, internal string) {
	if i := strings.Index(raw, ToolCallDelimiter); i >= 0 {
		return raw[:i], raw[i+len(ToolCallDelimiter):]
	}
	return raw, ""
}

// EncodeRequest serializes the StreamUnifiedChatRequestWithTools wrapper
// (field 1 = request).
func EncodeRequest(req *ChatRequest) []byte {
	inner := encodeChatRequest(req)
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendBytes(out, inner)
	return out
}

func encodeChatRequest(req *ChatRequest) []byte {
	var out []byte
	for i := range req.Messages {
		msg := encodeMessage(&req.Messages[i])
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	if req.Model != "" {
		var model []byte
		model = protowire.AppendTag(model, 1, protowire.BytesType)
		model = protowire.AppendString(model, req.Model)
		out = protowire.AppendTag(out, 5, protowire.BytesType)
		out = protowire.AppendBytes(out, model)
	}
	if req.ConversationID != "" {
		out = protowire.AppendTag(out, 23, protowire.BytesType)
		out = protowire.AppendString(out, req.ConversationID)
	}
	if req.IsAgentic {
		out = protowire.AppendTag(out, 27, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
	}
	for _, tool := range req.SupportedTools {
		out = protowire.AppendTag(out, 29, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(tool))
	}
	for _, id := range req.MessageIDs {
		out = protowire.AppendTag(out, 30, protowire.BytesType)
		out = protowire.AppendString(out, id)
	}
	for i := range req.MCPTools {
		tool := encodeMCPTool(&req.MCPTools[i])
		out = protowire.AppendTag(out, 34, protowire.BytesType)
		out = protowire.AppendBytes(out, tool)
	}
	if req.LargeContext {
		out = protowire.AppendTag(out, 35, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
	}
	if req.UnifiedMode != 0 {
		out = protowire.AppendTag(out, 46, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(req.UnifiedMode))
	}
	if req.ShouldDisableTool {
		out = protowire.AppendTag(out, 48, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
	}
	if req.ThinkingLevel != 0 {
		out = protowire.AppendTag(out, 49, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(req.ThinkingLevel))
	}
	if req.UnifiedModeName != "" {
		out = protowire.AppendTag(out, 54, protowire.BytesType)
		out = protowire.AppendString(out, req.UnifiedModeName)
	}
	return out
}

func encodeMessage(msg *ChatMessage) []byte {
	var out []byte
	if msg.Content != "" {
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendString(out, msg.Content)
	}
	out = protowire.AppendTag(out, 2, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(msg.Role))
	if msg.MessageID != "" {
		out = protowire.AppendTag(out, 13, protowire.BytesType)
		out = protowire.AppendString(out, msg.MessageID)
	}
	if msg.ToolResultJSON != "" {
		out = protowire.AppendTag(out, 18, protowire.BytesType)
		out = protowire.AppendString(out, msg.ToolResultJSON)
	}
	if msg.IsAgentic {
		out = protowire.AppendTag(out, 29, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
	}
	if msg.ServerBubbleID != "" {
		out = protowire.AppendTag(out, 32, protowire.BytesType)
		out = protowire.AppendString(out, msg.ServerBubbleID)
	}
	if msg.UnifiedMode != 0 {
		out = protowire.AppendTag(out, 47, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(msg.UnifiedMode))
	}
	for _, tool := range msg.SupportedTools {
		out = protowire.AppendTag(out, 51, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(tool))
	}
	return out
}

func encodeMCPTool(tool *MCPTool) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, tool.Name)
	if tool.Description != "" {
		out = protowire.AppendTag(out, 2, protowire.BytesType)
		out = protowire.AppendString(out, tool.Description)
	}
	if tool.Parameters != "" {
		out = protowire.AppendTag(out, 3, protowire.BytesType)
		out = protowire.AppendString(out, tool.Parameters)
	}
	return out
}

// ToolCall is a decoded ClientSideToolV2Call (response field 1).
type ToolCall struct {
	RawID    string
	Name     string
	ArgsJSON string
}

// ChatResponse is one decoded StreamUnifiedChatResponse payload.
type ChatResponse struct {
	Text     string    // response field 2, inner field 1
	Thinking string    // response field 2, inner field 25 (text at field 1)
	ToolCall *ToolCall // response field 1
}

// DecodeResponse parses a response frame payload.
func DecodeResponse(payload []byte) (*ChatResponse, error) {
	out := &ChatResponse{}
	if err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			tc, err := decodeToolCall(val)
			if err != nil {
				return err
			}
			out.ToolCall = tc
		case num == 2 && typ == protowire.BytesType:
			return walkFields(val, func(num protowire.Number, typ protowire.Type, val []byte) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					out.Text += string(val)
				case num == 25 && typ == protowire.BytesType:
					// Thinking block: text at field 1.
					return walkFields(val, func(num protowire.Number, typ protowire.Type, val []byte) error {
						if num == 1 && typ == protowire.BytesType {
							out.Thinking += string(val)
						}
						return nil
					})
				}
				return nil
			})
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeToolCall(payload []byte) (*ToolCall, error) {
	tc := &ToolCall{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 2:
			tc.RawID = string(val)
		case 9:
			// MCP params: name at 1, serialized args at 2.
			return walkFields(val, func(num protowire.Number, typ protowire.Type, val []byte) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case 1:
					tc.Name = string(val)
				case 2:
					tc.ArgsJSON = string(val)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// walkFields iterates the top-level fields of a message, passing bytes-typed
// values unwrapped. Varint and fixed fields are delivered with their raw
// encoding consumed but val nil unless bytes-typed.
func walkFields(payload []byte, fn func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		payload = payload[n:]

		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, val); err != nil {
				return err
			}
			payload = payload[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			var enc []byte
			enc = protowire.AppendVarint(enc, v)
			if err := fn(num, typ, enc); err != nil {
				return err
			}
			payload = payload[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil); err != nil {
				return err
			}
			payload = payload[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil); err != nil {
				return err
			}
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = payload[n:]
		}
	}
	return nil
}

// DecodeRequestField returns the raw bytes of one top-level field of an
// encoded wrapper. Used by tests to assert frozen field numbers.
func DecodeRequestField(payload []byte, field protowire.Number) ([][]byte, error) {
	var out [][]byte
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num == field && typ == protowire.BytesType {
			out = append(out, val)
		}
		return nil
	})
	return out, err
}

// Package translator converts request bodies and streaming response chunks
// between wire dialects. Translators are pure; all per-stream bookkeeping
// lives in a State value owned by the stream consumer.
package translator

import (
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/polyrelay/polyrelay/internal/store"
)

// Format names a wire dialect for requests and responses.
type Format string

const (
	FormatOpenAIChat      Format = "openai-chat"
	FormatOpenAIResponses Format = "openai-responses"
	FormatClaude          Format = "claude"
	FormatGemini          Format = "gemini"
	FormatOllama          Format = "ollama"
	FormatCursor          Format = "cursor"
)

// Frame is one translated output unit. Event is empty for plain `data:`
// frames and set for Claude/Responses `event:` framing.
type Frame struct {
	Event string
	Data  []byte
}

// RequestBuilder converts a client-dialect request body into the target wire
// body.
type RequestBuilder func(model string, body []byte, stream bool, conn *store.ProviderConnection) ([]byte, error)

// ResponseBuilder converts one parsed upstream chunk into zero or more
// client-dialect frames. A nil/empty result means the chunk carried nothing
// observable.
type ResponseBuilder func(chunk []byte, st *State) ([]Frame, error)

// Flusher emits trailing frames when the upstream stream ends.
type Flusher func(st *State) ([]Frame, error)

// Translator is a direction-specific pair of request and response builders.
// Either slot may be nil when only one direction is needed.
type Translator struct {
	Request  RequestBuilder
	Response ResponseBuilder
	Flush    Flusher
}

type edge struct{ from, to Format }

// Registry holds the (from, to) translator graph.
type Registry struct {
	mu    sync.RWMutex
	edges map[edge]*Translator
}

// NewRegistry returns a registry preloaded with every built-in edge.
func NewRegistry() *Registry {
	r := &Registry{edges: map[edge]*Translator{}}
	registerBuiltins(r)
	return r
}

// Register installs a translator for the given direction.
func (r *Registry) Register(from, to Format, t *Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[edge{from, to}] = t
}

// Lookup returns the translator for (from, to). Identical formats resolve to
// the passthrough translator.
func (r *Registry) Lookup(from, to Format) (*Translator, error) {
	if from == to {
		return passthrough, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.edges[edge{from, to}]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("no translator from %s to %s", from, to)
}

// passthrough copies bodies and chunks verbatim.
var passthrough = &Translator{
	Request: func(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
		return body, nil
	},
	Response: func(chunk []byte, _ *State) ([]Frame, error) {
		return []Frame{{Data: chunk}}, nil
	},
}

func registerBuiltins(r *Registry) {
	r.Register(FormatClaude, FormatOpenAIChat, &Translator{
		Request:  ClaudeToChatRequest,
		Response: ClaudeChunkToChat,
	})
	r.Register(FormatOpenAIChat, FormatClaude, &Translator{
		Request:  ChatToClaudeRequest,
		Response: ChatChunkToClaude,
		Flush:    FlushClaude,
	})
	r.Register(FormatOpenAIChat, FormatOpenAIResponses, &Translator{
		Request:  ChatToResponsesRequest,
		Response: ChatChunkToResponses,
		Flush:    FlushResponses,
	})
	r.Register(FormatOpenAIResponses, FormatOpenAIChat, &Translator{
		Request:  ResponsesToChatRequest,
		Response: ResponsesChunkToChat,
	})
	r.Register(FormatOpenAIChat, FormatGemini, &Translator{
		Request: ChatToGeminiRequest,
	})
	r.Register(FormatGemini, FormatOpenAIChat, &Translator{
		Response: GeminiChunkToChat,
	})
	r.Register(FormatOpenAIChat, FormatCursor, &Translator{
		Request: ChatToCursorRequest,
	})
	r.Register(FormatOllama, FormatOpenAIChat, &Translator{
		Request: OllamaToChatRequest,
	})
}

// toolCallBuf accumulates a streaming tool call at one choice index.
type toolCallBuf struct {
	ID   string
	Name string
	Args string
}

// Usage is the dialect-neutral token accounting accumulated per stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// State is the per-stream mutable translator state. One State is created when
// a request enters the engine and destroyed when the response is flushed.
type State struct {
	Model   string
	ID      string
	Created int64

	// Claude SSE emission bookkeeping.
	messageStarted bool
	blockOpen      bool
	blockIsTool    bool
	blockIndex     int
	stopReason     string

	// Responses SSE emission bookkeeping.
	responseCreated bool
	itemOpen        bool
	itemIndex       int

	toolCalls map[int]*toolCallBuf

	Usage        Usage
	FinishReason string
	Done         bool
}

// NewState seeds the per-stream state with the client-visible model name.
func NewState(model string) *State {
	return &State{Model: model, toolCalls: map[int]*toolCallBuf{}}
}

func (st *State) tool(index int) *toolCallBuf {
	if st.toolCalls == nil {
		st.toolCalls = map[int]*toolCallBuf{}
	}
	b, ok := st.toolCalls[index]
	if !ok {
		b = &toolCallBuf{}
		st.toolCalls[index] = b
	}
	return b
}

func marshalFrame(event string, v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// Package executor implements the per-provider upstream adapters: URL and
// header construction, request signing, token refresh, and response
// post-processing.
package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
)

// refreshWindow is the default proactive-refresh margin before expiry.
const refreshWindow = 5 * time.Minute

// Request is one upstream invocation. Body is already translated into the
// executor's wire dialect.
type Request struct {
	Model  string
	Body   []byte
	Stream bool
	Conn   *store.ProviderConnection
	Log    *logrus.Entry
}

// Response is the in-memory upstream envelope handed to the streaming pipe.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	URL    string

	// WireFormat is the dialect of the response byte stream. Executors that
	// post-process (Cursor, GitHub Codex rerouting) may return a different
	// format than their request dialect.
	WireFormat translator.Format

	// RetryAfterMs carries a provider-parsed cooldown hint (Antigravity
	// quota messages, Retry-After headers). Zero when absent.
	RetryAfterMs int64
}

// Executor is the provider adapter contract.
type Executor interface {
	Provider() string

	// RequestFormat is the wire dialect Execute expects in Request.Body.
	RequestFormat() translator.Format

	Execute(ctx context.Context, req *Request) (*Response, error)

	// NeedsRefresh reports whether credentials should be refreshed before
	// use.
	NeedsRefresh(conn *store.ProviderConnection) bool

	// RefreshCredentials returns the changed fields to merge into the
	// connection record, or an error when the credential is dead.
	RefreshCredentials(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (map[string]any, error)
}

// defaultNeedsRefresh is the shared expiry check: refresh when the token
// expires within the window. API-key connections never refresh.
func defaultNeedsRefresh(conn *store.ProviderConnection) bool {
	if conn.AuthType != store.AuthTypeOAuth {
		return false
	}
	if conn.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(conn.ExpiresAt) < refreshWindow
}

// Registry resolves provider tags to executors. Known providers are
// registered at startup; openai-compatible-* and anthropic-compatible-*
// instances are built lazily per full tag.
type Registry struct {
	mu      sync.RWMutex
	execs   map[string]Executor
	runtime *Runtime
}

// NewRegistry builds the registry with every built-in executor wired to the
// shared runtime.
func NewRegistry(rt *Runtime) *Registry {
	r := &Registry{execs: map[string]Executor{}, runtime: rt}

	for _, e := range []Executor{
		newOpenAIStyle("openai", "https://api.openai.com/v1"),
		newAnthropicStyle("anthropic", "https://api.anthropic.com/v1"),
		newOpenRouter(),
		newOpenAIStyle("glm", "https://open.bigmodel.cn/api/paas/v4"),
		newOpenAIStyle("kimi", "https://api.moonshot.cn/v1"),
		newOpenAIStyle("minimax", "https://api.minimax.io/v1"),
		NewGitHubExecutor(rt),
		NewCursorExecutor(),
		NewCodexExecutor(),
		NewAntigravityExecutor("antigravity", rt),
		NewAntigravityExecutor("gemini-cli", rt),
		NewAntigravityExecutor("gemini", rt),
		NewIFlowExecutor(),
		NewKiroExecutor(),
		NewQwenExecutor(),
		NewClaudeCodeExecutor(),
	} {
		r.execs[e.Provider()] = e
	}
	return r
}

// Get returns the executor for a provider tag.
func (r *Registry) Get(provider string) (Executor, error) {
	r.mu.RLock()
	e, ok := r.execs[provider]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	switch {
	case strings.HasPrefix(provider, "openai-compatible-"):
		e = newOpenAICompatible(provider)
	case strings.HasPrefix(provider, "anthropic-compatible-"):
		e = newAnthropicCompatible(provider)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.execs[provider]; ok {
		return existing, nil
	}
	r.execs[provider] = e
	return e, nil
}

// Runtime returns the shared provider runtime.
func (r *Registry) Runtime() *Runtime { return r.runtime }

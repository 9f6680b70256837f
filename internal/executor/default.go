package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
)

// sharedClient carries no client-level timeout; per-attempt deadlines come in
// through the request context so streams are not cut off mid-flight.
var sharedClient = &http.Client{}

// DefaultExecutor covers OpenAI-style and Anthropic-style API-key providers.
// Specialized executors embed or wrap it for URL and header reuse.
type DefaultExecutor struct {
	provider string
	baseURL  string
	chatPath string
	format   translator.Format

	// headers decorates the outgoing request after the defaults are set.
	headers func(req *http.Request, conn *store.ProviderConnection)

	// oauth enables Bearer-token auth plus refresh through the given
	// endpoint instead of static API keys.
	oauth *oauthEndpoint
}

type oauthEndpoint struct {
	tokenURL string
	clientID string
	scope    string
}

func newOpenAIStyle(provider, baseURL string) *DefaultExecutor {
	return &DefaultExecutor{
		provider: provider,
		baseURL:  baseURL,
		chatPath: "/chat/completions",
		format:   translator.FormatOpenAIChat,
	}
}

func newAnthropicStyle(provider, baseURL string) *DefaultExecutor {
	return &DefaultExecutor{
		provider: provider,
		baseURL:  baseURL,
		chatPath: "/messages",
		format:   translator.FormatClaude,
		headers: func(req *http.Request, conn *store.ProviderConnection) {
			req.Header.Del("Authorization")
			req.Header.Set("x-api-key", conn.APIKey)
			req.Header.Set("anthropic-version", "2023-06-01")
		},
	}
}

func newOpenRouter() *DefaultExecutor {
	e := newOpenAIStyle("openrouter", "https://openrouter.ai/api/v1")
	e.headers = func(req *http.Request, _ *store.ProviderConnection) {
		req.Header.Set("HTTP-Referer", "https://github.com/polyrelay/polyrelay")
		req.Header.Set("X-Title", "polyrelay")
	}
	return e
}

// newOpenAICompatible serves openai-compatible-* connections whose base URL
// lives in providerSpecificData.
func newOpenAICompatible(provider string) *DefaultExecutor {
	e := newOpenAIStyle(provider, "")
	return e
}

func newAnthropicCompatible(provider string) *DefaultExecutor {
	e := newAnthropicStyle(provider, "")
	return e
}

// NewClaudeCodeExecutor proxies Claude Code OAuth accounts against the
// Anthropic API.
func NewClaudeCodeExecutor() *DefaultExecutor {
	return &DefaultExecutor{
		provider: "claude-code",
		baseURL:  "https://api.anthropic.com/v1",
		chatPath: "/messages",
		format:   translator.FormatClaude,
		headers: func(req *http.Request, conn *store.ProviderConnection) {
			req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
			req.Header.Set("anthropic-version", "2023-06-01")
			req.Header.Set("anthropic-beta", "oauth-2025-04-20")
		},
		oauth: &oauthEndpoint{
			tokenURL: "https://console.anthropic.com/v1/oauth/token",
			clientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		},
	}
}

// NewQwenExecutor proxies Qwen Code OAuth accounts against the DashScope
// OpenAI-compatible surface.
func NewQwenExecutor() *DefaultExecutor {
	return &DefaultExecutor{
		provider: "qwen-code",
		baseURL:  "https://dashscope.aliyuncs.com/compatible-mode/v1",
		chatPath: "/chat/completions",
		format:   translator.FormatOpenAIChat,
		headers: func(req *http.Request, conn *store.ProviderConnection) {
			req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
		},
		oauth: &oauthEndpoint{
			tokenURL: "https://chat.qwen.ai/api/v1/oauth2/token",
			clientID: "f0304373b74a44d2b584a3fb70ca9e56",
			scope:    "openid profile email model.completion",
		},
	}
}

func (e *DefaultExecutor) Provider() string { return e.provider }

func (e *DefaultExecutor) RequestFormat() translator.Format { return e.format }

// resolveBaseURL prefers the connection's configured base URL, falling back
// to the executor default.
func (e *DefaultExecutor) resolveBaseURL(conn *store.ProviderConnection) string {
	if base := conn.SpecificString("baseUrl"); base != "" {
		return strings.TrimRight(base, "/")
	}
	return e.baseURL
}

// BuildURL returns the chat endpoint for this provider.
func (e *DefaultExecutor) BuildURL(conn *store.ProviderConnection) (string, error) {
	base := e.resolveBaseURL(conn)
	if base == "" {
		return "", fmt.Errorf("provider %s: no base URL configured", e.provider)
	}
	return base + e.chatPath, nil
}

// EmbeddingsURL returns the embeddings endpoint; only OpenAI-style providers
// support it.
func (e *DefaultExecutor) EmbeddingsURL(conn *store.ProviderConnection) (string, error) {
	if e.format != translator.FormatOpenAIChat {
		return "", fmt.Errorf("provider %s does not support embeddings", e.provider)
	}
	base := e.resolveBaseURL(conn)
	if base == "" {
		return "", fmt.Errorf("provider %s: no base URL configured", e.provider)
	}
	return base + "/embeddings", nil
}

func (e *DefaultExecutor) applyHeaders(req *http.Request, conn *store.ProviderConnection, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if conn.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+conn.APIKey)
	} else if conn.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	}
	if e.headers != nil {
		e.headers(req, conn)
	}
}

func (e *DefaultExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	endpoint, err := e.BuildURL(r.Conn)
	if err != nil {
		return nil, err
	}
	return e.post(ctx, endpoint, r)
}

// ExecuteEmbeddings forwards an embeddings body unchanged.
func (e *DefaultExecutor) ExecuteEmbeddings(ctx context.Context, r *Request) (*Response, error) {
	endpoint, err := e.EmbeddingsURL(r.Conn)
	if err != nil {
		return nil, err
	}
	return e.post(ctx, endpoint, r)
}

func (e *DefaultExecutor) post(ctx context.Context, endpoint string, r *Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	e.applyHeaders(req, r.Conn, r.Stream)

	resp, err := sharedClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", e.provider, err)
	}
	return &Response{
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		URL:          endpoint,
		WireFormat:   e.format,
		RetryAfterMs: retryAfterFromHeader(resp.Header),
	}, nil
}

func (e *DefaultExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	if e.oauth == nil {
		return false
	}
	return defaultNeedsRefresh(conn)
}

// RefreshCredentials runs a standard refresh grant against the provider's
// token endpoint. golang.org/x/oauth2 handles the wire exchange.
func (e *DefaultExecutor) RefreshCredentials(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (map[string]any, error) {
	if e.oauth == nil {
		return nil, fmt.Errorf("provider %s does not refresh credentials", e.provider)
	}
	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("provider %s: no refresh token", e.provider)
	}

	cfg := &oauth2.Config{
		ClientID: e.oauth.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: e.oauth.tokenURL},
	}
	if e.oauth.scope != "" {
		cfg.Scopes = strings.Fields(e.oauth.scope)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", e.provider, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh %s token: empty access token", e.provider)
	}

	log.Infof("✅ refreshed %s token, expires %s", e.provider, tok.Expiry.Format(time.RFC3339))

	fields := map[string]any{
		"accessToken": tok.AccessToken,
		"expiresAt":   tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != conn.RefreshToken {
		fields["refreshToken"] = tok.RefreshToken
	}
	return fields, nil
}

const refreshTimeout = 20 * time.Second

// retryAfterFromHeader converts a Retry-After header into milliseconds.
func retryAfterFromHeader(h http.Header) int64 {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs.Milliseconds()
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t).Milliseconds()
	}
	return 0
}

// postJSON is a helper shared by the specialized executors.
func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, decorate func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	return client.Do(req)
}

// postForm is a helper for OAuth token endpoints.
func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return client.Do(req)
}

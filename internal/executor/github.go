package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
)

const (
	githubCopilotTokenURL = "https://api.github.com/copilot_internal/v2/token"
	githubOAuthTokenURL   = "https://github.com/login/oauth/access_token"
	githubOAuthClientID   = "Iv1.b507a08c87ecfe98"
	githubDefaultAPIBase  = "https://api.individual.githubcopilot.com"

	// codexRerouteMarker is the literal 400 body fragment that flags a
	// /responses-only model.
	codexRerouteMarker = "not accessible via the /chat/completions endpoint"
)

// GitHubExecutor routes GitHub Copilot traffic. Copilot models answer on
// /chat/completions; Codex-family models reject that endpoint with a 400 and
// are remembered in the runtime so later calls go straight to /responses.
type GitHubExecutor struct {
	rt     *Runtime
	client *http.Client
}

// NewGitHubExecutor wires the executor to the shared runtime.
func NewGitHubExecutor(rt *Runtime) *GitHubExecutor {
	return &GitHubExecutor{rt: rt, client: sharedClient}
}

func (e *GitHubExecutor) Provider() string { return "github" }

func (e *GitHubExecutor) RequestFormat() translator.Format { return translator.FormatOpenAIChat }

func (e *GitHubExecutor) baseURL(conn *store.ProviderConnection) string {
	if base := conn.SpecificString("baseUrl"); base != "" {
		return strings.TrimRight(base, "/")
	}
	return githubDefaultAPIBase
}

func (e *GitHubExecutor) applyHeaders(req *http.Request, conn *store.ProviderConnection, stream bool) {
	req.Header.Set("Authorization", "Bearer "+conn.SpecificString("copilotToken"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Editor-Version", "vscode/1.99.0")
	req.Header.Set("Editor-Plugin-Version", "copilot-chat/0.26.0")
	req.Header.Set("Copilot-Integration-Id", "vscode-chat")
	req.Header.Set("Openai-Intent", "conversation-panel")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func (e *GitHubExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	body, err := sanitizeGitHubBody(r.Body)
	if err != nil {
		return nil, err
	}

	if e.rt.KnownCodexModel(r.Model) {
		return e.executeResponses(ctx, r, body)
	}

	endpoint := e.baseURL(r.Conn) + "/chat/completions"
	resp, err := postJSON(ctx, e.client, endpoint, body, func(req *http.Request) {
		e.applyHeaders(req, r.Conn, r.Stream)
	})
	if err != nil {
		return nil, fmt.Errorf("github upstream: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		peek, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if strings.Contains(string(peek), codexRerouteMarker) {
			r.Log.Infof("🔀 model %s is /responses-only, rerouting", r.Model)
			e.rt.MarkCodexModel(r.Model)
			return e.executeResponses(ctx, r, body)
		}
		return &Response{
			Status:     resp.StatusCode,
			Header:     resp.Header,
			Body:       io.NopCloser(strings.NewReader(string(peek))),
			URL:        endpoint,
			WireFormat: translator.FormatOpenAIChat,
		}, nil
	}

	return &Response{
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		URL:          endpoint,
		WireFormat:   translator.FormatOpenAIChat,
		RetryAfterMs: retryAfterFromHeader(resp.Header),
	}, nil
}

// executeResponses reissues the chat request against /responses, translating
// the body. The returned stream keeps the Responses dialect; the pipe
// translates it back to whatever the client asked for.
func (e *GitHubExecutor) executeResponses(ctx context.Context, r *Request, chatBody []byte) (*Response, error) {
	wire, err := translator.ChatToResponsesRequest(r.Model, chatBody, true, r.Conn)
	if err != nil {
		return nil, fmt.Errorf("translate to responses: %w", err)
	}

	endpoint := e.baseURL(r.Conn) + "/responses"
	resp, err := postJSON(ctx, e.client, endpoint, wire, func(req *http.Request) {
		e.applyHeaders(req, r.Conn, true)
	})
	if err != nil {
		return nil, fmt.Errorf("github responses upstream: %w", err)
	}

	return &Response{
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		URL:          endpoint,
		WireFormat:   translator.FormatOpenAIResponses,
		RetryAfterMs: retryAfterFromHeader(resp.Header),
	}, nil
}

// NeedsRefresh triggers whenever the short-lived Copilot token is missing or
// about to expire, regardless of the GitHub token's own expiry.
func (e *GitHubExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	token := conn.SpecificString("copilotToken")
	if token == "" {
		return true
	}
	expiresAt := conn.SpecificInt64("copilotTokenExpiresAt")
	return time.UnixMilli(expiresAt).Before(time.Now().Add(refreshWindow))
}

// RefreshCredentials cascades: refresh the GitHub OAuth token first when it
// is stale, then mint a fresh Copilot token from it. Results merge
// field-wise; a partial result never clears the GitHub token.
func (e *GitHubExecutor) RefreshCredentials(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	fields := map[string]any{}
	githubToken := conn.AccessToken

	if defaultNeedsRefresh(conn) && conn.RefreshToken != "" {
		tok, err := e.refreshGitHubToken(ctx, conn)
		if err != nil {
			log.Warnf("⚠️ github token refresh failed, trying existing token: %v", err)
		} else {
			githubToken = tok.AccessToken
			fields["accessToken"] = tok.AccessToken
			if tok.RefreshToken != "" {
				fields["refreshToken"] = tok.RefreshToken
			}
			if tok.ExpiresIn > 0 {
				fields["expiresAt"] = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
			}
		}
	}
	if githubToken == "" {
		return nil, fmt.Errorf("github: no access token available")
	}

	copilot, err := e.fetchCopilotToken(ctx, githubToken)
	if err != nil {
		return nil, err
	}

	specific := map[string]any{}
	for k, v := range conn.ProviderSpecific {
		specific[k] = v
	}
	specific["copilotToken"] = copilot.Token
	specific["copilotTokenExpiresAt"] = copilot.ExpiresAt * 1000
	if copilot.Endpoints.API != "" {
		specific["baseUrl"] = copilot.Endpoints.API
	}
	fields["providerSpecific"] = specific

	log.Infof("✅ copilot token refreshed, expires %s", time.UnixMilli(copilot.ExpiresAt*1000).Format(time.RFC3339))
	return fields, nil
}

type githubTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

func (e *GitHubExecutor) refreshGitHubToken(ctx context.Context, conn *store.ProviderConnection) (*githubTokenResponse, error) {
	form := url.Values{
		"client_id":     {githubOAuthClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {conn.RefreshToken},
	}
	resp, err := postForm(ctx, e.client, githubOAuthTokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("github oauth refresh: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var tok githubTokenResponse
	// GitHub answers form-encoded unless Accept: application/json; handle both.
	if err := json.Unmarshal(body, &tok); err != nil {
		vals, perr := url.ParseQuery(string(body))
		if perr != nil {
			return nil, fmt.Errorf("github oauth refresh: unparseable response")
		}
		tok.AccessToken = vals.Get("access_token")
		tok.RefreshToken = vals.Get("refresh_token")
		tok.Error = vals.Get("error")
	}
	if tok.Error != "" {
		return nil, fmt.Errorf("github oauth refresh: %s", tok.Error)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("github oauth refresh: empty access token")
	}
	return &tok, nil
}

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds
	Endpoints struct {
		API string `json:"api"`
	} `json:"endpoints"`
}

func (e *GitHubExecutor) fetchCopilotToken(ctx context.Context, githubToken string) (*copilotTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubCopilotTokenURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+githubToken)
	req.Header.Set("Editor-Version", "vscode/1.99.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("copilot token fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("copilot token fetch: status %d: %s", resp.StatusCode, body)
	}

	var tok copilotTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("copilot token fetch: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("copilot token fetch: empty token")
	}
	return &tok, nil
}

// sanitizeGitHubBody applies the Copilot tool-list constraints to the
// request body.
func sanitizeGitHubBody(body []byte) ([]byte, error) {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse github request: %w", err)
	}
	rawTools, ok := req["tools"]
	if !ok {
		return body, nil
	}
	var tools []translator.ChatTool
	if err := json.Unmarshal(rawTools, &tools); err != nil {
		return body, nil
	}
	sanitized := translator.SanitizeToolsForGitHub(tools)
	if len(sanitized) == 0 {
		delete(req, "tools")
	} else {
		enc, err := json.Marshal(sanitized)
		if err != nil {
			return nil, err
		}
		req["tools"] = enc
	}
	return json.Marshal(req)
}

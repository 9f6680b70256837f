package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
	"github.com/polyrelay/polyrelay/internal/util"
)

const (
	cloudCodeBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"

	googleOAuthTokenURL     = "https://oauth2.googleapis.com/token"
	googleOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	googleOAuthClientSecret = "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"

	onboardPollAttempts = 5
	onboardPollInterval = 2 * time.Second
)

// AntigravityExecutor serves Google OAuth accounts (antigravity, gemini-cli,
// plain gemini API-key accounts go through the key path) via the Cloud Code
// private API. Requests ride inside an envelope carrying the resolved Google
// Cloud project ID.
type AntigravityExecutor struct {
	provider string
	rt       *Runtime
	client   *http.Client
}

func NewAntigravityExecutor(provider string, rt *Runtime) *AntigravityExecutor {
	return &AntigravityExecutor{provider: provider, rt: rt, client: sharedClient}
}

func (e *AntigravityExecutor) Provider() string { return e.provider }

func (e *AntigravityExecutor) RequestFormat() translator.Format { return translator.FormatGemini }

func (e *AntigravityExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	// API-key gemini connections bypass Cloud Code entirely.
	if r.Conn.AuthType == store.AuthTypeAPIKey {
		return e.executeAPIKey(ctx, r)
	}

	projectID, err := e.rt.ResolveProject(ctx, r.Conn.ID, func(fetchCtx context.Context) (string, error) {
		return e.fetchProjectID(fetchCtx, r.Conn, r.Log)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve project: %w", err)
	}

	envelope := map[string]json.RawMessage{
		"model":          mustJSON(r.Model),
		"project":        mustJSON(projectID),
		"user_prompt_id": mustJSON(uuid.NewString()),
		"request":        json.RawMessage(r.Body),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	method := ":generateContent"
	if r.Stream {
		method = ":streamGenerateContent?alt=sse"
	}
	endpoint := cloudCodeBaseURL + method

	resp, err := postJSON(ctx, e.client, endpoint, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+r.Conn.AccessToken)
		if r.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s upstream: %w", e.provider, err)
	}

	out := &Response{
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		URL:          endpoint,
		WireFormat:   translator.FormatGemini,
		RetryAfterMs: retryAfterFromHeader(resp.Header),
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		peek, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		if ms, ok := ParseAntigravityRetryTime(string(peek)); ok {
			out.RetryAfterMs = ms
		}
		out.Body = io.NopCloser(bytes.NewReader(peek))
		return out, nil
	}

	if resp.StatusCode == http.StatusOK {
		if r.Stream {
			out.Body = unwrapCloudCodeStream(resp.Body)
		} else {
			out.Body = unwrapCloudCodeBody(resp.Body)
		}
	}
	return out, nil
}

// executeAPIKey hits the public Generative Language API directly.
func (e *AntigravityExecutor) executeAPIKey(ctx context.Context, r *Request) (*Response, error) {
	base := r.Conn.SpecificString("baseUrl")
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	method := "generateContent"
	if r.Stream {
		method = "streamGenerateContent?alt=sse"
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(base, "/"), r.Model, method)

	resp, err := postJSON(ctx, e.client, endpoint, r.Body, func(req *http.Request) {
		req.Header.Set("x-goog-api-key", r.Conn.APIKey)
	})
	if err != nil {
		return nil, fmt.Errorf("gemini upstream: %w", err)
	}
	return &Response{
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		URL:          endpoint,
		WireFormat:   translator.FormatGemini,
		RetryAfterMs: retryAfterFromHeader(resp.Header),
	}, nil
}

// fetchProjectID resolves the Cloud Code companion project, onboarding the
// account onto the default tier when it has none.
func (e *AntigravityExecutor) fetchProjectID(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (string, error) {
	if id := conn.SpecificString("projectId"); id != "" {
		return id, nil
	}

	ctx, cancel := context.WithTimeout(ctx, projectFetchTime)
	defer cancel()

	loadBody := []byte(`{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)
	loaded, err := e.cloudCodeCall(ctx, conn, ":loadCodeAssist", loadBody)
	if err != nil {
		return "", fmt.Errorf("loadCodeAssist: %w", err)
	}

	if id := gjson.GetBytes(loaded, "cloudaicompanionProject").String(); id != "" {
		return id, nil
	}

	tierID := "free-tier"
	for _, tier := range gjson.GetBytes(loaded, "allowedTiers").Array() {
		if tier.Get("isDefault").Bool() {
			tierID = tier.Get("id").String()
			break
		}
	}

	log.Infof("🚀 onboarding %s account onto tier %s", e.provider, tierID)

	onboardBody, _ := json.Marshal(map[string]any{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	for attempt := 0; attempt < onboardPollAttempts; attempt++ {
		result, err := e.cloudCodeCall(ctx, conn, ":onboardUser", onboardBody)
		if err != nil {
			return "", fmt.Errorf("onboardUser: %w", err)
		}
		if gjson.GetBytes(result, "done").Bool() {
			if id := gjson.GetBytes(result, "response.cloudaicompanionProject.id").String(); id != "" {
				return id, nil
			}
			return "", fmt.Errorf("onboardUser: finished without a project")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(onboardPollInterval):
		}
	}
	return "", fmt.Errorf("onboardUser: not done after %d attempts", onboardPollAttempts)
}

func (e *AntigravityExecutor) cloudCodeCall(ctx context.Context, conn *store.ProviderConnection, method string, body []byte) ([]byte, error) {
	resp, err := postJSON(ctx, e.client, cloudCodeBaseURL+method, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, util.TruncateBytes(out))
	}
	return out, nil
}

func (e *AntigravityExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	if conn.AuthType == store.AuthTypeAPIKey {
		return false
	}
	return defaultNeedsRefresh(conn)
}

func (e *AntigravityExecutor) RefreshCredentials(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (map[string]any, error) {
	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("%s: no refresh token", e.provider)
	}

	cfg := &oauth2.Config{
		ClientID:     googleOAuthClientID,
		ClientSecret: googleOAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleOAuthTokenURL},
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
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

// unwrapCloudCodeStream rewrites SSE data lines, replacing the Cloud Code
// envelope with its inner "response" object so downstream translation sees
// plain Gemini chunks.
func unwrapCloudCodeStream(body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer body.Close()
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if payload, ok := strings.CutPrefix(line, "data: "); ok {
				if inner := gjson.Get(payload, "response"); inner.Exists() {
					line = "data: " + inner.Raw
				}
			}
			if _, err := io.WriteString(pw, line+"\n"); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(scanner.Err())
	}()
	return pr
}

// unwrapCloudCodeBody unwraps a non-streaming envelope in one shot.
func unwrapCloudCodeBody(body io.ReadCloser) io.ReadCloser {
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return io.NopCloser(bytes.NewReader(nil))
	}
	if inner := gjson.GetBytes(raw, "response"); inner.Exists() {
		return io.NopCloser(strings.NewReader(inner.Raw))
	}
	return io.NopCloser(bytes.NewReader(raw))
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

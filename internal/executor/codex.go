package executor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"

	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
)

const (
	codexBaseURL       = "https://chatgpt.com/backend-api/codex"
	codexOAuthTokenURL = "https://auth.openai.com/oauth/token"
	codexOAuthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	codexInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."
)

// codexDisallowedParams are rejected by the ChatGPT backend and must be
// stripped from incoming Responses bodies.
var codexDisallowedParams = []string{
	"temperature",
	"top_p",
	"n",
	"seed",
	"presence_penalty",
	"frequency_penalty",
	"logprobs",
	"top_logprobs",
	"max_tokens",
	"max_output_tokens",
	"max_completion_tokens",
	"metadata",
	"service_tier",
	"store",
	"stream_options",
	"prompt_cache_retention",
	"safety_identifier",
	"user",
	"previous_response_id",
}

// reasoning-effort suffixes recognized on model names, longest first so
// "-xhigh" is not read as "-high".
var codexEffortSuffixes = []struct {
	suffix string
	effort string
}{
	{"-xhigh", "xhigh"},
	{"-medium", "medium"},
	{"-high", "high"},
	{"-low", "low"},
	{"-minimal", "minimal"},
}

// CodexExecutor proxies OAuth ChatGPT accounts against the Codex backend,
// which speaks the Responses dialect with its own parameter rules.
type CodexExecutor struct {
	client *http.Client
}

func NewCodexExecutor() *CodexExecutor {
	return &CodexExecutor{client: sharedClient}
}

func (e *CodexExecutor) Provider() string { return "codex" }

func (e *CodexExecutor) RequestFormat() translator.Format { return translator.FormatOpenAIResponses }

// prepareBody rewrites a Responses body into the form the Codex backend
// accepts: always streamed, never stored, effort suffix folded into
// reasoning.effort, disallowed sampling knobs removed.
func prepareCodexBody(body []byte, model string) ([]byte, string, error) {
	out := body
	var err error

	baseModel := model
	effort := ""
	for _, s := range codexEffortSuffixes {
		if strings.HasSuffix(model, s.suffix) {
			baseModel = strings.TrimSuffix(model, s.suffix)
			effort = s.effort
			break
		}
	}

	if out, err = sjson.SetBytes(out, "model", baseModel); err != nil {
		return nil, "", err
	}
	if out, err = sjson.SetBytes(out, "stream", true); err != nil {
		return nil, "", err
	}
	if out, err = sjson.SetBytes(out, "store", false); err != nil {
		return nil, "", err
	}
	if effort != "" {
		if out, err = sjson.SetBytes(out, "reasoning.effort", effort); err != nil {
			return nil, "", err
		}
	}
	if !gjson.GetBytes(out, "include").Exists() {
		if out, err = sjson.SetBytes(out, "include", []string{"reasoning.encrypted_content"}); err != nil {
			return nil, "", err
		}
	}
	if gjson.GetBytes(out, "instructions").String() == "" {
		if out, err = sjson.SetBytes(out, "instructions", codexInstructions); err != nil {
			return nil, "", err
		}
	}
	for _, p := range codexDisallowedParams {
		if p == "store" {
			continue
		}
		if gjson.GetBytes(out, p).Exists() {
			if out, err = sjson.DeleteBytes(out, p); err != nil {
				return nil, "", err
			}
		}
	}

	// The backend wants input as an item array; wrap a bare string.
	if input := gjson.GetBytes(out, "input"); input.Type == gjson.String {
		items := []map[string]any{{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": input.String()},
			},
		}}
		if out, err = sjson.SetBytes(out, "input", items); err != nil {
			return nil, "", err
		}
	}

	return out, baseModel, nil
}

func (e *CodexExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	body, _, err := prepareCodexBody(r.Body, r.Model)
	if err != nil {
		return nil, fmt.Errorf("prepare codex request: %w", err)
	}

	endpoint := codexBaseURL + "/responses"
	resp, err := postJSON(ctx, e.client, endpoint, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+r.Conn.AccessToken)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("OpenAI-Beta", "responses=experimental")
		req.Header.Set("originator", "codex_cli_rs")
		req.Header.Set("session_id", uuid.NewString())
		if accountID := r.Conn.SpecificString("accountId"); accountID != "" {
			req.Header.Set("chatgpt-account-id", accountID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("codex upstream: %w", err)
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

func (e *CodexExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return defaultNeedsRefresh(conn)
}

func (e *CodexExecutor) RefreshCredentials(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (map[string]any, error) {
	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("codex: no refresh token")
	}

	cfg := &oauth2.Config{
		ClientID: codexOAuthClientID,
		Endpoint: oauth2.Endpoint{TokenURL: codexOAuthTokenURL},
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh codex token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh codex token: empty access token")
	}

	log.Infof("✅ refreshed codex token, expires %s", tok.Expiry.Format(time.RFC3339))

	fields := map[string]any{
		"accessToken": tok.AccessToken,
		"expiresAt":   tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != conn.RefreshToken {
		fields["refreshToken"] = tok.RefreshToken
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		fields["idToken"] = idToken
		if accountID := codexAccountID(idToken); accountID != "" {
			specific := map[string]any{}
			for k, v := range conn.ProviderSpecific {
				specific[k] = v
			}
			specific["accountId"] = accountID
			fields["providerSpecific"] = specific
		}
	}
	return fields, nil
}

// codexAccountID pulls the ChatGPT account ID out of an OpenAI id_token. The
// token is already trusted (it came straight from the token endpoint), so the
// signature is not re-verified here.
func codexAccountID(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	auth, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return ""
	}
	accountID, _ := auth["chatgpt_account_id"].(string)
	return accountID
}

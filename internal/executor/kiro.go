package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
)

const (
	kiroDefaultBaseURL  = "https://codewhisperer.us-east-1.amazonaws.com/v1"
	kiroRefreshTokenURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
)

// KiroExecutor serves Kiro accounts through the CodeWhisperer
// OpenAI-compatible surface. Token refresh goes through Kiro's desktop auth
// service, which speaks plain JSON rather than an OAuth form grant.
type KiroExecutor struct {
	client *http.Client
}

func NewKiroExecutor() *KiroExecutor {
	return &KiroExecutor{client: sharedClient}
}

func (e *KiroExecutor) Provider() string { return "kiro" }

func (e *KiroExecutor) RequestFormat() translator.Format { return translator.FormatOpenAIChat }

func (e *KiroExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	base := r.Conn.SpecificString("baseUrl")
	if base == "" {
		base = kiroDefaultBaseURL
	}
	endpoint := strings.TrimRight(base, "/") + "/chat/completions"

	resp, err := postJSON(ctx, e.client, endpoint, r.Body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+r.Conn.AccessToken)
		if r.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("kiro upstream: %w", err)
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

func (e *KiroExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return defaultNeedsRefresh(conn)
}

type kiroRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (e *KiroExecutor) RefreshCredentials(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (map[string]any, error) {
	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("kiro: no refresh token")
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"refreshToken": conn.RefreshToken})
	resp, err := postJSON(ctx, e.client, kiroRefreshTokenURL, body, nil)
	if err != nil {
		return nil, fmt.Errorf("refresh kiro token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		peek, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("refresh kiro token: status %d: %s", resp.StatusCode, peek)
	}

	var tok kiroRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("refresh kiro token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh kiro token: empty access token")
	}

	expiry := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	log.Infof("✅ refreshed kiro token, expires %s", expiry.Format(time.RFC3339))

	fields := map[string]any{
		"accessToken": tok.AccessToken,
		"expiresAt":   expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != conn.RefreshToken {
		fields["refreshToken"] = tok.RefreshToken
	}
	return fields, nil
}

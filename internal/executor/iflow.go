package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
)

const (
	iflowBaseURL       = "https://apis.iflow.cn/v1"
	iflowOAuthTokenURL = "https://iflow.cn/oauth/token"
	iflowOAuthClientID = "10009311001"
	iflowUserAgent     = "iflow-cli/0.2.0"
)

// IFlowExecutor serves iFlow OAuth accounts. Every request carries a fresh
// session ID and an HMAC signature over user-agent, session, and timestamp.
type IFlowExecutor struct {
	client *http.Client
}

func NewIFlowExecutor() *IFlowExecutor {
	return &IFlowExecutor{client: sharedClient}
}

func (e *IFlowExecutor) Provider() string { return "iflow" }

func (e *IFlowExecutor) RequestFormat() translator.Format { return translator.FormatOpenAIChat }

// signIFlow computes the hex HMAC-SHA256 of "{ua}:{sessionId}:{tsMs}" keyed
// with the account's access token.
func signIFlow(accessToken, sessionID string, tsMs int64) string {
	mac := hmac.New(sha256.New, []byte(accessToken))
	fmt.Fprintf(mac, "%s:%s:%d", iflowUserAgent, sessionID, tsMs)
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *IFlowExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	endpoint := iflowBaseURL + "/chat/completions"

	sessionID := uuid.NewString()
	tsMs := time.Now().UnixMilli()

	resp, err := postJSON(ctx, e.client, endpoint, r.Body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+r.Conn.AccessToken)
		req.Header.Set("User-Agent", iflowUserAgent)
		req.Header.Set("x-iflow-session-id", sessionID)
		req.Header.Set("x-iflow-timestamp", strconv.FormatInt(tsMs, 10))
		req.Header.Set("x-iflow-signature", signIFlow(r.Conn.AccessToken, sessionID, tsMs))
		if r.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("iflow upstream: %w", err)
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

func (e *IFlowExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return defaultNeedsRefresh(conn)
}

func (e *IFlowExecutor) RefreshCredentials(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) (map[string]any, error) {
	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("iflow: no refresh token")
	}

	cfg := &oauth2.Config{
		ClientID: iflowOAuthClientID,
		Endpoint: oauth2.Endpoint{TokenURL: iflowOAuthTokenURL},
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh iflow token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh iflow token: empty access token")
	}

	log.Infof("✅ refreshed iflow token, expires %s", tok.Expiry.Format(time.RFC3339))

	fields := map[string]any{
		"accessToken": tok.AccessToken,
		"expiresAt":   tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != conn.RefreshToken {
		fields["refreshToken"] = tok.RefreshToken
	}
	return fields, nil
}

package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/http2"

	"github.com/polyrelay/polyrelay/internal/executor/cursorwire"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
)

const (
	cursorChatURL       = "https://api2.cursor.sh/aiserver.v1.ChatService/StreamUnifiedChatWithTools"
	cursorClientVersion = "1.3.9"
)

// CursorExecutor speaks Connect-RPC to the Cursor aiserver. The request body
// arrives as an unframed protobuf payload; the executor adds the Connect
// envelope, the time-windowed checksum header, and turns the response frames
// back into OpenAI chat SSE so the rest of the pipeline never sees protobuf.
type CursorExecutor struct {
	h2       *http.Client
	fallback *http.Client
}

func NewCursorExecutor() *CursorExecutor {
	return &CursorExecutor{
		h2: &http.Client{Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		}},
		fallback: sharedClient,
	}
}

func (e *CursorExecutor) Provider() string { return "cursor" }

func (e *CursorExecutor) RequestFormat() translator.Format { return translator.FormatCursor }

func cursorMachineID(conn *store.ProviderConnection) string {
	if id := conn.SpecificString("machineId"); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(conn.ID))
	return hex.EncodeToString(sum[:])
}

func (e *CursorExecutor) newRequest(ctx context.Context, conn *store.ProviderConnection, body []byte) (*http.Request, error) {
	framed := cursorwire.EncodeFrame(0, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cursorChatURL, bytes.NewReader(framed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/connect+proto")
	req.Header.Set("Connect-Protocol-Version", "1")
	req.Header.Set("Connect-Accept-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("User-Agent", "connect-es/1.6.1")
	req.Header.Set("x-cursor-client-version", cursorClientVersion)
	req.Header.Set("x-cursor-checksum", cursorwire.Checksum(cursorMachineID(conn), time.Now()))
	req.Header.Set("x-request-id", uuid.NewString())
	return req, nil
}

func (e *CursorExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	req, err := e.newRequest(ctx, r.Conn, r.Body)
	if err != nil {
		return nil, err
	}

	resp, err := e.h2.Do(req)
	if err != nil {
		// Some proxies break the direct h2 dial; retry over the default
		// transport before giving up.
		r.Log.Debugf("cursor h2 transport failed, retrying http/1.1: %v", err)
		req, rerr := e.newRequest(ctx, r.Conn, r.Body)
		if rerr != nil {
			return nil, rerr
		}
		resp, err = e.fallback.Do(req)
		if err != nil {
			return nil, fmt.Errorf("cursor upstream: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		peek, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return &Response{
			Status:     resp.StatusCode,
			Header:     resp.Header,
			Body:       io.NopCloser(bytes.NewReader(peek)),
			URL:        cursorChatURL,
			WireFormat: translator.FormatOpenAIChat,
		}, nil
	}

	frames := cursorwire.NewFrameReader(resp.Body)

	// Peek the first frame so trailer-borne errors map to real HTTP statuses
	// instead of a 200 stream that dies immediately.
	first, err := frames.Next()
	if err != nil && err != io.EOF {
		resp.Body.Close()
		return nil, fmt.Errorf("cursor stream: %w", err)
	}
	if err == nil && first.EndStream() {
		defer resp.Body.Close()
		if status, body, isErr := cursorTrailerError(first.Payload); isErr {
			return &Response{
				Status:     status,
				Header:     resp.Header,
				Body:       io.NopCloser(bytes.NewReader(body)),
				URL:        cursorChatURL,
				WireFormat: translator.FormatOpenAIChat,
			}, nil
		}
	}

	pr, pw := io.Pipe()
	go streamCursorChat(pw, resp.Body, frames, first, err, r.Model)

	header := http.Header{}
	header.Set("Content-Type", "text/event-stream")

	return &Response{
		Status:     http.StatusOK,
		Header:     header,
		Body:       pr,
		URL:        cursorChatURL,
		WireFormat: translator.FormatOpenAIChat,
	}, nil
}

// cursorTrailerError inspects an end-stream payload for a Connect error and
// maps its code onto an HTTP status.
func cursorTrailerError(payload []byte) (int, []byte, bool) {
	code := gjson.GetBytes(payload, "error.code").String()
	if code == "" {
		return 0, nil, false
	}
	msg := gjson.GetBytes(payload, "error.message").String()

	status := http.StatusBadGateway
	switch code {
	case "resource_exhausted":
		status = http.StatusTooManyRequests
	case "unauthenticated":
		status = http.StatusUnauthorized
	case "permission_denied":
		status = http.StatusForbidden
	case "invalid_argument":
		status = http.StatusBadRequest
	}

	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf("cursor: %s: %s", code, msg),
			"type":    "upstream_error",
			"code":    code,
		},
	})
	return status, body, true
}

// streamCursorChat converts decoded frames into OpenAI chat SSE chunks.
func streamCursorChat(pw *io.PipeWriter, body io.ReadCloser, frames *cursorwire.FrameReader, first cursorwire.Frame, firstErr error, model string) {
	defer body.Close()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	sawTool := false
	toolIndex := 0

	writeChunk := func(delta map[string]any, finish any) error {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		enc, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(pw, "data: %s\n\n", enc)
		return err
	}

	emit := func(frame cursorwire.Frame) (done bool, err error) {
		if frame.EndStream() {
			return true, nil
		}
		msg, err := cursorwire.DecodeResponse(frame.Payload)
		if err != nil {
			return false, err
		}
		if msg.Thinking != "" {
			if err := writeChunk(map[string]any{"reasoning_content": msg.Thinking}, nil); err != nil {
				return false, err
			}
		}
		if msg.Text != "" {
			if err := writeChunk(map[string]any{"content": msg.Text}, nil); err != nil {
				return false, err
			}
		}
		if tc := msg.ToolCall; tc != nil {
			sawTool = true
			external, _ := cursorwire.SplitToolCallID(tc.RawID)
			name := strings.TrimPrefix(tc.Name, cursorwire.MCPToolPrefix+"custom_")
			delta := map[string]any{
				"tool_calls": []map[string]any{{
					"index": toolIndex,
					"id":    external,
					"type":  "function",
					"function": map[string]any{
						"name":      name,
						"arguments": tc.ArgsJSON,
					},
				}},
			}
			toolIndex++
			if err := writeChunk(delta, nil); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	finish := func() {
		reason := "stop"
		if sawTool {
			reason = "tool_calls"
		}
		if err := writeChunk(map[string]any{}, reason); err == nil {
			fmt.Fprint(pw, "data: [DONE]\n\n")
		}
		pw.Close()
	}

	if firstErr == io.EOF {
		finish()
		return
	}
	if done, err := emit(first); err != nil {
		pw.CloseWithError(err)
		return
	} else if done {
		finish()
		return
	}

	for {
		frame, err := frames.Next()
		if err == io.EOF {
			finish()
			return
		}
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if done, err := emit(frame); err != nil {
			pw.CloseWithError(err)
			return
		} else if done {
			finish()
			return
		}
	}
}

// NeedsRefresh is always false: Cursor session tokens are long-lived and have
// no refresh endpoint.
func (e *CursorExecutor) NeedsRefresh(*store.ProviderConnection) bool { return false }

func (e *CursorExecutor) RefreshCredentials(context.Context, *store.ProviderConnection, *logrus.Entry) (map[string]any, error) {
	return nil, fmt.Errorf("cursor: session tokens cannot be refreshed, re-authenticate")
}

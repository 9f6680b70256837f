// Package engine implements the routing core: model resolution, credential
// selection, the account fallback loop, and per-attempt dispatch through the
// provider executors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/executor"
	"github.com/polyrelay/polyrelay/internal/logging"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
	"github.com/polyrelay/polyrelay/internal/util"
)

// Per-attempt deadlines. Streaming attempts get the longer window because the
// deadline covers the whole body, not just the first byte.
const (
	streamAttemptTimeout    = 120 * time.Second
	nonStreamAttemptTimeout = 60 * time.Second
)

// Error is a gateway-visible routing failure.
type Error struct {
	Status       int
	Message      string
	RetryAfterMs int64
}

func (e *Error) Error() string { return e.Message }

// RequestSpec is one incoming completion request after dialect detection.
type RequestSpec struct {
	MachineID    string
	Model        string
	Body         []byte
	ClientFormat translator.Format
	Stream       bool
}

// Result is a successful (or passed-through 4xx) upstream exchange. Cancel
// releases the attempt deadline and must be called once the body is drained.
type Result struct {
	Resp   *executor.Response
	Model  string
	Cancel context.CancelFunc
}

// Engine wires the store, the executor registry, and the translator graph.
type Engine struct {
	store       store.ConfigStore
	execs       *executor.Registry
	translators *translator.Registry
}

func New(st store.ConfigStore, execs *executor.Registry, translators *translator.Registry) *Engine {
	return &Engine{store: st, execs: execs, translators: translators}
}

// Translators exposes the translator graph for the response pipe.
func (e *Engine) Translators() *translator.Registry { return e.translators }

// Execute resolves the requested model and runs the fallback loop. Combo
// plans advance to the next member on server errors only.
func (e *Engine) Execute(ctx context.Context, spec *RequestSpec) (*Result, error) {
	log := logging.For(ctx)

	record, err := e.store.GetMachine(ctx, spec.MachineID)
	if err != nil {
		return nil, &Error{Status: http.StatusNotFound, Message: fmt.Sprintf("machine %s: %v", spec.MachineID, err)}
	}

	plan, err := ResolveModel(record, spec.Model)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Message: err.Error()}
	}

	var lastErr *Error
	for i, route := range plan.Routes {
		res, rerr := e.executeRoute(ctx, record, route, spec, false, log)
		if rerr == nil {
			return res, nil
		}
		lastErr = rerr
		if plan.Combo && rerr.Status >= 500 && i < len(plan.Routes)-1 {
			log.Warnf("🔁 combo member %s/%s failed (%d), trying next", route.Provider, route.Model, rerr.Status)
			continue
		}
		return nil, rerr
	}
	if lastErr == nil {
		lastErr = &Error{Status: http.StatusServiceUnavailable, Message: "no routes resolved"}
	}
	return nil, lastErr
}

// ExecuteEmbeddings serves /v1/embeddings; only OpenAI-wire providers carry
// an embeddings surface.
func (e *Engine) ExecuteEmbeddings(ctx context.Context, spec *RequestSpec) (*Result, error) {
	log := logging.For(ctx)

	record, err := e.store.GetMachine(ctx, spec.MachineID)
	if err != nil {
		return nil, &Error{Status: http.StatusNotFound, Message: fmt.Sprintf("machine %s: %v", spec.MachineID, err)}
	}
	plan, err := ResolveModel(record, spec.Model)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Message: err.Error()}
	}
	if plan.Combo {
		return nil, &Error{Status: http.StatusBadRequest, Message: "combos cannot serve embeddings"}
	}

	route := plan.Routes[0]
	if !supportsEmbeddings(route.Provider) {
		return nil, &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("provider %s does not support embeddings", route.Provider)}
	}
	res, rerr := e.executeRoute(ctx, record, route, spec, true, log)
	if rerr != nil {
		return nil, rerr
	}
	return res, nil
}

func supportsEmbeddings(provider string) bool {
	return provider == "openai" || provider == "openrouter" || strings.HasPrefix(provider, "openai-compatible-")
}

// embeddingsCaller is the optional executor surface for /embeddings.
type embeddingsCaller interface {
	ExecuteEmbeddings(ctx context.Context, req *executor.Request) (*executor.Response, error)
}

// executeRoute runs the credential fallback loop for one route. The typed
// error return keeps status and retry hints intact for the caller.
func (e *Engine) executeRoute(ctx context.Context, record *store.MachineRecord, route Route, spec *RequestSpec, embeddings bool, log *logrus.Entry) (*Result, *Error) {
	exec, err := e.execs.Get(route.Provider)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Message: err.Error()}
	}

	buildBody, err := e.requestBuilder(spec.ClientFormat, exec.RequestFormat(), embeddings)
	if err != nil {
		return nil, &Error{Status: http.StatusNotImplemented, Message: err.Error()}
	}

	timeout := nonStreamAttemptTimeout
	if spec.Stream {
		timeout = streamAttemptTimeout
	}

	excluded := map[string]bool{}
	refreshed := map[string]bool{}
	var lastErr *Error

	for {
		candidates, earliestRetry := candidateConnections(record, route.Provider, excluded, time.Now())
		if len(candidates) == 0 {
			if earliestRetry != nil {
				ms := time.Until(*earliestRetry).Milliseconds()
				if ms < 0 {
					ms = 0
				}
				return nil, &Error{
					Status:       http.StatusTooManyRequests,
					Message:      fmt.Sprintf("all %s connections are rate limited", route.Provider),
					RetryAfterMs: ms,
				}
			}
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &Error{Status: http.StatusServiceUnavailable, Message: fmt.Sprintf("no active %s connections", route.Provider)}
		}

		conn := candidates[0].Clone()
		alog := log.WithFields(logrus.Fields{"provider": route.Provider, "connection": conn.ID, "model": route.Model})

		if exec.NeedsRefresh(conn) {
			if rerr := e.refreshCredentials(ctx, exec, conn, alog); rerr != nil {
				alog.Warnf("❌ proactive refresh failed: %v", rerr)
				e.markFailure(ctx, conn, failAuth, http.StatusUnauthorized, rerr.Error(), 0, alog)
				excluded[conn.ID] = true
				lastErr = &Error{Status: http.StatusUnauthorized, Message: rerr.Error()}
				continue
			}
			refreshed[conn.ID] = true
		}

		body, berr := buildBody(route.Model, spec.Body, spec.Stream, conn)
		if berr != nil {
			return nil, &Error{Status: http.StatusBadRequest, Message: berr.Error()}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		req := &executor.Request{Model: route.Model, Body: body, Stream: spec.Stream, Conn: conn, Log: alog}

		var resp *executor.Response
		var eerr error
		if embeddings {
			ec, ok := exec.(embeddingsCaller)
			if !ok {
				cancel()
				return nil, &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("provider %s does not support embeddings", route.Provider)}
			}
			resp, eerr = ec.ExecuteEmbeddings(attemptCtx, req)
		} else {
			resp, eerr = exec.Execute(attemptCtx, req)
		}
		if eerr != nil {
			cancel()
			alog.Warnf("❌ attempt failed: %v", eerr)
			class := failNetwork
			if errors.Is(eerr, context.Canceled) {
				return nil, &Error{Status: 499, Message: "client closed request"}
			}
			e.markFailure(ctx, conn, class, 0, eerr.Error(), 0, alog)
			excluded[conn.ID] = true
			lastErr = &Error{Status: http.StatusBadGateway, Message: eerr.Error()}
			continue
		}

		switch class := classifyStatus(resp.Status); class {
		case failNone:
			e.markSuccess(ctx, conn, alog)
			return &Result{Resp: resp, Model: spec.Model, Cancel: cancel}, nil

		case failAuth:
			msg := drainErrorBody(resp)
			cancel()
			if !refreshed[conn.ID] {
				alog.Infof("🔑 got %d, refreshing credentials in place", resp.Status)
				if rerr := e.refreshCredentials(ctx, exec, conn, alog); rerr == nil {
					refreshed[conn.ID] = true
					continue
				} else {
					alog.Warnf("❌ in-place refresh failed: %v", rerr)
				}
			}
			e.markFailure(ctx, conn, class, resp.Status, msg, 0, alog)
			excluded[conn.ID] = true
			lastErr = &Error{Status: resp.Status, Message: msg}

		case failRateLimit:
			msg := drainErrorBody(resp)
			cancel()
			alog.Warnf("⏳ rate limited: %s", msg)
			e.markFailure(ctx, conn, class, resp.Status, msg, resp.RetryAfterMs, alog)
			excluded[conn.ID] = true
			lastErr = &Error{Status: resp.Status, Message: msg, RetryAfterMs: resp.RetryAfterMs}

		case failServer:
			msg := drainErrorBody(resp)
			cancel()
			alog.Warnf("💥 upstream %d: %s", resp.Status, msg)
			e.markFailure(ctx, conn, class, resp.Status, msg, 0, alog)
			excluded[conn.ID] = true
			lastErr = &Error{Status: resp.Status, Message: msg}

		default: // failClient: pass the response through untouched, no cooldown
			alog.Infof("↩️ passing through upstream %d", resp.Status)
			return &Result{Resp: resp, Model: spec.Model, Cancel: cancel}, nil
		}
	}
}

// requestBuilder resolves the client→wire request translation, chaining
// through the chat dialect when no direct edge exists. Embeddings bodies pass
// through untranslated.
func (e *Engine) requestBuilder(from, to translator.Format, embeddings bool) (translator.RequestBuilder, error) {
	if embeddings || from == to {
		return func(model string, body []byte, stream bool, _ *store.ProviderConnection) ([]byte, error) {
			return body, nil
		}, nil
	}

	if t, err := e.translators.Lookup(from, to); err == nil && t.Request != nil {
		return t.Request, nil
	}

	first, err := e.translators.Lookup(from, translator.FormatOpenAIChat)
	if err != nil || first.Request == nil {
		return nil, fmt.Errorf("no request translation from %s to %s", from, to)
	}
	second, err := e.translators.Lookup(translator.FormatOpenAIChat, to)
	if err != nil || second.Request == nil {
		return nil, fmt.Errorf("no request translation from %s to %s", from, to)
	}
	return func(model string, body []byte, stream bool, conn *store.ProviderConnection) ([]byte, error) {
		mid, err := first.Request(model, body, stream, conn)
		if err != nil {
			return nil, err
		}
		return second.Request(model, mid, stream, conn)
	}, nil
}

// drainErrorBody reads a bounded error body for logging and cooldown
// messages, closing the stream.
func drainErrorBody(resp *executor.Response) string {
	if resp.Body == nil {
		return fmt.Sprintf("upstream status %d", resp.Status)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(b) == 0 {
		return fmt.Sprintf("upstream status %d", resp.Status)
	}
	return util.TruncateBytes(b)
}

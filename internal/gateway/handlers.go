// Package gateway is the HTTP surface: dialect endpoints, API-key
// authentication, and response piping.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/engine"
	"github.com/polyrelay/polyrelay/internal/logging"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/stream"
	"github.com/polyrelay/polyrelay/internal/translator"
	"github.com/polyrelay/polyrelay/internal/version"
)

// maxRequestBody bounds incoming completion bodies.
const maxRequestBody = 32 << 20

type contextKey string

const machineIDKey contextKey = "machineId"

// Server holds the HTTP handler dependencies.
type Server struct {
	cfg    *config.Config
	store  store.ConfigStore
	engine *engine.Engine
}

func NewServer(cfg *config.Config, st store.ConfigStore, eng *engine.Engine) *Server {
	return &Server{cfg: cfg, store: st, engine: eng}
}

// bearerKey pulls the API key from Authorization or x-api-key (Anthropic
// SDKs send the latter).
func bearerKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// authenticate resolves the machine ID for a request: from the legacy path
// prefix when present, otherwise from a validated API key. The checksum alone
// is not enough; the key ID must still be on the machine's issued list so a
// revoked key stops working.
func (s *Server) authenticate(r *http.Request) (string, int, string) {
	if pathMachine := chi.URLParam(r, "machineID"); pathMachine != "" {
		return pathMachine, 0, ""
	}

	key := bearerKey(r)
	if key == "" {
		return "", http.StatusUnauthorized, "missing api key"
	}
	machineID, keyID, err := ParseKey(key, s.cfg.ServerSecret)
	if err != nil {
		if errors.Is(err, ErrLegacyKey) {
			return "", http.StatusBadRequest, err.Error()
		}
		return "", http.StatusUnauthorized, err.Error()
	}

	record, err := s.store.GetMachine(r.Context(), machineID)
	if err != nil {
		return "", http.StatusUnauthorized, "unknown api key"
	}
	if !keyIssued(record, keyID) {
		return "", http.StatusUnauthorized, "api key has been revoked"
	}
	return machineID, 0, ""
}

func keyIssued(record *store.MachineRecord, keyID string) bool {
	for _, id := range record.APIKeys {
		if id == keyID {
			return true
		}
	}
	return false
}

// requireAuth wraps a handler with authentication, stashing the machine ID in
// the context. The dialect picks the error envelope.
func (s *Server) requireAuth(dialect translator.Format, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machineID, status, msg := s.authenticate(r)
		if status != 0 {
			writeError(w, dialect, status, msg, 0)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), machineIDKey, machineID)))
	}
}

func machineID(ctx context.Context) string {
	if id, ok := ctx.Value(machineIDKey).(string); ok {
		return id
	}
	return ""
}

// handleCompletion serves one client dialect. Upstream attempts always
// stream; non-streaming clients get the accumulated document.
func (s *Server) handleCompletion(dialect translator.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logging.For(ctx)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, dialect, http.StatusBadRequest, "reading request body: "+err.Error(), 0)
			return
		}

		model := gjson.GetBytes(body, "model").String()
		if model == "" {
			writeError(w, dialect, http.StatusBadRequest, "model is required", 0)
			return
		}

		wantStream := gjson.GetBytes(body, "stream").Bool()
		if dialect == translator.FormatOllama && !gjson.GetBytes(body, "stream").Exists() {
			wantStream = true
		}

		// The engine always streams upstream so retried and synthesized
		// responses share one pipe; the accumulator collapses for
		// non-streaming clients.
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			writeError(w, dialect, http.StatusBadRequest, err.Error(), 0)
			return
		}

		spec := &engine.RequestSpec{
			MachineID:    machineID(ctx),
			Model:        model,
			Body:         body,
			ClientFormat: dialect,
			Stream:       true,
		}

		started := time.Now()
		res, err := s.engine.Execute(ctx, spec)
		if err != nil {
			var ee *engine.Error
			if errors.As(err, &ee) {
				writeError(w, dialect, ee.Status, ee.Message, ee.RetryAfterMs)
			} else {
				writeError(w, dialect, http.StatusBadGateway, err.Error(), 0)
			}
			return
		}
		defer res.Cancel()
		defer res.Resp.Body.Close()

		if res.Resp.Status < 200 || res.Resp.Status > 299 {
			// Client-caused upstream rejection, passed through verbatim.
			copyResponse(w, res.Resp.Header, res.Resp.Status, res.Resp.Body)
			return
		}

		if wantStream {
			if dialect == translator.FormatOllama {
				w.Header().Set("Content-Type", "application/x-ndjson")
			} else {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
			}
			w.WriteHeader(http.StatusOK)
			if perr := stream.Pipe(w, res.Resp.Body, res.Resp.WireFormat, dialect, s.engine.Translators(), model); perr != nil {
				log.Warnf("⚠️ stream ended with error after %s: %v", time.Since(started).Round(time.Millisecond), perr)
			}
			return
		}

		acc, cerr := stream.Collect(res.Resp.Body, res.Resp.WireFormat, s.engine.Translators(), model)
		if cerr != nil {
			writeError(w, dialect, http.StatusBadGateway, cerr.Error(), 0)
			return
		}
		doc, rerr := acc.Render(dialect)
		if rerr != nil {
			writeError(w, dialect, http.StatusNotImplemented, rerr.Error(), 0)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(doc)
	}
}

// handleEmbeddings forwards embeddings verbatim; there is no dialect
// translation on this surface.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	dialect := translator.FormatOpenAIChat

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, dialect, http.StatusBadRequest, "reading request body: "+err.Error(), 0)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, dialect, http.StatusBadRequest, "model is required", 0)
		return
	}
	if input := gjson.GetBytes(body, "input"); !input.Exists() ||
		(input.Type == gjson.String && input.Str == "") ||
		(input.IsArray() && len(input.Array()) == 0) {
		writeError(w, dialect, http.StatusBadRequest, "input must not be empty", 0)
		return
	}
	if !gjson.GetBytes(body, "encoding_format").Exists() {
		body, _ = sjson.SetBytes(body, "encoding_format", "float")
	}

	spec := &engine.RequestSpec{
		MachineID:    machineID(r.Context()),
		Model:        model,
		Body:         body,
		ClientFormat: dialect,
	}
	res, err := s.engine.ExecuteEmbeddings(r.Context(), spec)
	if err != nil {
		var ee *engine.Error
		if errors.As(err, &ee) {
			writeError(w, dialect, ee.Status, ee.Message, ee.RetryAfterMs)
		} else {
			writeError(w, dialect, http.StatusBadGateway, err.Error(), 0)
		}
		return
	}
	defer res.Cancel()
	defer res.Resp.Body.Close()
	copyResponse(w, res.Resp.Header, res.Resp.Status, res.Resp.Body)
}

// handleModels lists the machine's routable names: aliases and combos.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetMachine(r.Context(), machineID(r.Context()))
	if err != nil {
		writeError(w, translator.FormatOpenAIChat, http.StatusNotFound, err.Error(), 0)
		return
	}

	now := time.Now().Unix()
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	var data []modelEntry
	for alias := range record.ModelAliases {
		data = append(data, modelEntry{ID: alias, Object: "model", Created: now, OwnedBy: "polyrelay"})
	}
	for _, combo := range record.Combos {
		data = append(data, modelEntry{ID: combo.Name, Object: "model", Created: now, OwnedBy: "polyrelay-combo"})
	}
	if data == nil {
		data = []modelEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// handleVerify checks an API key without touching any provider.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	key := bearerKey(r)
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	if key == "" {
		writeError(w, translator.FormatOpenAIChat, http.StatusBadRequest, "missing api key", 0)
		return
	}

	mid, keyID, err := ParseKey(key, s.cfg.ServerSecret)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrLegacyKey) {
			status = http.StatusBadRequest
		}
		writeError(w, translator.FormatOpenAIChat, status, err.Error(), 0)
		return
	}

	record, err := s.store.GetMachine(r.Context(), mid)
	if err != nil {
		writeError(w, translator.FormatOpenAIChat, http.StatusUnauthorized, "unknown api key", 0)
		return
	}
	if !keyIssued(record, keyID) {
		writeError(w, translator.FormatOpenAIChat, http.StatusUnauthorized, "api key has been revoked", 0)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"valid":          true,
		"machineId":      mid,
		"providersCount": len(record.Providers),
	})
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": version.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// copyResponse relays an upstream response verbatim.
func copyResponse(w http.ResponseWriter, header http.Header, status int, body io.Reader) {
	if ct := header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if ra := header.Get("Retry-After"); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	w.WriteHeader(status)
	io.Copy(w, body)
}

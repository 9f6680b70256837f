package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/polyrelay/polyrelay/internal/logging"
	"github.com/polyrelay/polyrelay/internal/translator"
)

// Router builds the full HTTP surface, including the legacy
// /{machineID}/v1/... prefix that carries the machine in the path.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/verify", s.handleVerify)
	r.Post("/verify", s.handleVerify)

	mount := func(r chi.Router) {
		r.Post("/chat/completions", s.requireAuth(translator.FormatOpenAIChat, s.handleCompletion(translator.FormatOpenAIChat)))
		r.Post("/messages", s.requireAuth(translator.FormatClaude, s.handleCompletion(translator.FormatClaude)))
		r.Post("/responses", s.requireAuth(translator.FormatOpenAIResponses, s.handleCompletion(translator.FormatOpenAIResponses)))
		r.Post("/api/chat", s.requireAuth(translator.FormatOllama, s.handleCompletion(translator.FormatOllama)))
		r.Post("/embeddings", s.requireAuth(translator.FormatOpenAIChat, s.handleEmbeddings))
		r.Get("/models", s.requireAuth(translator.FormatOpenAIChat, s.handleModels))
	}

	r.Route("/v1", mount)
	r.Route("/{machineID}/v1", mount)

	// Ollama clients probe /api/tags and talk to /api/chat without the /v1
	// prefix.
	r.Post("/api/chat", s.requireAuth(translator.FormatOllama, s.handleCompletion(translator.FormatOllama)))
	r.Get("/api/tags", s.requireAuth(translator.FormatOllama, s.handleModels))

	return r
}

// requestID tags every request with a short ID for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-Id", id)

		started := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logging.For(ctx).Debugf("⏱ %s %s took %s", r.Method, r.URL.Path, time.Since(started).Round(time.Millisecond))
	})
}

package gateway

import (
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/polyrelay/polyrelay/internal/translator"
)

// writeError renders an error in the client's own dialect. A non-zero
// retryAfterMs adds a Retry-After header, rounded up so a sub-second cooldown
// never collapses to zero; a 429 without a hint still gets Retry-After: 1.
func writeError(w http.ResponseWriter, dialect translator.Format, status int, message string, retryAfterMs int64) {
	if retryAfterMs > 0 {
		secs := (retryAfterMs + 999) / 1000
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	} else if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var body any
	switch dialect {
	case translator.FormatClaude:
		body = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    claudeErrorType(status),
				"message": message,
			},
		}
	case translator.FormatOllama:
		body = map[string]any{"error": message}
	default:
		body = map[string]any{
			"error": map[string]any{
				"message": message,
				"type":    openaiErrorType(status),
				"code":    status,
			},
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func openaiErrorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func claudeErrorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

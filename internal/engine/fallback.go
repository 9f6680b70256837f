package engine

import (
	"net/http"
	"time"
)

// failureClass buckets an upstream outcome for backoff and fallover
// decisions.
type failureClass int

const (
	failNone failureClass = iota
	failRateLimit
	failServer
	failAuth
	failClient
	failNetwork
)

// Cooldown schedule per class. Rate limits and server errors back off
// exponentially with per-class caps; auth failures get a flat cooldown after
// one in-place refresh attempt; plain 4xx never cools down a connection.
const (
	rateLimitBase = 60 * time.Second
	rateLimitCap  = time.Hour
	serverBase    = 30 * time.Second
	serverCap     = 10 * time.Minute
	networkBase   = 15 * time.Second
	networkCap    = 10 * time.Minute
	authCooldown  = 5 * time.Minute
)

// classifyStatus maps an HTTP status to a failure class.
func classifyStatus(status int) failureClass {
	switch {
	case status >= 200 && status < 300:
		return failNone
	case status == http.StatusTooManyRequests:
		return failRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failAuth
	case status >= 500:
		return failServer
	case status >= 400:
		return failClient
	default:
		return failServer
	}
}

// cooldownFor computes the cooldown for a failure at the given backoff level.
// A provider-supplied retryAfterMs hint wins over the schedule for rate
// limits.
func cooldownFor(class failureClass, level int, retryAfterMs int64) time.Duration {
	switch class {
	case failRateLimit:
		if retryAfterMs > 0 {
			return time.Duration(retryAfterMs) * time.Millisecond
		}
		return backoff(rateLimitBase, level, rateLimitCap)
	case failServer:
		return backoff(serverBase, level, serverCap)
	case failNetwork:
		return backoff(networkBase, level, networkCap)
	case failAuth:
		return authCooldown
	default:
		return 0
	}
}

// backoff doubles base per level with a cap; the shift is bounded so large
// levels cannot overflow.
func backoff(base time.Duration, level int, limit time.Duration) time.Duration {
	if level < 0 {
		level = 0
	}
	if level > 20 {
		level = 20
	}
	d := base << uint(level)
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

// failureFields builds the connection update for one failed attempt.
func failureFields(class failureClass, status, level int, errMsg string, retryAfterMs int64, now time.Time) map[string]any {
	fields := map[string]any{
		"lastError":   errMsg,
		"errorCode":   status,
		"lastErrorAt": now,
	}
	if d := cooldownFor(class, level, retryAfterMs); d > 0 {
		fields["rateLimitedUntil"] = now.Add(d)
		fields["backoffLevel"] = level + 1
		fields["status"] = "unavailable"
	}
	return fields
}

// successFields resets the health state after a working attempt.
func successFields() map[string]any {
	return map[string]any{
		"status":           "active",
		"lastError":        "",
		"errorCode":        0,
		"rateLimitedUntil": nil,
		"backoffLevel":     0,
	}
}

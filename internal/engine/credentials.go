package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/executor"
	"github.com/polyrelay/polyrelay/internal/store"
)

// candidateConnections returns the usable connections for a provider, best
// first: priority ascending, then most recently updated. Excluded and
// cooling-down connections are skipped; the earliest cooldown expiry among
// the skipped ones is returned so an all-rate-limited pool can surface a
// Retry-After.
func candidateConnections(record *store.MachineRecord, provider string, excluded map[string]bool, now time.Time) (usable []*store.ProviderConnection, earliestRetry *time.Time) {
	for _, conn := range record.Providers {
		if conn.Provider != provider || !conn.IsActive || excluded[conn.ID] {
			continue
		}
		if conn.RateLimited(now) {
			if earliestRetry == nil || conn.RateLimitedUntil.Before(*earliestRetry) {
				t := *conn.RateLimitedUntil
				earliestRetry = &t
			}
			continue
		}
		usable = append(usable, conn)
	}

	sort.SliceStable(usable, func(i, j int) bool {
		pi, pj := effectivePriority(usable[i]), effectivePriority(usable[j])
		if pi != pj {
			return pi < pj
		}
		return usable[i].UpdatedAt.After(usable[j].UpdatedAt)
	})
	return usable, earliestRetry
}

// effectivePriority treats unset (zero) priority as lowest preference.
func effectivePriority(conn *store.ProviderConnection) int {
	if conn.Priority <= 0 {
		return 999
	}
	return conn.Priority
}

// refreshCredentials runs the executor's refresh under singleflight, persists
// the changed fields, and applies them to the in-memory clone. Concurrent
// requests for the same connection share one refresh.
func (e *Engine) refreshCredentials(ctx context.Context, exec executor.Executor, conn *store.ProviderConnection, log *logrus.Entry) error {
	rt := e.execs.Runtime()

	v, err, _ := rt.RefreshFlight.Do(conn.ID, func() (any, error) {
		fields, err := exec.RefreshCredentials(ctx, conn, log)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return fields, nil
		}
		if err := e.store.UpdateConnection(ctx, conn.ID, fields); err != nil {
			log.Warnf("⚠️ persisting refreshed credentials failed: %v", err)
		}
		return fields, nil
	})
	if err != nil {
		return fmt.Errorf("refresh credentials: %w", err)
	}

	if fields, ok := v.(map[string]any); ok {
		applyFields(conn, fields)
	}
	return nil
}

// applyFields mirrors a field-wise store update onto the in-memory
// connection.
func applyFields(conn *store.ProviderConnection, fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "accessToken":
			if s, ok := value.(string); ok && s != "" {
				conn.AccessToken = s
			}
		case "refreshToken":
			if s, ok := value.(string); ok && s != "" {
				conn.RefreshToken = s
			}
		case "idToken":
			if s, ok := value.(string); ok {
				conn.IDToken = s
			}
		case "expiresAt":
			if t, ok := value.(time.Time); ok {
				conn.ExpiresAt = t
			}
		case "providerSpecific":
			if m, ok := value.(map[string]any); ok {
				conn.ProviderSpecific = m
			}
		}
	}
	conn.UpdatedAt = time.Now()
}

// markFailure persists the health update for a failed attempt and logs it.
func (e *Engine) markFailure(ctx context.Context, conn *store.ProviderConnection, class failureClass, status int, errMsg string, retryAfterMs int64, log *logrus.Entry) {
	fields := failureFields(class, status, conn.BackoffLevel, errMsg, retryAfterMs, time.Now())
	if err := e.store.UpdateConnection(ctx, conn.ID, fields); err != nil {
		log.Warnf("⚠️ recording failure for %s failed: %v", conn.ID, err)
	}
}

// markSuccess clears any prior failure state; a healthy connection is left
// untouched to avoid a write per request.
func (e *Engine) markSuccess(ctx context.Context, conn *store.ProviderConnection, log *logrus.Entry) {
	if conn.BackoffLevel == 0 && conn.Status != store.StatusUnavailable && conn.RateLimitedUntil == nil {
		return
	}
	if err := e.store.UpdateConnection(ctx, conn.ID, successFields()); err != nil {
		log.Warnf("⚠️ clearing failure state for %s failed: %v", conn.ID, err)
	}
}

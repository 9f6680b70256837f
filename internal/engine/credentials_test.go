package engine

import (
	"testing"
	"time"

	"github.com/polyrelay/polyrelay/internal/store"
)

func connFixture(id string, priority int, updated time.Time) *store.ProviderConnection {
	return &store.ProviderConnection{
		ID:        id,
		Provider:  "openai",
		AuthType:  store.AuthTypeAPIKey,
		Priority:  priority,
		IsActive:  true,
		UpdatedAt: updated,
	}
}

func TestCandidateOrdering(t *testing.T) {
	now := time.Now()
	rec := &store.MachineRecord{
		Providers: map[string]*store.ProviderConnection{
			"old-p1":  connFixture("old-p1", 1, now.Add(-2*time.Hour)),
			"new-p1":  connFixture("new-p1", 1, now.Add(-time.Minute)),
			"p2":      connFixture("p2", 2, now),
			"unset-p": connFixture("unset-p", 0, now),
		},
	}

	usable, _ := candidateConnections(rec, "openai", nil, now)
	if len(usable) != 4 {
		t.Fatalf("usable = %d, want 4", len(usable))
	}
	wantOrder := []string{"new-p1", "old-p1", "p2", "unset-p"}
	for i, want := range wantOrder {
		if usable[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, usable[i].ID, want)
		}
	}
}

func TestCandidateSkipsInactiveAndExcluded(t *testing.T) {
	now := time.Now()
	inactive := connFixture("inactive", 1, now)
	inactive.IsActive = false
	rec := &store.MachineRecord{
		Providers: map[string]*store.ProviderConnection{
			"inactive": inactive,
			"excluded": connFixture("excluded", 1, now),
			"good":     connFixture("good", 2, now),
		},
	}

	usable, _ := candidateConnections(rec, "openai", map[string]bool{"excluded": true}, now)
	if len(usable) != 1 || usable[0].ID != "good" {
		t.Errorf("usable = %+v, want only good", usable)
	}
}

func TestCandidateRateLimitedReportsEarliest(t *testing.T) {
	now := time.Now()
	soon := now.Add(30 * time.Second)
	later := now.Add(5 * time.Minute)

	a := connFixture("a", 1, now)
	a.RateLimitedUntil = &later
	b := connFixture("b", 1, now)
	b.RateLimitedUntil = &soon

	rec := &store.MachineRecord{
		Providers: map[string]*store.ProviderConnection{"a": a, "b": b},
	}

	usable, earliest := candidateConnections(rec, "openai", nil, now)
	if len(usable) != 0 {
		t.Fatalf("usable = %d, want 0", len(usable))
	}
	if earliest == nil || !earliest.Equal(soon) {
		t.Errorf("earliest = %v, want %v", earliest, soon)
	}
}

func TestCandidateExpiredCooldownIsUsable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	a := connFixture("a", 1, now)
	a.RateLimitedUntil = &past

	rec := &store.MachineRecord{Providers: map[string]*store.ProviderConnection{"a": a}}
	usable, _ := candidateConnections(rec, "openai", nil, now)
	if len(usable) != 1 {
		t.Errorf("expired cooldown not usable")
	}
}

func TestCandidateIgnoresOtherProviders(t *testing.T) {
	now := time.Now()
	other := connFixture("other", 1, now)
	other.Provider = "anthropic"
	rec := &store.MachineRecord{Providers: map[string]*store.ProviderConnection{"other": other}}

	usable, _ := candidateConnections(rec, "openai", nil, now)
	if len(usable) != 0 {
		t.Errorf("usable = %+v, want none", usable)
	}
}

func TestApplyFieldsMergesTokens(t *testing.T) {
	conn := &store.ProviderConnection{
		AccessToken:  "old-access",
		RefreshToken: "keep-me",
	}
	expiry := time.Now().Add(time.Hour)
	applyFields(conn, map[string]any{
		"accessToken": "new-access",
		"expiresAt":   expiry,
	})

	if conn.AccessToken != "new-access" {
		t.Errorf("accessToken = %s", conn.AccessToken)
	}
	if conn.RefreshToken != "keep-me" {
		t.Errorf("refreshToken clobbered: %s", conn.RefreshToken)
	}
	if !conn.ExpiresAt.Equal(expiry) {
		t.Errorf("expiresAt = %v", conn.ExpiresAt)
	}
}

func TestApplyFieldsIgnoresEmptyToken(t *testing.T) {
	conn := &store.ProviderConnection{AccessToken: "old"}
	applyFields(conn, map[string]any{"accessToken": ""})
	if conn.AccessToken != "old" {
		t.Error("empty accessToken overwrote the existing one")
	}
}

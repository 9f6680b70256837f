package engine

import (
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   failureClass
	}{
		{200, failNone},
		{201, failNone},
		{401, failAuth},
		{403, failAuth},
		{404, failClient},
		{400, failClient},
		{422, failClient},
		{429, failRateLimit},
		{500, failServer},
		{502, failServer},
		{529, failServer},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestCooldownRateLimitSchedule(t *testing.T) {
	cases := []struct {
		level int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour},
		{20, time.Hour},
	}
	for _, tc := range cases {
		if got := cooldownFor(failRateLimit, tc.level, 0); got != tc.want {
			t.Errorf("rate limit cooldown at level %d = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestCooldownRateLimitHonorsHint(t *testing.T) {
	if got := cooldownFor(failRateLimit, 5, 7643000); got != 7643000*time.Millisecond {
		t.Errorf("hinted cooldown = %v, want 7643000ms", got)
	}
}

func TestCooldownServerSchedule(t *testing.T) {
	if got := cooldownFor(failServer, 0, 0); got != 30*time.Second {
		t.Errorf("server cooldown level 0 = %v", got)
	}
	if got := cooldownFor(failServer, 8, 0); got != 10*time.Minute {
		t.Errorf("server cooldown cap = %v, want 10m", got)
	}
}

func TestCooldownAuthIsFlat(t *testing.T) {
	for _, level := range []int{0, 3, 9} {
		if got := cooldownFor(failAuth, level, 0); got != 5*time.Minute {
			t.Errorf("auth cooldown at level %d = %v, want 5m", level, got)
		}
	}
}

func TestCooldownClientIsZero(t *testing.T) {
	if got := cooldownFor(failClient, 2, 0); got != 0 {
		t.Errorf("client cooldown = %v, want 0", got)
	}
}

func TestFailureFieldsIncrementsBackoff(t *testing.T) {
	now := time.Now()
	fields := failureFields(failServer, 502, 2, "bad gateway", 0, now)

	if fields["backoffLevel"] != 3 {
		t.Errorf("backoffLevel = %v, want 3", fields["backoffLevel"])
	}
	until, ok := fields["rateLimitedUntil"].(time.Time)
	if !ok {
		t.Fatal("rateLimitedUntil missing")
	}
	if want := now.Add(2 * time.Minute); !until.Equal(want) {
		t.Errorf("rateLimitedUntil = %v, want %v", until, want)
	}
	if fields["status"] != "unavailable" {
		t.Errorf("status = %v, want unavailable while cooling down", fields["status"])
	}
}

func TestFailureFieldsCooldownMarksUnavailable(t *testing.T) {
	for _, class := range []failureClass{failRateLimit, failServer, failNetwork, failAuth} {
		fields := failureFields(class, 0, 0, "x", 0, time.Now())
		if fields["status"] != "unavailable" {
			t.Errorf("class %v: status = %v, want unavailable", class, fields["status"])
		}
		if _, ok := fields["rateLimitedUntil"]; !ok {
			t.Errorf("class %v: no cooldown recorded", class)
		}
	}
}

func TestFailureFieldsClientHasNoCooldown(t *testing.T) {
	fields := failureFields(failClient, 404, 0, "not found", 0, time.Now())
	if _, ok := fields["rateLimitedUntil"]; ok {
		t.Error("client failure set a cooldown")
	}
	if _, ok := fields["backoffLevel"]; ok {
		t.Error("client failure bumped backoff")
	}
}

func TestSuccessFieldsResetState(t *testing.T) {
	fields := successFields()
	if fields["backoffLevel"] != 0 || fields["status"] != "active" {
		t.Errorf("successFields() = %v", fields)
	}
	if v, ok := fields["rateLimitedUntil"]; !ok || v != nil {
		t.Errorf("rateLimitedUntil = %v, want explicit nil", v)
	}
}

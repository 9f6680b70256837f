package logging

import (
	"context"
	"testing"
)

func TestRequestIDShape(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if len(a) != 8 || len(b) != 8 {
		t.Errorf("request ids %q, %q: want 8 hex chars", a, b)
	}
	if a == b {
		t.Errorf("two generated ids collided: %s", a)
	}
}

func TestRequestIDContextPlumbing(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID on a bare context = %q, want empty", got)
	}

	ctx = WithRequestID(ctx, "4f9a01bc")
	if got := GetRequestID(ctx); got != "4f9a01bc" {
		t.Errorf("GetRequestID = %q, want 4f9a01bc", got)
	}
}

func TestForCarriesRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "deadbeef")
	entry := For(ctx)
	if entry.Data["requestId"] != "deadbeef" {
		t.Errorf("entry requestId = %v, want deadbeef", entry.Data["requestId"])
	}
}

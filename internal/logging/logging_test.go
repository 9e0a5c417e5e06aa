package logging

import (
	"context"
	"testing"
)

func TestNewReturnsLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if New(level, "text") == nil {
			t.Errorf("New(%q, text) returned nil", level)
		}
	}
	if New("info", "json") == nil {
		t.Error("New(info, json) returned nil")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID on empty context = %q, want empty", got)
	}
}

func TestLoggerRoundTrip(t *testing.T) {
	logger := New("info", "text")
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext did not return the stored logger")
	}
	if L(WithRequestID(ctx, "r1")) == nil {
		t.Error("L returned nil")
	}
}

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("snapshot computed", "orders_total", 12)

	out := buf.String()
	if !strings.Contains(out, `"msg":"snapshot computed"`) {
		t.Errorf("expected JSON message, got %s", out)
	}
	if !strings.Contains(out, `"orders_total":12`) {
		t.Errorf("expected attribute in output, got %s", out)
	}
}

func TestActor(t *testing.T) {
	ctx := context.Background()
	if a := Actor(ctx); a != SystemActor {
		t.Errorf("expected %q, got %q", SystemActor, a)
	}

	ctx = WithActor(ctx, "ops@shop")
	if a := Actor(ctx); a != "ops@shop" {
		t.Errorf("expected ops@shop, got %q", a)
	}

	ctx = WithActor(ctx, "")
	if a := Actor(ctx); a != SystemActor {
		t.Errorf("empty actor should fall back to system, got %q", a)
	}
}

func TestRequestID_OverwritesPrevious(t *testing.T) {
	ctx := WithRequestID(context.Background(), "first")
	ctx = WithRequestID(ctx, "second")

	if id := RequestID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
}

func TestL_DecoratesWithRequestAndActor(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithActor(ctx, "alice")

	L(ctx).Info("approved")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-456"`) || !strings.Contains(out, `"actor":"alice"`) {
		t.Errorf("expected request_id and actor, got %s", out)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected default logger")
	}
}

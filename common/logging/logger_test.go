package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/imagepipe/imagepipe/common/middleware"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{
			name:   "json format with info level",
			level:  slog.LevelInfo,
			format: "json",
		},
		{
			name:   "text format with debug level",
			level:  slog.LevelDebug,
			format: "text",
		},
		{
			name:   "default format (json) with error level",
			level:  slog.LevelError,
			format: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			if logger.Logger == nil {
				t.Fatal("expected non-nil underlying logger")
			}
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")
	logger.Info("hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("expected msg 'hello', got %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key 'value', got %v", entry["key"])
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil || logger.Logger == nil {
		t.Fatal("expected non-nil discard logger")
	}
	// Must not panic.
	logger.InfoContext(context.Background(), "dropped")
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	tests := []struct {
		name      string
		ctx       context.Context
		wantKeys  []string
		wantValue []string
	}{
		{
			name:      "request ID",
			ctx:       context.WithValue(context.Background(), middleware.RequestIDKey, "req-123"),
			wantKeys:  []string{FieldRequestID},
			wantValue: []string{"req-123"},
		},
		{
			name:      "message ID",
			ctx:       ContextWithMessageID(context.Background(), "msg-456"),
			wantKeys:  []string{FieldMessageID},
			wantValue: []string{"msg-456"},
		},
		{
			name: "both",
			ctx: ContextWithMessageID(
				context.WithValue(context.Background(), middleware.RequestIDKey, "req-1"), "msg-2"),
			wantKeys:  []string{FieldRequestID, FieldMessageID},
			wantValue: []string{"req-1", "msg-2"},
		},
		{
			name: "neither",
			ctx:  context.Background(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			logger.WithContext(tt.ctx).Info("test message")

			out := buf.String()
			for i, key := range tt.wantKeys {
				if !strings.Contains(out, key) {
					t.Errorf("expected %q field in output, got: %s", key, out)
				}
				if !strings.Contains(out, tt.wantValue[i]) {
					t.Errorf("expected %q in output, got: %s", tt.wantValue[i], out)
				}
			}
			if len(tt.wantKeys) == 0 && (strings.Contains(out, FieldRequestID) || strings.Contains(out, FieldMessageID)) {
				t.Errorf("expected no context fields, got: %s", out)
			}
		})
	}
}

func TestMessageIDFromContext_Missing(t *testing.T) {
	if got := MessageIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty message ID, got %q", got)
	}
}

func TestLevelMethods(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger, ctx context.Context)
		level string
	}{
		{"info", func(l *Logger, ctx context.Context) { l.InfoContext(ctx, "m") }, "INFO"},
		{"warn", func(l *Logger, ctx context.Context) { l.WarnContext(ctx, "m") }, "WARN"},
		{"error", func(l *Logger, ctx context.Context) { l.ErrorContext(ctx, "m") }, "ERROR"},
		{"debug", func(l *Logger, ctx context.Context) { l.DebugContext(ctx, "m") }, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, slog.LevelDebug, "json")
			tt.log(logger, ContextWithMessageID(context.Background(), "m-1"))

			out := buf.String()
			if !strings.Contains(out, tt.level) {
				t.Errorf("expected %s level in output, got: %s", tt.level, out)
			}
			if !strings.Contains(out, "m-1") {
				t.Errorf("expected message ID in output, got: %s", out)
			}
		})
	}
}

func TestWithAndWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	logger.With("service", "imagepipe").WithGroup("queue").Info("test", "name", "work")

	out := buf.String()
	if !strings.Contains(out, `"service":"imagepipe"`) {
		t.Errorf("expected service attribute, got: %s", out)
	}
	if !strings.Contains(out, `"queue":{"name":"work"}`) {
		t.Errorf("expected grouped attribute, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

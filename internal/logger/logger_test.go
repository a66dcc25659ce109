package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo}, // Defaults to info
		{"", slog.LevelInfo},        // Defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := parseLevel(tt.level); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
			log := New(tt.level, "test")
			if !log.Enabled(context.Background(), tt.expected) {
				t.Errorf("expected level %v to be enabled", tt.expected)
			}
		})
	}
}

func TestNewWithWriterTagsService(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "ingest").Info("hello", "document_id", "doc-1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if line["service"] != "ingest" || line["document_id"] != "doc-1" || line["msg"] != "hello" {
		t.Errorf("unexpected log line %v", line)
	}
}

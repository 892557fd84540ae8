package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&buf)

	logger.WithField("address", "ADDR").WithError(errors.New("boom")).Info("poll failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "poll failed" {
		t.Errorf("message = %v, want %v", entry["message"], "poll failed")
	}
	if entry["address"] != "ADDR" {
		t.Errorf("address = %v, want %v", entry["address"], "ADDR")
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want %v", entry["error"], "boom")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelWarn, FormatJSON)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn entry missing: %q", buf.String())
	}

	buf.Reset()
	child := logger.WithField("k", "v")
	logger.SetLevel(LevelDebug)
	child.Debug("child debug")
	if !strings.Contains(buf.String(), "child debug") {
		t.Errorf("derived logger should follow parent level, got %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	if got := ParseLogFormat("text"); got != FormatText {
		t.Errorf("ParseLogFormat(text) = %v, want %v", got, FormatText)
	}
	if got := ParseLogFormat("xml"); got != FormatJSON {
		t.Errorf("ParseLogFormat(xml) = %v, want %v", got, FormatJSON)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	reqLogger := NewLogger(LevelInfo, FormatJSON)
	reqLogger.SetOutput(&buf)

	ctx := WithLogger(context.Background(), reqLogger.WithField("requestId", "r-1"))
	FromContext(ctx).Info("handled")

	if !strings.Contains(buf.String(), `"requestId":"r-1"`) {
		t.Errorf("context logger fields missing: %q", buf.String())
	}
	if FromContext(context.Background()) != GetGlobalLogger() {
		t.Error("a bare context should yield the global logger")
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"  warn  ", slog.LevelWarn},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetupJSONDefault(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "", &buf)

	slog.Info("hello", "k", "v")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "hello" || record["k"] != "v" {
		t.Errorf("unexpected record: %v", record)
	}
}

func TestSetupTextFormat(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "text", &buf)

	slog.Info("plain line")

	if !strings.Contains(buf.String(), "msg=\"plain line\"") {
		t.Errorf("expected text handler output, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("warn", "json", &buf)

	slog.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info record emitted at warn level: %q", buf.String())
	}

	slog.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("warn record missing")
	}
}

func TestStdlibBridge(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "json", &buf)

	log.Printf("bridged %d", 42)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("bridge output is not JSON: %v", err)
	}
	if record["msg"] != "bridged 42" {
		t.Errorf("unexpected bridged message: %v", record["msg"])
	}
	if record["source"] != "stdlib" {
		t.Errorf("missing stdlib source attr: %v", record)
	}
}

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func reset() {
	logger = nil
	once = *new(sync.Once)
}

func TestSetupWriterLevelAndFormat(t *testing.T) {
	reset()
	t.Cleanup(reset)

	var buf bytes.Buffer
	SetupWriter(&buf, "WARN", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Get().Info("dropped")
	Get().Warn("kept", "sender", "wzx")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["msg"] != "kept" || out["sender"] != "wzx" {
		t.Errorf("unexpected record %v", out)
	}
}

func TestSetupWriterText(t *testing.T) {
	reset()
	t.Cleanup(reset)

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "text")
	Get().Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(reset)

	WithComponent("server").Info("a")
	WithSender("wzx").Info("b")
	WithRequest("req-1").Info("c")

	want := []struct{ key, val string }{
		{"component", "server"},
		{"sender", "wzx"},
		{"request_id", "req-1"},
	}
	dec := json.NewDecoder(&buf)
	for _, w := range want {
		var out map[string]any
		if err := dec.Decode(&out); err != nil {
			t.Fatalf("Failed to decode JSON: %v", err)
		}
		if out[w.key] != w.val {
			t.Errorf("Expected %s %q, got %v", w.key, w.val, out[w.key])
		}
	}
}

package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"enforcement-queue/internal/logging"
)

func TestNew_RendersCritical(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "info", "json")

	logger.Log(context.Background(), logging.LevelCritical, "queue rpc endpoint missing", "kind", "enrich")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json log line: %v: %s", err, buf.String())
	}
	if line["level"] != "CRITICAL" || line["kind"] != "enrich" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "warn", "text")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info filtered at warn level, got %q", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn line")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"WARNING":  slog.LevelWarn,
		"error":    slog.LevelError,
		"critical": logging.LevelCritical,
		"":         slog.LevelInfo,
		"bogus":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := logging.ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

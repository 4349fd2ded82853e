package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", "json")
	log.Info().Str("component", "test").Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json output expected, got %q: %v", buf.String(), err)
	}
	if line["message"] != "hello" || line["component"] != "test" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewAutoOnNonTerminalIsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "auto")
	log.Info().Msg("plain")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("auto format on a buffer should be json, got %q", buf.String())
	}
}

func TestNewBadLevelFallsBackToInfo(t *testing.T) {
	_ = New(&bytes.Buffer{}, "loud", "json")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("global level = %s, want info", zerolog.GlobalLevel())
	}
}

package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))

	log.Info("poll finished", "namespace", 3)

	line := buf.String()
	if !strings.Contains(line, "[INF] poll finished namespace=3") {
		t.Errorf("unexpected line %q", line)
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).With("component", "poller")

	log.Warn("backoff")

	if !strings.Contains(buf.String(), "[WRN] backoff component=poller") {
		t.Errorf("attributes not carried: %q", buf.String())
	}
}

func TestHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).WithGroup("swarm")

	log.Error("evicted", "node", "1.2.3.4")

	if !strings.Contains(buf.String(), "swarm.node=1.2.3.4") {
		t.Errorf("group prefix missing: %q", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}

	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record written below warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}

	if err := SetLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

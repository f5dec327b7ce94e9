package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandlerLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)).
		With("component", "registry")

	log.Debug("hidden")
	log.Info("command.dispatch", "command", "ping", "outcome", "handled", "duration_ms", 12, "text", "two words")
	log.WithGroup("req").Info("grouped", "id", 7)

	line := buf.String()
	if strings.Contains(line, "hidden") {
		t.Fatalf("debug record written at info level: %q", line)
	}
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=command.dispatch",
		"component=registry",
		"command=ping",
		"outcome=handled",
		"duration=12ms",
		`text="two words"`,
		"req.id=7",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if stripANSI(line) != line {
		t.Fatalf("colorless handler wrote escapes: %q", line)
	}
}

func TestPrettyHandlerColorsKnownKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newPrettyHandler(&buf, nil, true)).Warn("http.request", "status", 503, "session", "alice", "outcome", "denied", "note", "plain")

	line := buf.String()
	for _, want := range []string{
		ansiRed + "503" + ansiReset,
		"session=" + ansiCyan + "alice" + ansiReset,
		"outcome=" + ansiYellow + "denied" + ansiReset,
		"note=plain",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if !strings.Contains(stripANSI(line), "lvl=[WARN]") {
		t.Fatalf("missing level tag: %q", stripANSI(line))
	}
}

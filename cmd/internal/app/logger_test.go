package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandlerFormats(t *testing.T) {
	t.Parallel()

	var jsonBuf, prettyBuf bytes.Buffer
	slog.New(newHandler(&jsonBuf, "info", "json", false)).Info("session.start", "session", "main")
	slog.New(newHandler(&prettyBuf, "info", "PRETTY", false)).Info("session.start", "session", "main")

	if !strings.Contains(jsonBuf.String(), `"msg":"session.start"`) {
		t.Fatalf("json output=%q", jsonBuf.String())
	}
	if !strings.Contains(prettyBuf.String(), "msg=session.start") || !strings.Contains(prettyBuf.String(), "session=main") {
		t.Fatalf("pretty output=%q", prettyBuf.String())
	}
}

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw    string
		want   zerolog.Level
		wantOK bool
	}{
		{"trace", zerolog.TraceLevel, true},
		{" DEBUG ", zerolog.DebugLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"", zerolog.InfoLevel, false},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewHonoursLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	var buf bytes.Buffer
	logger := New("test", Config{Level: "warn", NoColor: true}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "app=test") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogNoColor, "true")

	var buf bytes.Buffer
	logger := New("test", Config{Level: "error"}, &buf)
	logger.Debug().Msg("visible")

	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug line missing: %q", buf.String())
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("colour codes written with %s set", EnvLogNoColor)
	}
}

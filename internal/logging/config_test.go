package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogBypass, "true")
	t.Setenv(EnvLogTimestamp, "nope")
	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || !cfg.Bypass {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Timestamp {
		t.Fatalf("invalid bool must leave the default")
	}
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()
	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, Bypass: true, App: "fc-remote", Out: &buf})
	log.Info().Uint64("hnd", 7).Msg("stored")
	line := buf.String()
	if !strings.Contains(line, `"app":"fc-remote"`) || !strings.Contains(line, `"hnd":7`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/fcbridge/internal/bridge"
	"github.com/danmuck/fcbridge/internal/protocol/session"
	"github.com/danmuck/fcbridge/internal/remote"
	"github.com/danmuck/fcbridge/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDriverConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
forward_socket = "/tmp/a.sock"
reverse_socket = "/tmp/a-x.sock"
args = ["--trace", "/tmp/trace.out"]
wait_attempts = 7

[session]
call_timeout = "30s"
workers = 4

[session.backoff]
initial_delay = "100ms"
max_delay = "2s"
multiplier = 2.0
`)
	cfg, err := LoadDriverConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	want := bridge.DefaultConfig()
	want.ForwardSocket = "/tmp/a.sock"
	want.ReverseSocket = "/tmp/a-x.sock"
	want.Args = []string{"--trace", "/tmp/trace.out"}
	want.WaitAttempts = 7
	want.Session.CallTimeout = 30 * time.Second
	want.Session.Workers = 4
	want.Session.Backoff = session.BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDriverConfigKeepsDefaultsForEmptyFile(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadDriverConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if diff := cmp.Diff(bridge.DefaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults changed (-want +got):\n%s", diff)
	}
}

func TestLoadDriverConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":     "[session]\nconnect_timeout = \"soon\"\n",
		"zero":         "[session]\nhandshake_timeout = \"0s\"\n",
		"workers":      "[session]\nworkers = 0\n",
		"backoff":      "[session.backoff]\ninitial_delay = \"2s\"\nmax_delay = \"1s\"\n",
		"same sockets": "forward_socket = \"/tmp/s\"\nreverse_socket = \"/tmp/s\"\n",
		"unknown key":  "forward_sock = \"/tmp/s\"\n",
	}
	for name, content := range cases {
		if _, err := LoadDriverConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestLoadRemoteConfigAllowsSocketsFromFlags(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadRemoteConfig(writeConfig(t, "dial_attempts = 3\n[session]\nrelease_queue = 8\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := remote.DefaultConfig()
	want.DialAttempts = 3
	want.Session.ReleaseQueue = 8
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadRemoteConfig(writeConfig(t, "forward_socket = \"/tmp/only.sock\"\n")); err == nil {
		t.Fatalf("expected an error for a half-configured socket pair")
	}
}

func TestTemplatesValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"local", "remote"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("%s: write template: %v", kind, err)
		}
		if err := Validate(path, kind); err != nil {
			t.Fatalf("%s: template does not load: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Fatalf("%s: expected refusal to overwrite, got %v", kind, err)
		}
	}
	if _, err := Template("mirage"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

package launch

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/fcbridge/internal/protocol/session"
	"github.com/danmuck/fcbridge/internal/testutil/testlog"
)

func fastWait(attempts int) WaitOptions {
	return WaitOptions{
		Attempts: attempts,
		Backoff:  session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond},
	}
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
}

func TestDiscoverPrefersExecEnv(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	exe := filepath.Join(dir, "custom-remote")
	writeExecutable(t, exe)
	t.Setenv(EnvExec, exe)
	t.Setenv(EnvDir, "")

	got, err := Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got != exe {
		t.Fatalf("got %q want %q", got, exe)
	}
}

func TestDiscoverExecEnvMustBeExecutable(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	exe := filepath.Join(dir, "plain")
	if err := os.WriteFile(exe, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvExec, exe)
	if _, err := Discover(); !errors.Is(err, ErrExecutableAbsent) {
		t.Fatalf("expected ErrExecutableAbsent, got %v", err)
	}
}

func TestDiscoverUsesDirEnv(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	exe := filepath.Join(dir, ExeName)
	writeExecutable(t, exe)
	t.Setenv(EnvExec, "")
	t.Setenv(EnvDir, dir)

	got, err := Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got != exe {
		t.Fatalf("got %q want %q", got, exe)
	}
}

func TestWaitForSocketSeesLateSocket(t *testing.T) {
	testlog.Start(t)
	dir, err := os.MkdirTemp("", "fcl")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "f.sock")

	go func() {
		time.Sleep(50 * time.Millisecond)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return
		}
		t.Cleanup(func() { ln.Close() })
	}()

	if err := WaitForSocket(context.Background(), path, fastWait(100)); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitForSocketTimesOut(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "never.sock")
	err := WaitForSocket(context.Background(), path, fastWait(3))
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
}

func TestWaitForSocketStopsWhenProcessExits(t *testing.T) {
	testlog.Start(t)
	exited := make(chan struct{})
	close(exited)
	opts := fastWait(1000)
	opts.Exited = exited
	err := WaitForSocket(context.Background(), filepath.Join(t.TempDir(), "x.sock"), opts)
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestWaitForSocketForeverHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	opts := fastWait(1)
	opts.Forever = true
	err := WaitForSocket(ctx, filepath.Join(t.TempDir(), "x.sock"), opts)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestStartAndTerminate(t *testing.T) {
	testlog.Start(t)
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	t.Setenv(EnvDbgAddr, "")
	// forward and reverse land in $0 and $1 of the script
	p, err := Start(Spec{Exe: sh, Args: []string{"-c", "exec sleep 30"}, Forward: "fwd", Reverse: "rev"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.PID() <= 0 || p.Debug() {
		t.Fatalf("unexpected process state pid=%d debug=%v", p.PID(), p.Debug())
	}
	if err := p.Terminate(2 * time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case <-p.Exited():
	default:
		t.Fatalf("process still running after terminate")
	}
	// idempotent
	if err := p.Terminate(time.Second); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestStartedProcessExitAbortsWait(t *testing.T) {
	testlog.Start(t)
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	t.Setenv(EnvDbgAddr, "")
	p, err := Start(Spec{Exe: sh, Args: []string{"-c", "exit 3"}, Forward: "fwd", Reverse: "rev"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	opts := fastWait(1000)
	opts.Exited = p.Exited()
	err = WaitForSocket(context.Background(), filepath.Join(t.TempDir(), "x.sock"), opts)
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
	var exitErr *exec.ExitError
	if err := p.Terminate(time.Second); !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
}

// Package launch starts and stops the Remote Runtime process.
//
// Ownership boundary:
// - executable discovery
// - process start with parent-death signal and optional debugger wrapping
// - waiting for the forward socket to appear
// - terminate and wait
package launch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/fcbridge/internal/protocol/session"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	ExeName = "fc-remote"

	EnvExec    = "FCBRIDGE_EXEC"
	EnvDir     = "FCBRIDGE_DIR"
	EnvDbgAddr = "FCBRIDGE_DBG_ADDR"
)

var (
	ErrStartupTimeout   = errors.New("launch: remote socket did not appear")
	ErrExecutableAbsent = errors.New("launch: remote executable not found")
	ErrProcessExited    = errors.New("launch: remote process exited during startup")
)

// Discover finds the Remote Runtime executable. Order: $FCBRIDGE_EXEC,
// $FCBRIDGE_DIR/fc-remote, ~/.fcbridge/bin/fc-remote, then PATH.
func Discover() (string, error) {
	if exe := os.Getenv(EnvExec); exe != "" {
		if isExecutable(exe) {
			return exe, nil
		}
		return "", fmt.Errorf("%w: %s=%s", ErrExecutableAbsent, EnvExec, exe)
	}
	var tried []string
	if dir := os.Getenv(EnvDir); dir != "" {
		candidate := filepath.Join(dir, ExeName)
		if isExecutable(candidate) {
			return candidate, nil
		}
		tried = append(tried, candidate)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".fcbridge", "bin", ExeName)
		if isExecutable(candidate) {
			return candidate, nil
		}
		tried = append(tried, candidate)
	}
	if exe, err := exec.LookPath(ExeName); err == nil {
		return exe, nil
	}
	tried = append(tried, "$PATH")
	return "", fmt.Errorf("%w: tried %v", ErrExecutableAbsent, tried)
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0
}

// Spec describes one Remote Runtime launch.
type Spec struct {
	Exe     string
	Forward string
	Reverse string
	Trace   string
	Args    []string
	// DebugAddr wraps the process in a headless dlv listening there.
	DebugAddr string
	Stdout    *os.File
	Stderr    *os.File
}

// Process is a started Remote Runtime.
type Process struct {
	cmd      *exec.Cmd
	exited   chan struct{}
	debug    bool
	waitErr  error
	stopOnce sync.Once
}

// Start launches the Remote Runtime. When spec.DebugAddr is empty the
// $FCBRIDGE_DBG_ADDR environment variable is consulted.
func Start(spec Spec) (*Process, error) {
	if spec.DebugAddr == "" {
		spec.DebugAddr = os.Getenv(EnvDbgAddr)
	}
	args := append([]string(nil), spec.Args...)
	if spec.Trace != "" {
		args = append(args, "--trace", spec.Trace)
	}
	args = append(args, spec.Forward, spec.Reverse)

	name := spec.Exe
	if spec.DebugAddr != "" {
		dlvArgs := []string{"exec", "--headless", "--listen=" + spec.DebugAddr, "--api-version=2", spec.Exe, "--"}
		args = append(dlvArgs, args...)
		name = "dlv"
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = sysProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: start %s: %w", name, err)
	}
	p := &Process{cmd: cmd, exited: make(chan struct{}), debug: spec.DebugAddr != ""}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	log.Info().Str("exe", name).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("launch.Start remote runtime started")
	return p, nil
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Debug reports whether the process runs under a debugger.
func (p *Process) Debug() bool { return p.debug }

// Exited is closed when the process ends.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Terminate sends SIGTERM, waits up to grace, then kills. It returns the
// process exit error, nil for a clean or signalled exit.
func (p *Process) Terminate(grace time.Duration) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn().Err(err).Int("pid", p.PID()).Msg("launch.Terminate signal failed")
		}
		select {
		case <-p.exited:
		case <-time.After(grace):
			log.Warn().Int("pid", p.PID()).Dur("grace", grace).Msg("launch.Terminate killing remote runtime")
			p.cmd.Process.Kill()
			<-p.exited
		}
	})
	<-p.exited
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) && !exitErr.Exited() {
		// ended by our signal
		return nil
	}
	return p.waitErr
}

// WaitOptions control WaitForSocket.
type WaitOptions struct {
	Attempts int
	Backoff  session.BackoffConfig
	// Forever ignores Attempts, used while a debugger holds the process.
	Forever bool
	// Exited aborts the wait when closed.
	Exited <-chan struct{}
}

// WaitForSocket blocks until path exists. Between checks it waits for a
// filesystem event in the socket's directory or the backoff delay, whichever
// comes first.
func WaitForSocket(ctx context.Context, path string, opts WaitOptions) error {
	if opts.Attempts <= 0 {
		opts.Attempts = 20
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("launch: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("launch: watch %s: %w", filepath.Dir(path), err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 1
	timer := time.NewTimer(session.NextBackoffDelay(opts.Backoff, attempt, rng))
	defer timer.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			log.Debug().Str("path", path).Int("attempt", attempt).Msg("launch.WaitForSocket ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-opts.Exited:
			return ErrProcessExited
		case ev := <-watcher.Events:
			// any change in the directory triggers a re-check; only timer
			// expiry counts as an attempt
			log.Trace().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("launch.WaitForSocket event")
		case err := <-watcher.Errors:
			log.Debug().Err(err).Msg("launch.WaitForSocket watcher error")
		case <-timer.C:
			if !opts.Forever && attempt >= opts.Attempts {
				if _, err := os.Stat(path); err == nil {
					return nil
				}
				return fmt.Errorf("%w: %s after %d attempts", ErrStartupTimeout, path, opts.Attempts)
			}
			attempt++
			timer.Reset(session.NextBackoffDelay(opts.Backoff, attempt, rng))
		}
	}
}

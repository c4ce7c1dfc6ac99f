// Package remote is a reference Remote Runtime for the bridge.
//
// Ownership boundary:
//   - session: reverse dial, forward listener, hello handshake, session id
//   - the object table and the handle allocator (every handle is minted here)
//   - forward service answering the Local Runtime
//   - a compact walker over remote-hosted map nodes and locally hosted
//     nodes reached through reverse calls
//
// The walker implements just enough of the data-tree semantics to exercise
// the bridge: JSON read/write, the edit family, path navigation, actions
// and notifications.
package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
	"github.com/danmuck/fcbridge/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const side = "remote"

// Config describes one Remote Runtime session.
type Config struct {
	ForwardSocket string
	ReverseSocket string
	// DialAttempts bounds reverse-socket connection attempts.
	DialAttempts int
	Session      session.Config
}

func DefaultConfig() Config {
	return Config{
		DialAttempts: 20,
		Session:      session.DefaultConfig(),
	}
}

// Stats is a snapshot of the object table.
type Stats struct {
	SessionID  string
	Objects    int
	Selections int
	Nodes      int
}

// Runtime is one Remote Runtime session.
type Runtime struct {
	cfg       Config
	sessionID string

	alloc handle.Allocator
	objs  *handle.StrongPool
	// ids gives remote-hosted nodes a stable handle while registered
	idMu sync.Mutex
	ids  map[rnode]handle.Handle

	mu      sync.Mutex
	server  *rpc.Server
	reverse atomic.Pointer[rpc.Client]
	forward bool
	closed  bool
}

func New(cfg Config) *Runtime {
	def := DefaultConfig()
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = def.DialAttempts
	}
	if cfg.Session.Workers <= 0 {
		cfg.Session.Workers = def.Session.Workers
	}
	if cfg.Session.HandshakeTimeout <= 0 {
		cfg.Session.HandshakeTimeout = def.Session.HandshakeTimeout
	}
	if cfg.Session.ConnectTimeout <= 0 {
		cfg.Session.ConnectTimeout = def.Session.ConnectTimeout
	}
	if cfg.Session.Backoff.InitialDelay <= 0 {
		cfg.Session.Backoff = def.Session.Backoff
	}
	return &Runtime{
		cfg:       cfg,
		sessionID: session.NewSessionID(),
		objs:      handle.NewStrongPool(side + ".objects"),
		ids:       make(map[rnode]handle.Handle),
	}
}

func (rt *Runtime) SessionID() string { return rt.sessionID }

// Serve dials the Local Runtime's reverse socket, then listens on the
// forward socket and serves until ctx ends, the reverse channel drops or
// Close is called.
func (rt *Runtime) Serve(ctx context.Context) error {
	if err := session.ValidateSocketPaths(rt.cfg.ForwardSocket, rt.cfg.ReverseSocket); err != nil {
		return err
	}
	rc, err := rt.dialReverse(ctx)
	if err != nil {
		return err
	}
	rt.reverse.Store(rc)

	srv := rpc.NewServer(side, rpc.Options{Workers: rt.cfg.Session.Workers, Accept: rt.acceptForward})
	rt.register(srv)
	ln, err := rpc.Listen(rt.cfg.ForwardSocket)
	if err != nil {
		rc.Close()
		return err
	}
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		ln.Close()
		rc.Close()
		return ErrClosed
	}
	rt.server = srv
	rt.mu.Unlock()
	log.Info().
		Str("session", rt.sessionID).
		Str("forward", rt.cfg.ForwardSocket).
		Str("reverse", rt.cfg.ReverseSocket).
		Msg("remote.Runtime serving")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ln) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-rc.Done():
			log.Info().Err(rc.Err()).Msg("remote.Runtime reverse channel closed")
		}
		return rt.Close()
	})
	err = g.Wait()
	os.Remove(rt.cfg.ForwardSocket)
	return err
}

func (rt *Runtime) dialReverse(ctx context.Context) (*rpc.Client, error) {
	hello := session.Hello{
		Version:   session.ProtocolVersion,
		Role:      session.RoleRemoteReverse,
		SessionID: rt.sessionID,
		PID:       os.Getpid(),
	}
	handshake := func(conn net.Conn) (net.Conn, error) {
		wrapped, ack, err := session.ClientHandshake(conn, hello, rt.cfg.Session.HandshakeTimeout)
		if err != nil {
			return nil, err
		}
		if ack.SessionID != rt.sessionID {
			return nil, fmt.Errorf("remote: reverse ack for session %s, want %s", ack.SessionID, rt.sessionID)
		}
		return wrapped, nil
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= rt.cfg.DialAttempts; attempt++ {
		c, err := rpc.Dial(ctx, side, rt.cfg.ReverseSocket, rt.cfg.Session.ConnectTimeout, handshake)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if errors.Is(err, session.ErrHelloRejected) {
			return nil, err
		}
		delay := session.NextBackoffDelay(rt.cfg.Session.Backoff, attempt, rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("remote.Runtime reverse dial retry")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("remote: reverse dial %s: %w", rt.cfg.ReverseSocket, lastErr)
}

// acceptForward admits exactly one Local Runtime connection.
func (rt *Runtime) acceptForward(conn net.Conn) (net.Conn, error) {
	wrapped, h, err := session.ServerHandshake(conn, rt.sessionID, rt.cfg.Session.HandshakeTimeout, func(h session.Hello) error {
		if h.Role != session.RoleLocalForward {
			return fmt.Errorf("unexpected role %q", h.Role)
		}
		if h.SessionID != "" && h.SessionID != rt.sessionID {
			return fmt.Errorf("session %s is not %s", h.SessionID, rt.sessionID)
		}
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if rt.forward {
			return errors.New("forward channel already attached")
		}
		rt.forward = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Int("pid", h.PID).Msg("remote.Runtime forward channel attached")
	return wrapped, nil
}

// Close stops serving and drops every object.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	srv := rt.server
	rt.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c := rt.reverse.Swap(nil); c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.objs.Close()
	rt.idMu.Lock()
	clear(rt.ids)
	rt.idMu.Unlock()
	return errors.Join(errs...)
}

func (rt *Runtime) Stats() Stats {
	st := Stats{SessionID: rt.sessionID}
	for _, h := range rt.objs.Handles() {
		obj, ok := rt.objs.Lookup(h)
		if !ok {
			continue
		}
		st.Objects++
		switch obj.(type) {
		case *rsel:
			st.Selections++
		case rnode:
			st.Nodes++
		}
	}
	return st
}

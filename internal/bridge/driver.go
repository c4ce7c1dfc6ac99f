// Package bridge is the Local Runtime side of the handle-proxy bridge.
//
// Ownership boundary:
// - session lifecycle (Driver): reverse server, remote process, forward client
// - handle resolution between local objects and peer handles
// - Selection, Browser and Module proxies used by application code
// - reverse service dispatching peer calls to locally hosted nodes
//
// All handles are minted by the Remote Runtime. A local node gets one the
// first time it crosses the boundary and keeps it until the peer releases
// the last selection over it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/launch"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/session"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	side           = "local"
	terminateGrace = 5 * time.Second
)

// Config describes one session.
type Config struct {
	ForwardSocket string
	ReverseSocket string
	// Exe is the Remote Runtime executable; empty runs discovery.
	Exe   string
	Trace string
	Args  []string
	// WaitAttempts bounds the socket wait; the Session backoff spaces them.
	WaitAttempts int
	Session      session.Config
}

// DefaultConfig places both sockets in the temp dir, named by pid.
func DefaultConfig() Config {
	base := filepath.Join(os.TempDir(), fmt.Sprintf("fcbridge-%d", os.Getpid()))
	return Config{
		ForwardSocket: base + ".sock",
		ReverseSocket: base + "-x.sock",
		WaitAttempts:  20,
		Session:       session.DefaultConfig(),
	}
}

// Stats is a snapshot of session state.
type Stats struct {
	SessionID         string
	OpenNotifications int
	StrongHandles     int
	WeakHandles       int
}

// Driver is one bridge session. It owns the handle pools, the reverse server
// answering the peer, the forward client and, after Load, the Remote Runtime
// process.
type Driver struct {
	cfg Config

	mu       sync.Mutex
	strong   *handle.StrongPool
	weak     *handle.WeakPool
	releaser *handle.Releaser
	server   *rpc.Server
	serving  *errgroup.Group
	proc     *launch.Process
	client   atomic.Pointer[rpc.Client]

	sessMu         sync.Mutex
	sessionID      string
	reverseSession string

	// minting collapses concurrent first crossings of one node
	mintMu  sync.Mutex
	minting map[Node]*mintCall
	// refMu orders remote reference creation against lookups
	refMu   sync.Mutex
	resolve singleflight.Group

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
}

func New(cfg Config) *Driver {
	def := session.DefaultConfig()
	if cfg.Session.Workers <= 0 {
		cfg.Session.Workers = def.Workers
	}
	if cfg.Session.HandshakeTimeout <= 0 {
		cfg.Session.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Session.ConnectTimeout <= 0 {
		cfg.Session.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Session.Backoff.InitialDelay <= 0 {
		cfg.Session.Backoff = def.Backoff
	}
	if cfg.WaitAttempts <= 0 {
		cfg.WaitAttempts = 20
	}
	return &Driver{
		cfg:     cfg,
		minting: make(map[Node]*mintCall),
		subs:    make(map[*subscription]struct{}),
	}
}

// Load starts the reverse server, launches the Remote Runtime, waits for its
// socket and connects.
func (d *Driver) Load(ctx context.Context) error {
	return d.start(ctx, true)
}

// Attach is Load against a Remote Runtime someone else started.
func (d *Driver) Attach(ctx context.Context) error {
	return d.start(ctx, false)
}

func (d *Driver) start(ctx context.Context, launchRemote bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		return ErrLoaded
	}
	cfg := d.cfg
	if err := session.ValidateSocketPaths(cfg.ForwardSocket, cfg.ReverseSocket); err != nil {
		return err
	}

	d.strong = handle.NewStrongPool(side + ".strong")
	d.releaser = handle.NewReleaser(cfg.Session.ReleaseQueue, cfg.Session.ReleaseTimeout, d.sendRelease)
	d.weak = handle.NewWeakPool(side+".weak", d.releaser)
	d.sessMu.Lock()
	d.sessionID, d.reverseSession = "", ""
	d.sessMu.Unlock()
	defer func() {
		if err != nil {
			log.Error().Err(err).Msg("bridge.Driver start failed")
			if terr := d.teardown(); terr != nil {
				log.Warn().Err(terr).Msg("bridge.Driver teardown after failed start")
			}
		}
	}()

	srv := rpc.NewServer(side, rpc.Options{Workers: cfg.Session.Workers, Accept: d.acceptReverse})
	(&reverseService{d: d}).register(srv)
	ln, err := rpc.Listen(cfg.ReverseSocket)
	if err != nil {
		return err
	}
	d.server = srv
	d.serving = &errgroup.Group{}
	d.serving.Go(func() error { return srv.Serve(ln) })

	wait := launch.WaitOptions{Attempts: cfg.WaitAttempts, Backoff: cfg.Session.Backoff}
	if launchRemote {
		exe := cfg.Exe
		if exe == "" {
			if exe, err = launch.Discover(); err != nil {
				return err
			}
		}
		proc, err := launch.Start(launch.Spec{
			Exe:     exe,
			Forward: cfg.ForwardSocket,
			Reverse: cfg.ReverseSocket,
			Trace:   cfg.Trace,
			Args:    cfg.Args,
		})
		if err != nil {
			return err
		}
		d.proc = proc
		wait.Forever = proc.Debug()
		wait.Exited = proc.Exited()
	}
	if err := launch.WaitForSocket(ctx, cfg.ForwardSocket, wait); err != nil {
		return err
	}
	client, err := rpc.Dial(ctx, side, cfg.ForwardSocket, cfg.Session.ConnectTimeout, d.handshake)
	if err != nil {
		return err
	}
	d.client.Store(client)
	log.Info().
		Str("session", d.SessionID()).
		Str("forward", cfg.ForwardSocket).
		Str("reverse", cfg.ReverseSocket).
		Bool("launched", launchRemote).
		Msg("bridge.Driver session started")
	return nil
}

func (d *Driver) handshake(conn net.Conn) (net.Conn, error) {
	hello := session.Hello{Version: session.ProtocolVersion, Role: session.RoleLocalForward, PID: os.Getpid()}
	wrapped, ack, err := session.ClientHandshake(conn, hello, d.cfg.Session.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	if d.reverseSession != "" && d.reverseSession != ack.SessionID {
		return nil, fmt.Errorf("%w: forward=%s reverse=%s", ErrSessionMismatch, ack.SessionID, d.reverseSession)
	}
	d.sessionID = ack.SessionID
	return wrapped, nil
}

func (d *Driver) acceptReverse(conn net.Conn) (net.Conn, error) {
	wrapped, h, err := session.ServerHandshake(conn, "", d.cfg.Session.HandshakeTimeout, func(h session.Hello) error {
		if h.Role != session.RoleRemoteReverse {
			return fmt.Errorf("unexpected role %q", h.Role)
		}
		if h.SessionID == "" {
			return errors.New("session_id required")
		}
		d.sessMu.Lock()
		defer d.sessMu.Unlock()
		if d.sessionID != "" && d.sessionID != h.SessionID {
			return fmt.Errorf("%w: forward=%s reverse=%s", ErrSessionMismatch, d.sessionID, h.SessionID)
		}
		if d.reverseSession != "" && d.reverseSession != h.SessionID {
			return fmt.Errorf("reverse channel already bound to session %s", d.reverseSession)
		}
		d.reverseSession = h.SessionID
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("session", h.SessionID).Int("pid", h.PID).Msg("bridge.Driver reverse channel attached")
	return wrapped, nil
}

// Unload ends the session: pools first so no more release notifications
// are produced, then the reverse server, the forward client and finally the
// Remote Runtime process.
func (d *Driver) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return ErrNotLoaded
	}
	d.closeSubscriptions()
	err := d.teardown()
	log.Info().Err(err).Msg("bridge.Driver session ended")
	return err
}

func (d *Driver) teardown() error {
	var errs []error
	if d.weak != nil {
		d.weak.Close()
	}
	if d.releaser != nil {
		d.releaser.Close()
	}
	if d.strong != nil {
		d.strong.Close()
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.serving.Wait(); err != nil {
			errs = append(errs, err)
		}
		d.server = nil
	}
	if c := d.client.Swap(nil); c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.proc != nil {
		if err := d.proc.Terminate(terminateGrace); err != nil {
			errs = append(errs, fmt.Errorf("bridge: remote runtime exit: %w", err))
		}
		d.proc = nil
	}
	return errors.Join(errs...)
}

// SessionID is the id the Remote Runtime assigned, empty before connect.
func (d *Driver) SessionID() string {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	return d.sessionID
}

func (d *Driver) Stats() Stats {
	st := Stats{SessionID: d.SessionID()}
	d.subsMu.Lock()
	st.OpenNotifications = len(d.subs)
	d.subsMu.Unlock()
	d.mu.Lock()
	strong, weak := d.strong, d.weak
	d.mu.Unlock()
	if strong != nil {
		st.StrongHandles = strong.Len()
	}
	if weak != nil {
		st.WeakHandles = weak.Len()
	}
	return st
}

// sendRelease is the releaser's transport: a one-way Release.
func (d *Driver) sendRelease(ctx context.Context, h handle.Handle) error {
	c := d.client.Load()
	if c == nil {
		return ErrNotLoaded
	}
	return c.Notify(schema.MsgRelease, []tlv.Field{tlv.U64(schema.FieldHnd, uint64(h))})
}

// dropNode unregisters a local node: its strong entry goes, the peer is told
// and the node forgets its handle so its next crossing mints a new one.
func (d *Driver) dropNode(n Node) {
	h := n.Handle()
	if h == handle.None || isRemote(n) {
		return
	}
	if d.strong.ReleaseIf(h, n) {
		d.releaser.Enqueue(h)
	}
	n.SetHandle(handle.None)
	log.Trace().Uint64("hnd", uint64(h)).Msg("bridge.Driver node unregistered")
}

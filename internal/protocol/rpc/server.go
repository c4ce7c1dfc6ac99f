package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/danmuck/fcbridge/internal/observability"
	"github.com/danmuck/fcbridge/internal/protocol/frame"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const DefaultWorkers = 10

// Request is one decoded inbound call.
type Request struct {
	ID     uint64
	Type   uint32
	Fields tlv.Fields
}

// Handler serves a unary call. The returned fields form the reply.
type Handler func(ctx context.Context, req Request) ([]tlv.Field, error)

// StreamHandler serves a server stream. ctx is cancelled when the client
// closes the stream or the connection ends; the handler must return soon
// after.
type StreamHandler func(ctx context.Context, req Request, send func([]tlv.Field) error) error

// Options configure a Server.
type Options struct {
	// Workers bounds concurrent unary handlers. A handler waiting on a Call
	// it made to the peer does not count against it, and neither do streams.
	Workers int
	Limits  frame.Limits
	// Accept runs once per connection before framing starts, for example a
	// handshake. It may return a wrapped conn.
	Accept func(net.Conn) (net.Conn, error)
}

// Server dispatches frames from any number of connections to registered
// handlers.
type Server struct {
	side     string
	opts     Options
	handlers map[uint32]Handler
	streams  map[uint32]StreamHandler
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
}

func NewServer(side string, opts Options) *Server {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = frame.DefaultLimits()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		side:     side,
		opts:     opts,
		handlers: make(map[uint32]Handler),
		streams:  make(map[uint32]StreamHandler),
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Handle registers h for messageType. Registration must finish before Serve.
func (s *Server) Handle(messageType uint32, h Handler) {
	s.handlers[messageType] = h
}

func (s *Server) HandleStream(messageType uint32, h StreamHandler) {
	s.streams[messageType] = h
}

// Listen opens a unix socket at path, removing a stale socket file left by a
// previous run.
func Listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("rpc: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("rpc: remove stale socket %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("rpc.Listen removed stale socket")
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", path, err)
	}
	return ln, nil
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn serves one connection until it ends.
func (s *Server) ServeConn(conn net.Conn) {
	if s.opts.Accept != nil {
		wrapped, err := s.opts.Accept(conn)
		if err != nil {
			log.Warn().Err(err).Str("side", s.side).Msg("rpc.Server connection rejected")
			conn.Close()
			return
		}
		conn = wrapped
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	sc := &serverConn{
		server:   s,
		conn:     conn,
		inflight: make(map[uint64]context.CancelFunc),
	}
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	log.Debug().Str("side", s.side).Msg("rpc.Server connection open")
	err := sc.readLoop(ctx)
	cancel()
	sc.wg.Wait()
	conn.Close()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Str("side", s.side).Msg("rpc.Server connection ended")
		return
	}
	log.Debug().Str("side", s.side).Msg("rpc.Server connection closed")
}

// Close stops listeners and connections and waits for handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	// conns first, so cancelled handlers cannot reply on a live conn
	for _, c := range conns {
		c.Close()
	}
	s.cancel()
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type serverConn struct {
	server  *Server
	conn    net.Conn
	writeMu sync.Mutex
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
}

func (sc *serverConn) readLoop(ctx context.Context) error {
	s := sc.server
	for {
		fr, err := frame.ReadFrame(sc.conn, s.opts.Limits)
		if err != nil {
			return err
		}
		h := fr.Header
		if h.Has(frame.FlagCancel) {
			sc.cancelCall(h.MessageID)
			continue
		}
		fields, err := tlv.DecodeFields(fr.Payload)
		if err != nil {
			sc.replyError(h, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			continue
		}
		req := Request{ID: h.MessageID, Type: h.MessageType, Fields: fields}
		if err := schema.Validate(h.MessageType, fields); err != nil {
			sc.replyError(h, err)
			continue
		}
		callCtx, cancel := context.WithCancel(ctx)
		sc.mu.Lock()
		sc.inflight[h.MessageID] = cancel
		sc.mu.Unlock()

		sc.wg.Add(1)
		if h.Has(frame.FlagStream) {
			go sc.runStream(callCtx, h, req)
			continue
		}
		go sc.runUnary(callCtx, h, req)
	}
}

func (sc *serverConn) done(id uint64) {
	sc.mu.Lock()
	cancel := sc.inflight[id]
	delete(sc.inflight, id)
	sc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (sc *serverConn) cancelCall(id uint64) {
	sc.mu.Lock()
	cancel := sc.inflight[id]
	sc.mu.Unlock()
	if cancel != nil {
		log.Trace().Str("side", sc.server.side).Uint64("msg_id", id).Msg("rpc.Server cancel")
		cancel()
	}
}

func (sc *serverConn) runUnary(ctx context.Context, h frame.Header, req Request) {
	defer sc.wg.Done()
	defer sc.done(h.MessageID)
	s := sc.server
	name := schema.Name(h.MessageType)

	handler, ok := s.handlers[h.MessageType]
	if !ok {
		sc.replyError(h, fmt.Errorf("%w: %s", ErrUnknownMethod, name))
		return
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		sc.replyError(h, err)
		return
	}
	sl := &workerSlot{sem: s.sem}
	start := time.Now()
	out, err := safeCall(func() ([]tlv.Field, error) { return handler(withSlot(ctx, sl), req) })
	sl.finish()
	observability.RecordRPC(s.side, name, err, time.Since(start))

	if h.Has(frame.FlagOneWay) {
		if err != nil {
			log.Warn().Err(err).Str("side", s.side).Str("msg", name).Msg("rpc.Server one-way call failed")
		}
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("side", s.side).Str("msg", name).Uint64("msg_id", h.MessageID).Msg("rpc.Server call failed")
		sc.replyError(h, err)
		return
	}
	sc.write(h, frame.FlagIsResponse, out)
}

func (sc *serverConn) runStream(ctx context.Context, h frame.Header, req Request) {
	defer sc.wg.Done()
	defer sc.done(h.MessageID)
	s := sc.server
	name := schema.Name(h.MessageType)

	handler, ok := s.streams[h.MessageType]
	if !ok {
		sc.replyError(h, fmt.Errorf("%w: %s", ErrUnknownMethod, name))
		return
	}
	observability.StreamOpened(s.side)
	defer observability.StreamClosed(s.side)
	start := time.Now()

	send := func(fields []tlv.Field) error {
		if ctx.Err() != nil {
			return ErrStreamCancelled
		}
		return sc.write(h, frame.FlagIsResponse|frame.FlagStream, fields)
	}
	_, err := safeCall(func() ([]tlv.Field, error) { return nil, handler(ctx, req, send) })
	observability.RecordRPC(s.side, name, err, time.Since(start))
	if err != nil && ctx.Err() == nil {
		sc.write(h, frame.FlagIsResponse|frame.FlagIsError|frame.FlagStreamEnd, errorFields(err))
		return
	}
	sc.write(h, frame.FlagIsResponse|frame.FlagStreamEnd, nil)
}

func (sc *serverConn) replyError(h frame.Header, err error) {
	if h.Has(frame.FlagOneWay) {
		log.Warn().Err(err).Str("side", sc.server.side).Str("msg", schema.Name(h.MessageType)).Msg("rpc.Server one-way call rejected")
		return
	}
	flags := frame.FlagIsResponse | frame.FlagIsError
	if h.Has(frame.FlagStream) {
		flags |= frame.FlagStreamEnd
	}
	sc.write(h, flags, errorFields(err))
}

func (sc *serverConn) write(h frame.Header, flags uint32, fields []tlv.Field) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	err := frame.WriteFrame(sc.conn, frame.Frame{
		Header: frame.Header{
			MessageID:   h.MessageID,
			MessageType: h.MessageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, sc.server.opts.Limits)
	if err != nil {
		log.Debug().Err(err).Str("side", sc.server.side).Uint64("msg_id", h.MessageID).Msg("rpc.Server write failed")
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func safeCall(fn func() ([]tlv.Field, error)) (out []tlv.Field, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: handler panic: %v", r)
			log.Error().Interface("panic", r).Msg("rpc.Server recovered handler panic")
		}
	}()
	return fn()
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fcbridge/internal/observability"
	"github.com/danmuck/fcbridge/internal/protocol/frame"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Client issues calls over one connection. Calls from many goroutines are
// multiplexed by message id; a single reader goroutine routes replies.
type Client struct {
	side   string
	conn   net.Conn
	limits frame.Limits

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool
	err     error

	done chan struct{}
}

type pendingCall struct {
	messageType uint32
	reply       chan frame.Frame // unary
	stream      *Stream
}

// NewClient takes ownership of conn and starts its reader. side labels logs
// and metrics.
func NewClient(side string, conn net.Conn, limits frame.Limits) *Client {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	c := &Client{
		side:    side,
		conn:    conn,
		limits:  limits,
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a unix socket. A non-nil handshake runs on the raw conn
// before framing starts and may return a wrapped conn.
func Dial(ctx context.Context, side, path string, timeout time.Duration, handshake func(net.Conn) (net.Conn, error)) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", path, err)
	}
	if handshake != nil {
		wrapped, err := handshake(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rpc: handshake %s: %w", path, err)
		}
		conn = wrapped
	}
	return NewClient(side, conn, frame.DefaultLimits()), nil
}

// Done is closed once the reader stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the client stopped, nil while running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends one request and waits for its reply. Made from inside a
// Server handler, the wait does not hold the handler's worker slot.
func (c *Client) Call(ctx context.Context, messageType uint32, fields []tlv.Field) (tlv.Fields, error) {
	start := time.Now()
	out, err := c.call(ctx, messageType, fields)
	observability.RecordRPC(c.side, schema.Name(messageType), err, time.Since(start))
	return out, err
}

func (c *Client) call(ctx context.Context, messageType uint32, fields []tlv.Field) (tlv.Fields, error) {
	pc := &pendingCall{messageType: messageType, reply: make(chan frame.Frame, 1)}
	id, err := c.register(pc)
	if err != nil {
		return nil, err
	}
	if err := c.send(id, messageType, 0, fields); err != nil {
		c.unregister(id)
		return nil, err
	}
	log.Trace().Str("side", c.side).Uint64("msg_id", id).Str("msg", schema.Name(messageType)).Msg("rpc.Client call")
	defer Suspend(ctx)()

	select {
	case fr, ok := <-pc.reply:
		if !ok {
			return nil, c.closedErr()
		}
		return decodeReply(messageType, fr)
	case <-ctx.Done():
		c.unregister(id)
		c.cancel(id, messageType)
		return nil, ctx.Err()
	}
}

// Notify sends a one-way request. No reply is expected or awaited.
func (c *Client) Notify(messageType uint32, fields []tlv.Field) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return c.closedErr()
	}
	id := c.nextID.Add(1)
	err := c.send(id, messageType, frame.FlagOneWay, fields)
	observability.RecordRPC(c.side, schema.Name(messageType), err, 0)
	return err
}

// Stream opens a server stream. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, messageType uint32, fields []tlv.Field) (*Stream, error) {
	s := &Stream{
		client:      c,
		messageType: messageType,
		signal:      make(chan struct{}, 1),
	}
	pc := &pendingCall{messageType: messageType, stream: s}
	id, err := c.register(pc)
	if err != nil {
		return nil, err
	}
	s.id = id
	if err := c.send(id, messageType, frame.FlagStream, fields); err != nil {
		c.unregister(id)
		return nil, err
	}
	observability.StreamOpened(c.side)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.closedCh():
			}
		}()
	}
	return s, nil
}

// Close shuts the connection. Pending calls fail with ErrTransportClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) register(pc *pendingCall) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, c.errLocked()
	}
	id := c.nextID.Add(1)
	if id == 0 {
		id = c.nextID.Add(1)
	}
	c.pending[id] = pc
	return id, nil
}

func (c *Client) unregister(id uint64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.pending[id]
	delete(c.pending, id)
	return pc
}

func (c *Client) send(id uint64, messageType uint32, flags uint32, fields []tlv.Field) error {
	payload := tlv.EncodeFields(fields)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := frame.WriteFrame(c.conn, frame.Frame{
		Header: frame.Header{
			MessageID:   id,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: payload,
	}, c.limits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (c *Client) cancel(id uint64, messageType uint32) {
	if err := c.send(id, messageType, frame.FlagCancel, nil); err != nil {
		log.Debug().Err(err).Str("side", c.side).Uint64("msg_id", id).Msg("rpc.Client cancel not sent")
	}
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.shutdown(err)
	}()
	for {
		var fr frame.Frame
		fr, err = frame.ReadFrame(c.conn, c.limits)
		if err != nil {
			return
		}
		if !fr.Header.Has(frame.FlagIsResponse) {
			log.Warn().Str("side", c.side).Uint64("msg_id", fr.Header.MessageID).Msg("rpc.Client dropping non-response frame")
			continue
		}
		c.mu.Lock()
		pc, ok := c.pending[fr.Header.MessageID]
		if ok && pc.stream == nil {
			delete(c.pending, fr.Header.MessageID)
		}
		if ok && pc.stream != nil && (fr.Header.Has(frame.FlagStreamEnd) || fr.Header.Has(frame.FlagIsError)) {
			delete(c.pending, fr.Header.MessageID)
		}
		c.mu.Unlock()
		if !ok {
			// caller gave up or stream was closed locally
			continue
		}
		if pc.stream != nil {
			pc.stream.push(fr)
			continue
		}
		pc.reply <- fr
	}
}

func (c *Client) shutdown(cause error) {
	if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		cause = ErrTransportClosed
	} else {
		cause = fmt.Errorf("%w: %v", ErrTransportClosed, cause)
	}
	c.mu.Lock()
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()
	for _, pc := range pending {
		if pc.stream != nil {
			pc.stream.fail(cause)
			continue
		}
		close(pc.reply)
	}
	log.Debug().Str("side", c.side).Err(cause).Msg("rpc.Client reader stopped")
	close(c.done)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errLocked()
}

func (c *Client) errLocked() error {
	if c.err != nil {
		return c.err
	}
	return ErrTransportClosed
}

func decodeReply(messageType uint32, fr frame.Frame) (tlv.Fields, error) {
	fields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s reply: %w", schema.Name(messageType), err)
	}
	if fr.Header.Has(frame.FlagIsError) {
		return nil, decodeError(messageType, fields)
	}
	if err := schema.ValidateResponse(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Stream receives items from a server stream in order.
type Stream struct {
	client      *Client
	id          uint64
	messageType uint32

	mu     sync.Mutex
	queue  []frame.Frame
	err    error // terminal; io.EOF on clean end
	closed bool
	done   chan struct{}
	once   sync.Once
	signal chan struct{}
}

func (s *Stream) closedCh() chan struct{} {
	s.once.Do(func() { s.done = make(chan struct{}) })
	return s.done
}

func (s *Stream) push(fr frame.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fr)
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Recv returns the next item. It returns io.EOF after the server ends the
// stream and ErrStreamCancelled after Close.
func (s *Stream) Recv() (tlv.Fields, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			fr := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			if fr.Header.Has(frame.FlagStreamEnd) {
				s.finish(io.EOF)
				return nil, io.EOF
			}
			fields, err := tlv.DecodeFields(fr.Payload)
			if err != nil {
				return nil, err
			}
			if fr.Header.Has(frame.FlagIsError) {
				err := decodeError(s.messageType, fields)
				s.finish(err)
				return nil, err
			}
			return fields, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrStreamCancelled
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		select {
		case <-s.signal:
		case <-s.closedCh():
		}
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close cancels the stream on the server and unblocks Recv. It is safe to
// call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ended := s.err != nil
	s.queue = nil
	s.mu.Unlock()
	close(s.closedCh())
	observability.StreamClosed(s.client.side)
	if s.client.unregister(s.id) != nil && !ended {
		s.client.cancel(s.id, s.messageType)
	}
}

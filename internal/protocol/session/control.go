package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	controlTypeHello    = "bridge.hello"
	controlTypeHelloAck = "bridge.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	ProtocolVersion uint16 = 1
)

// Roles name which end of which socket a peer is.
const (
	RoleLocalForward  = "local.forward"
	RoleRemoteReverse = "remote.reverse"
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrHelloRejected          = errors.New("session: hello rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// NewSessionID mints a sortable session id.
func NewSessionID() string {
	return ulid.Make().String()
}

// Hello opens every connection, sent by the dialing side.
type Hello struct {
	Version   uint16 `json:"version"`
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
	PID       int    `json:"pid"`
}

func (h Hello) Validate() error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHello, h.Version)
	}
	switch h.Role {
	case RoleLocalForward, RoleRemoteReverse:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidHello, h.Role)
	}
	if h.SessionID != "" {
		if _, err := ulid.ParseStrict(h.SessionID); err != nil {
			return fmt.Errorf("%w: session_id: %v", ErrInvalidHello, err)
		}
	}
	return nil
}

// HelloAck answers a Hello. SessionID is the session the accepting side
// belongs to.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	SessionID   string `json:"session_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted && strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

// ClientHandshake sends h on conn and waits for the ack. The returned conn
// must be used from then on; it keeps bytes buffered during the handshake.
func ClientHandshake(conn net.Conn, h Hello, timeout time.Duration) (net.Conn, HelloAck, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	if err := WriteHello(conn, h); err != nil {
		return nil, HelloAck{}, err
	}
	br := bufio.NewReader(conn)
	ack, err := ReadHelloAck(br)
	if err != nil {
		return nil, HelloAck{}, err
	}
	if ack.Status != AckStatusAccepted {
		return nil, ack, fmt.Errorf("%w: code=%d %s", ErrHelloRejected, ack.Code, ack.Message)
	}
	return &bufferedConn{Conn: conn, r: br}, ack, nil
}

// ServerHandshake reads a Hello, lets accept decide, and answers. sessionID
// is reported to the peer on success; when empty the peer's own session id
// is echoed back.
func ServerHandshake(conn net.Conn, sessionID string, timeout time.Duration, accept func(Hello) error) (net.Conn, Hello, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	br := bufio.NewReader(conn)
	h, err := ReadHello(br)
	if err != nil {
		return nil, Hello{}, err
	}
	if sessionID == "" {
		sessionID = h.SessionID
	}
	ack := HelloAck{
		Status:      AckStatusAccepted,
		SessionID:   sessionID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	var rejected error
	if accept != nil {
		rejected = accept(h)
	}
	if rejected != nil {
		ack.Status = AckStatusRejected
		ack.Code = 1
		ack.Message = rejected.Error()
	}
	if err := WriteHelloAck(conn, ack); err != nil {
		return nil, h, err
	}
	if rejected != nil {
		return nil, h, fmt.Errorf("%w: %v", ErrHelloRejected, rejected)
	}
	return &bufferedConn{Conn: conn, r: br}, h, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 128*1024 {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}

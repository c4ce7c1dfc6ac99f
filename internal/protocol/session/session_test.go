package session

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/fcbridge/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestDefaultBackoffIsFlat(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	for attempt := 1; attempt <= 20; attempt++ {
		if got := NextBackoffDelay(cfg.Backoff, attempt, nil); got != 500*time.Millisecond {
			t.Fatalf("attempt %d got=%v", attempt, got)
		}
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	h := Hello{Version: ProtocolVersion, Role: RoleLocalForward, SessionID: NewSessionID(), PID: 42}
	var buf bytes.Buffer
	if err := WriteHello(&buf, h); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got, err := ReadHello(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if got != h {
		t.Fatalf("unexpected hello: %+v", got)
	}
}

func TestHelloValidate(t *testing.T) {
	testlog.Start(t)
	cases := []Hello{
		{Version: 9, Role: RoleLocalForward},
		{Version: ProtocolVersion, Role: "ghost"},
		{Version: ProtocolVersion, Role: RoleRemoteReverse, SessionID: "not-a-ulid"},
	}
	for _, h := range cases {
		if err := h.Validate(); !errors.Is(err, ErrInvalidHello) {
			t.Fatalf("expected ErrInvalidHello for %+v, got %v", h, err)
		}
	}
}

func TestHelloAckValidate(t *testing.T) {
	testlog.Start(t)
	if err := (HelloAck{Status: "maybe", SessionID: "s", TimestampMS: 1}).Validate(); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if err := (HelloAck{Status: AckStatusAccepted, TimestampMS: 1}).Validate(); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("accepted ack needs a session id, got %v", err)
	}
	if err := (HelloAck{Status: AckStatusRejected, Message: "no", TimestampMS: 1}).Validate(); err != nil {
		t.Fatalf("rejected ack without session id is valid, got %v", err)
	}
}

func TestHandshakeOverPipeKeepsFollowingBytes(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	id := NewSessionID()

	type result struct {
		conn  net.Conn
		hello Hello
		err   error
	}
	srv := make(chan result, 1)
	go func() {
		conn, h, err := ServerHandshake(b, id, time.Second, nil)
		srv <- result{conn, h, err}
	}()

	conn, ack, err := ClientHandshake(a, Hello{Version: ProtocolVersion, Role: RoleLocalForward}, time.Second)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if ack.SessionID != id {
		t.Fatalf("ack session=%q want %q", ack.SessionID, id)
	}
	res := <-srv
	if res.err != nil || res.hello.Role != RoleLocalForward {
		t.Fatalf("server handshake: %+v", res)
	}

	go conn.Write([]byte("frame-bytes"))
	buf := make([]byte, len("frame-bytes"))
	if _, err := io.ReadFull(res.conn, buf); err != nil {
		t.Fatalf("read after handshake: %v", err)
	}
	if string(buf) != "frame-bytes" {
		t.Fatalf("unexpected bytes %q", buf)
	}
}

func TestServerHandshakeEchoesPeerSession(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	id := NewSessionID()
	go ServerHandshake(b, "", time.Second, nil)

	_, ack, err := ClientHandshake(a, Hello{Version: ProtocolVersion, Role: RoleRemoteReverse, SessionID: id}, time.Second)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if ack.SessionID != id {
		t.Fatalf("expected echoed session %q, got %q", id, ack.SessionID)
	}
}

func TestHandshakeRejected(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go ServerHandshake(b, NewSessionID(), time.Second, func(h Hello) error {
		return errors.New("wrong role")
	})
	_, ack, err := ClientHandshake(a, Hello{Version: ProtocolVersion, Role: RoleRemoteReverse}, time.Second)
	if !errors.Is(err, ErrHelloRejected) {
		t.Fatalf("expected ErrHelloRejected, got %v", err)
	}
	if ack.Status != AckStatusRejected || !strings.Contains(ack.Message, "wrong role") {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestValidateSocketPaths(t *testing.T) {
	testlog.Start(t)
	if err := ValidateSocketPaths("/tmp/a.sock", "/tmp/b.sock"); err != nil {
		t.Fatalf("valid paths rejected: %v", err)
	}
	if err := ValidateSocketPaths("", "/tmp/b.sock"); !errors.Is(err, ErrSocketPathRequired) {
		t.Fatalf("expected ErrSocketPathRequired, got %v", err)
	}
	if err := ValidateSocketPaths("/tmp/a.sock", "/tmp/./a.sock"); !errors.Is(err, ErrSocketPathsShared) {
		t.Fatalf("expected ErrSocketPathsShared, got %v", err)
	}
	long := "/tmp/" + strings.Repeat("x", 200)
	if err := ValidateSocketPaths(long, "/tmp/b.sock"); !errors.Is(err, ErrSocketPathTooLong) {
		t.Fatalf("expected ErrSocketPathTooLong, got %v", err)
	}
}

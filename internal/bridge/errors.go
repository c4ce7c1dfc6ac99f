package bridge

import (
	"errors"
	"fmt"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
)

var (
	// ErrDanglingHandle reports a handle the peer claims is hosted here but
	// that was never registered.
	ErrDanglingHandle = errors.New("bridge: dangling handle")
	// ErrUnsupported reports a node lacking the capability a call needs.
	ErrUnsupported = errors.New("bridge: unsupported")
	// ErrApplication matches every *ApplicationError.
	ErrApplication     = errors.New("bridge: application error")
	ErrNotLoaded       = errors.New("bridge: driver not loaded")
	ErrLoaded          = errors.New("bridge: driver already loaded")
	ErrSessionMismatch = errors.New("bridge: session mismatch")
)

func init() {
	rpc.RegisterError(rpc.CodeDanglingHandle, ErrDanglingHandle)
	rpc.RegisterError(rpc.CodeUnsupported, ErrUnsupported)
	rpc.RegisterError(rpc.CodeApplication, ErrApplication)
}

// ApplicationError is a failure raised by node logic while serving a call.
// It crosses the wire with its own code so the caller sees a failed call,
// never an empty success.
type ApplicationError struct {
	Op  string
	Hnd handle.Handle
	Err error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("bridge: %s hnd=%d: %v", e.Op, e.Hnd, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

func (e *ApplicationError) Is(target error) bool { return target == ErrApplication }

func (e *ApplicationError) RPCCode() rpc.Code { return rpc.CodeApplication }

func unsupported(op string, n Node) error {
	return fmt.Errorf("%w: %s on %T", ErrUnsupported, op, n)
}

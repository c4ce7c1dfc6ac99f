package remote

import (
	"errors"
	"fmt"

	"github.com/danmuck/fcbridge/internal/protocol/rpc"
)

var (
	// ErrUnsupported reports a node that cannot serve the requested operation.
	ErrUnsupported = errors.New("remote: unsupported")
	// ErrExists reports an insert over data that is already there.
	ErrExists = errors.New("remote: already exists")
	// ErrWrongKind reports an operation on a selection of the wrong schema kind.
	ErrWrongKind = errors.New("remote: wrong definition kind")
	ErrClosed    = errors.New("remote: runtime closed")
)

func init() {
	rpc.RegisterError(rpc.CodeUnsupported, ErrUnsupported)
	rpc.RegisterError(rpc.CodeExists, ErrExists)
	rpc.RegisterError(rpc.CodeWrongKind, ErrWrongKind)
}

func unsupported(op string, n rnode) error {
	return fmt.Errorf("%w: %s on %T", ErrUnsupported, op, n)
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
)

var (
	// ErrTransportClosed reports that the connection ended before a reply.
	ErrTransportClosed = errors.New("rpc: transport closed")
	// ErrStreamCancelled reports a stream closed by its consumer.
	ErrStreamCancelled = errors.New("rpc: stream cancelled")
	ErrUnknownMethod   = errors.New("rpc: unknown method")
	ErrInvalidRequest  = errors.New("rpc: invalid request")
)

// Code classifies an error on the wire.
type Code uint32

const (
	CodeInternal          Code = 1
	CodeInvalidRequest    Code = 2
	CodeUnknownMethod     Code = 3
	CodeHandleNotFound    Code = 4
	CodeDanglingHandle    Code = 5
	CodeUnknownDefinition Code = 6
	CodeApplication       Code = 7
	CodeUnsupported       Code = 8
	CodeCancelled         Code = 9
	CodeTransportClosed   Code = 10
	CodeExists            Code = 11
	CodeWrongKind         Code = 12
)

// Coder lets an error choose its own wire code.
type Coder interface {
	RPCCode() Code
}

type registered struct {
	code     Code
	sentinel error
}

var (
	registryMu sync.RWMutex
	registry   = []registered{
		{CodeInvalidRequest, ErrInvalidRequest},
		{CodeUnknownMethod, ErrUnknownMethod},
		{CodeHandleNotFound, handle.ErrHandleNotFound},
		{CodeUnknownDefinition, meta.ErrUnknownDefinition},
		{CodeCancelled, context.Canceled},
		{CodeCancelled, ErrStreamCancelled},
		{CodeTransportClosed, ErrTransportClosed},
	}
)

// RegisterError maps sentinel to code in both directions: handlers returning
// an error that Is sentinel send code, and a RemoteError carrying code Is
// sentinel.
func RegisterError(code Code, sentinel error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, r := range registry {
		if r.code == code && r.sentinel == sentinel {
			return
		}
	}
	registry = append(registry, registered{code: code, sentinel: sentinel})
}

// CodeOf picks the wire code for err.
func CodeOf(err error) Code {
	var c Coder
	if errors.As(err, &c) {
		return c.RPCCode()
	}
	var ve schema.ValidationError
	if errors.As(err, &ve) {
		return CodeInvalidRequest
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, r := range registry {
		if errors.Is(err, r.sentinel) {
			return r.code
		}
	}
	return CodeInternal
}

// RemoteError is an error returned by the peer's handler.
type RemoteError struct {
	Method  string
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed (code=%d): %s", e.Method, e.Code, e.Message)
}

func (e *RemoteError) RPCCode() Code { return e.Code }

// Is matches every sentinel registered for the error's code. Sentinels that
// callers tell apart need codes of their own.
func (e *RemoteError) Is(target error) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, r := range registry {
		if r.code == e.Code && r.sentinel == target {
			return true
		}
	}
	return false
}

func errorFields(err error) []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldErrCode, uint32(CodeOf(err))),
		tlv.String(schema.FieldErrMessage, err.Error()),
	}
}

func decodeError(messageType uint32, fields tlv.Fields) error {
	if err := schema.ValidateError(messageType, fields); err != nil {
		return &RemoteError{Method: schema.Name(messageType), Code: CodeInternal, Message: "malformed error payload"}
	}
	return &RemoteError{
		Method:  schema.Name(messageType),
		Code:    Code(fields.U32(schema.FieldErrCode)),
		Message: fields.String(schema.FieldErrMessage),
	}
}

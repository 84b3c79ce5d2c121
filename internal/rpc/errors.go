package rpc

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	// ErrMethodExists is returned when registering a method name twice
	ErrMethodExists = errors.New("rpc method already registered")
	// ErrInvalidMethod is returned when registering an empty name or nil method
	ErrInvalidMethod = errors.New("invalid rpc method")
)

// Error is a JSON-RPC error object. Methods may return one to choose the
// code the page sees; any other error becomes CodeInternalError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an error with code and message
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

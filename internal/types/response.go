package types

import (
	"errors"
	"net/http"
	"strconv"
)

// Body is a response payload. It is either owned by the response or a
// reference to static data (embedded assets) that must never be mutated.
type Body struct {
	data   []byte
	static bool
}

// OwnedBody wraps bytes the response owns.
func OwnedBody(b []byte) Body {
	return Body{data: b}
}

// StaticBody references bytes that outlive the response. No copy is made.
func StaticBody(b []byte) Body {
	return Body{data: b, static: true}
}

// Bytes returns the payload. Callers must not mutate a static body.
func (b Body) Bytes() []byte { return b.data }

// Len returns the payload length.
func (b Body) Len() int { return len(b.data) }

// IsStatic reports whether the payload references static data.
func (b Body) IsStatic() bool { return b.static }

// Owned returns a body the caller may mutate, copying static data.
func (b Body) Owned() Body {
	if !b.static {
		return b
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return Body{data: cp}
}

// Response is the outcome a handler produces for a Request.
type Response struct {
	Status int
	Header http.Header
	Body   Body
}

// NewResponse creates a response with an owned body.
func NewResponse(status int, contentType string, body []byte) *Response {
	r := &Response{
		Status: status,
		Header: make(http.Header),
		Body:   OwnedBody(body),
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	return r
}

// NewStaticResponse creates a response referencing static bytes.
func NewStaticResponse(status int, contentType string, body []byte) *Response {
	r := NewResponse(status, contentType, nil)
	r.Body = StaticBody(body)
	return r
}

// ErrorHeader carries the error kind on synthesized responses.
const ErrorHeader = "X-Webhost-Error"

// ErrorResponse synthesizes a plain-text response for err. The error kind
// header lets embedded script tell synthesized failures from handler output.
func ErrorResponse(status int, err error) *Response {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	r := NewResponse(status, "text/plain; charset=utf-8", []byte(msg))
	r.Header.Set(ErrorHeader, ErrorKind(err))
	return r
}

// ContentType returns the Content-Type header value.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// SetContentLength stamps Content-Length from the body.
func (r *Response) SetContentLength() {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set("Content-Length", strconv.Itoa(r.Body.Len()))
}

// IsError reports whether the response was synthesized for a failure.
func (r *Response) IsError() bool {
	return r != nil && r.Header.Get(ErrorHeader) != ""
}

// ErrorKind maps an error onto its taxonomy name.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, ErrInvalidRequestURI):
		return "invalid_request_uri"
	case errors.Is(err, ErrNoHandlerForScheme):
		return "no_handler_for_scheme"
	case errors.Is(err, ErrHandlerFailure):
		return "handler_failure"
	case errors.Is(err, ErrHandlerTimeout):
		return "handler_timeout"
	case errors.Is(err, ErrSchemeUnavailable):
		return "scheme_unavailable"
	case errors.Is(err, ErrUnknownSurface):
		return "unknown_surface"
	case errors.Is(err, ErrContextMismatch):
		return "context_mismatch"
	default:
		return "internal"
	}
}

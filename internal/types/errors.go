package types

import "errors"

var (
	// ErrDuplicateProtocol is returned when a scheme is registered twice on a
	// context that allows one handler per scheme.
	ErrDuplicateProtocol = errors.New("duplicate custom protocol")

	// ErrInvalidRequestURI marks a request whose URL lacks a scheme or host.
	ErrInvalidRequestURI = errors.New("invalid request uri")

	// ErrNoHandlerForScheme marks a request for a scheme nobody registered.
	ErrNoHandlerForScheme = errors.New("no handler for scheme")

	// ErrHandlerFailure marks a handler that returned an error or panicked.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrHandlerTimeout marks a deferred handler that never responded.
	ErrHandlerTimeout = errors.New("handler timed out")

	// ErrSchemeUnavailable marks a scheme whose circuit breaker is open.
	ErrSchemeUnavailable = errors.New("scheme temporarily unavailable")

	// ErrMalformedBridgeMessage marks a script message that is not UTF-8.
	ErrMalformedBridgeMessage = errors.New("malformed bridge message")

	// ErrStaleDelivery marks a response or message for a retired surface.
	ErrStaleDelivery = errors.New("stale delivery")

	// ErrAlreadyResolved marks a second resolution of a completion token.
	ErrAlreadyResolved = errors.New("completion token already resolved")

	// ErrContextMismatch marks a request tagged with a shared context other
	// than the one its surface was created in.
	ErrContextMismatch = errors.New("surface not in shared context")

	ErrInvalidScheme  = errors.New("invalid scheme")
	ErrUnknownContext = errors.New("unknown shared context")
	ErrUnknownSurface = errors.New("unknown surface")
)

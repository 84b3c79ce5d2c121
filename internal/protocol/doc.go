// Package protocol provides the custom-scheme registry.
//
// Handlers are registered per shared context. Whether a context accepts a
// second handler for the same scheme depends on the capabilities the
// platform reported when the context was created, never on which platform
// it is.
//
// Components:
//   - Registry: contexts and their scheme tables
//   - Handler: Immediate or Deferred handler functions
//   - Responder: single-use completion token for Deferred handlers
//   - Alias: http(s)://<scheme>.localhost rewriting for engines that
//     cannot intercept custom schemes
//
// Features:
//   - Fail-fast duplicate detection on unique-scheme contexts
//   - Latest-wins replacement elsewhere, TryRegister to opt out
//   - Read-locked lookups; concurrent dispatch never contends on writes
//   - Case-insensitive, RFC 3986 validated scheme names
//
// Example Usage:
//
//	reg := protocol.NewRegistry(logger)
//	ctx := reg.NewContext(protocol.Capabilities{UniqueSchemes: true})
//	err := reg.Register(ctx.ID(), "app", protocol.Immediate(serveAsset))
//	if errors.Is(err, types.ErrDuplicateProtocol) { ... }
package protocol

package logging

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Common structured fields. Keeping the keys in one place lets log
// queries join dispatcher, resolver and bridge lines on the same surface.

func Surface(s id.SurfaceID) zap.Field     { return zap.Stringer("surface", s) }
func Context(c id.ContextID) zap.Field     { return zap.String("context", string(c)) }
func Scheme(s string) zap.Field            { return zap.String("scheme", s) }
func Token(t types.RequestToken) zap.Field { return zap.String("token", string(t)) }
func Request(r id.RequestID) zap.Field     { return zap.String("request_id", string(r)) }
func Pending(p id.PendingID) zap.Field     { return zap.String("pending_id", string(p)) }
func URL(u string) zap.Field               { return zap.String("url", u) }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

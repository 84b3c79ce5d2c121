package protocol

import (
	"fmt"
	"strings"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Scheme is a normalized (lower-case) URI scheme name.
type Scheme string

// String returns the scheme text
func (s Scheme) String() string { return string(s) }

// reserved schemes are handled by the engine itself and cannot be claimed.
var reserved = map[string]bool{
	"http":       true,
	"https":      true,
	"file":       true,
	"data":       true,
	"blob":       true,
	"about":      true,
	"javascript": true,
	"ws":         true,
	"wss":        true,
}

// ParseScheme validates raw against RFC 3986
// (ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )) and lower-cases it.
func ParseScheme(raw string) (Scheme, error) {
	s := strings.ToLower(raw)
	if !validScheme(s) {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidScheme, raw)
	}
	if reserved[s] {
		return "", fmt.Errorf("%w: %q is reserved by the engine", types.ErrInvalidScheme, raw)
	}
	return Scheme(s), nil
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

// Package id provides identifier types for the webhost core.
//
// SurfaceID packs an arena slot and its generation into a uint64; the
// identity map issues them and never reuses one while the process runs.
// Request, pending and span ids are prefixed ULIDs, so lines logged for one
// surface sort in issue order. Context ids are prefixed UUIDs.
package id

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SurfaceID identifies one rendering surface instance. The low 32 bits hold
// the arena slot index and the high 32 bits the slot generation. The zero
// value is never issued.
type SurfaceID uint64

// NilSurface is the zero SurfaceID
const NilSurface SurfaceID = 0

// MakeSurfaceID packs a slot index and a generation
func MakeSurfaceID(index, generation uint32) SurfaceID {
	return SurfaceID(uint64(generation)<<32 | uint64(index))
}

// Index returns the arena slot
func (s SurfaceID) Index() uint32 { return uint32(s) }

// Generation returns the slot generation
func (s SurfaceID) Generation() uint32 { return uint32(s >> 32) }

// IsZero reports whether s is the zero id
func (s SurfaceID) IsZero() bool { return s == NilSurface }

// String renders the id as surf_<index>v<generation>
func (s SurfaceID) String() string {
	return fmt.Sprintf("%s_%dv%d", SurfacePrefix, s.Index(), s.Generation())
}

// ContextID identifies a shared context (the unit of protocol registration)
type ContextID string

// RequestID identifies one dispatched request
type RequestID string

// PendingID identifies one in-flight deferred resolution
type PendingID string

func (id ContextID) String() string { return string(id) }
func (id RequestID) String() string { return string(id) }
func (id PendingID) String() string { return string(id) }

const (
	SurfacePrefix = "surf"
	ContextPrefix = "ctx"
	RequestPrefix = "req"
	PendingPrefix = "pend"
	SpanPrefix    = "span"
)

// monotonic entropy keeps ids issued within one millisecond ordered
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newULID(now time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy)
}

func prefixed(prefix string) string {
	return prefix + "_" + newULID(time.Now()).String()
}

// NewContextID generates a shared context id. Embedders may also pick
// their own, so these are UUIDs rather than time-ordered.
func NewContextID() ContextID {
	return ContextID(ContextPrefix + "_" + uuid.NewString())
}

// NewRequestID generates a request id
func NewRequestID() RequestID { return RequestID(prefixed(RequestPrefix)) }

// NewPendingID generates a pending resolution id
func NewPendingID() PendingID { return PendingID(prefixed(PendingPrefix)) }

// NewSpanID generates a trace span id
func NewSpanID() string { return prefixed(SpanPrefix) }

// Issued returns the time a prefixed ULID id was generated
func Issued(s string) (time.Time, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			s = s[i+1:]
			break
		}
	}
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

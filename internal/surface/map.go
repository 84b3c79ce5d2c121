package surface

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
)

// RetireFunc observes surface teardown.
type RetireFunc func(id.SurfaceID)

type slot struct {
	generation uint32
	live       bool
	context    id.ContextID
}

// Map issues surface ids and tracks which are live. Ids are never reused:
// a retired slot is recycled only with a bumped generation, and a slot whose
// generation is exhausted is abandoned.
type Map struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	live  int

	observers []RetireFunc

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option configures a Map
type Option func(*Map)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Map) { m.logger = logging.OrNop(l) }
}

// WithMetrics reports the live surface count
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *Map) { m.metrics = metrics }
}

// NewMap creates an empty identity map
func NewMap(opts ...Option) *Map {
	m := &Map{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allocate issues an id unique against every live id.
func (m *Map) Allocate() id.SurfaceID {
	return m.AllocateIn("")
}

// AllocateIn issues an id bound to a shared context.
func (m *Map) AllocateIn(ctx id.ContextID) id.SurfaceID {
	m.mu.Lock()
	var index uint32
	if n := len(m.free); n > 0 {
		index = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		index = uint32(len(m.slots))
		m.slots = append(m.slots, slot{generation: 1})
	}
	s := &m.slots[index]
	s.live = true
	s.context = ctx
	sid := id.MakeSurfaceID(index, s.generation)
	m.live++
	live := m.live
	m.mu.Unlock()

	m.metrics.SetSurfacesLive(live)
	m.logger.Debug("surface allocated", logging.Surface(sid), logging.Context(ctx))
	return sid
}

// Retire marks sid dead and notifies observers. It returns false when sid
// is unknown or already retired.
func (m *Map) Retire(sid id.SurfaceID) bool {
	m.mu.Lock()
	s, ok := m.lookup(sid)
	if !ok {
		m.mu.Unlock()
		return false
	}
	s.live = false
	s.context = ""
	if s.generation == math.MaxUint32 {
		// Exhausted: never handed out again.
		m.logger.Debug("surface slot exhausted", zap.Uint32("index", sid.Index()))
	} else {
		s.generation++
		m.free = append(m.free, sid.Index())
	}
	m.live--
	live := m.live
	observers := m.observers
	m.mu.Unlock()

	m.metrics.SetSurfacesLive(live)
	m.logger.Debug("surface retired", logging.Surface(sid))
	for _, fn := range observers {
		fn(sid)
	}
	return true
}

// IsLive reports whether sid names a live surface.
func (m *Map) IsLive(sid id.SurfaceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lookup(sid)
	return ok
}

// ContextOf returns the shared context sid was allocated in.
func (m *Map) ContextOf(sid id.SurfaceID) (id.ContextID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lookup(sid)
	if !ok {
		return "", false
	}
	return s.context, true
}

// OnRetire registers an observer run after a surface is retired. Observers
// run on the retiring goroutine without the map lock held.
func (m *Map) OnRetire(fn RetireFunc) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Len returns the number of live surfaces
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live
}

// Live returns the live surface ids in slot order
func (m *Map) Live() []id.SurfaceID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]id.SurfaceID, 0, m.live)
	for i, s := range m.slots {
		if s.live {
			out = append(out, id.MakeSurfaceID(uint32(i), s.generation))
		}
	}
	return out
}

// lookup returns the live slot named by sid. Caller holds the lock.
func (m *Map) lookup(sid id.SurfaceID) (*slot, bool) {
	if sid.IsZero() {
		return nil, false
	}
	index := sid.Index()
	if int(index) >= len(m.slots) {
		return nil, false
	}
	s := &m.slots[index]
	if !s.live || s.generation != sid.Generation() {
		return nil, false
	}
	return s, true
}

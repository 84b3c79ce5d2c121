package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

var (
	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("nil protocol handler")
	// ErrContextExists is returned when adding a context id twice
	ErrContextExists = errors.New("shared context already exists")
)

// Capabilities is the part of the platform capability set that governs
// registration and dispatch for a shared context.
type Capabilities struct {
	// UniqueSchemes means the engine allows at most one handler per scheme
	// per context, so a second registration must fail.
	UniqueSchemes bool
	Alias         Alias
}

// Context is a shared context: the unit within which schemes are registered.
type Context struct {
	id      id.ContextID
	caps    Capabilities
	created time.Time
	seq     uint64

	mu       sync.RWMutex
	handlers map[Scheme]Handler
}

// ID returns the context id
func (c *Context) ID() id.ContextID { return c.id }

// Capabilities returns the capabilities the context was created with
func (c *Context) Capabilities() Capabilities { return c.caps }

// lookup is a pure read
func (c *Context) lookup(s Scheme) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[s]
	return h, ok
}

// bind installs h for s. When overwrite is false an existing binding is an
// error. It reports whether a previous binding was replaced.
func (c *Context) bind(s Scheme, h Handler, overwrite bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.handlers[s]
	if exists && !overwrite {
		return false, fmt.Errorf("%w: %s", types.ErrDuplicateProtocol, s)
	}
	c.handlers[s] = h
	return exists, nil
}

func (c *Context) schemes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for s := range c.handlers {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return out
}

// Registry maps (context, scheme) pairs to handlers.
type Registry struct {
	mu       sync.RWMutex
	contexts map[id.ContextID]*Context
	nextSeq  uint64
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		contexts: make(map[id.ContextID]*Context),
		logger:   logging.OrNop(logger),
	}
}

// NewContext creates a shared context with a generated id
func (r *Registry) NewContext(caps Capabilities) *Context {
	c, err := r.AddContext(id.NewContextID(), caps)
	if err != nil {
		// unreachable: generated ids are random UUIDs
		panic(err)
	}
	return c
}

// AddContext creates a shared context with a caller-chosen id
func (r *Registry) AddContext(ctxID id.ContextID, caps Capabilities) (*Context, error) {
	if ctxID == "" {
		return nil, fmt.Errorf("%w: empty id", types.ErrUnknownContext)
	}
	c := &Context{
		id:       ctxID,
		caps:     caps,
		created:  time.Now(),
		handlers: make(map[Scheme]Handler),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contexts[ctxID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrContextExists, ctxID)
	}
	r.nextSeq++
	c.seq = r.nextSeq
	r.contexts[ctxID] = c
	r.logger.Debug("context created",
		logging.Context(ctxID),
		zap.Bool("unique_schemes", caps.UniqueSchemes),
		zap.String("alias", caps.Alias.Base),
	)
	return c, nil
}

// Context returns the context for ctxID
func (r *Registry) Context(ctxID id.ContextID) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[ctxID]
	return c, ok
}

// DropContext removes a context and all of its bindings
func (r *Registry) DropContext(ctxID id.ContextID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[ctxID]; !ok {
		return false
	}
	delete(r.contexts, ctxID)
	r.logger.Debug("context dropped", logging.Context(ctxID))
	return true
}

// Register binds scheme to h in ctxID. On contexts that enforce unique
// schemes a second registration fails with ErrDuplicateProtocol; elsewhere
// the latest registration wins.
func (r *Registry) Register(ctxID id.ContextID, scheme string, h Handler) error {
	c, s, err := r.prepare(ctxID, scheme, h)
	if err != nil {
		return err
	}
	replaced, err := c.bind(s, h, !c.caps.UniqueSchemes)
	if err != nil {
		r.logger.Warn("duplicate protocol registration",
			logging.Context(ctxID), logging.Scheme(string(s)))
		return err
	}
	r.logBound(ctxID, s, h, replaced)
	return nil
}

// TryRegister binds scheme to h only when scheme is unbound in ctxID,
// regardless of capabilities.
func (r *Registry) TryRegister(ctxID id.ContextID, scheme string, h Handler) error {
	c, s, err := r.prepare(ctxID, scheme, h)
	if err != nil {
		return err
	}
	if _, err := c.bind(s, h, false); err != nil {
		return err
	}
	r.logBound(ctxID, s, h, false)
	return nil
}

func (r *Registry) prepare(ctxID id.ContextID, scheme string, h Handler) (*Context, Scheme, error) {
	s, err := ParseScheme(scheme)
	if err != nil {
		return nil, "", err
	}
	if isNil(h) {
		return nil, "", fmt.Errorf("%w for scheme %s", ErrNilHandler, s)
	}
	c, ok := r.Context(ctxID)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", types.ErrUnknownContext, ctxID)
	}
	return c, s, nil
}

func (r *Registry) logBound(ctxID id.ContextID, s Scheme, h Handler, replaced bool) {
	r.logger.Debug("protocol registered",
		logging.Context(ctxID),
		logging.Scheme(string(s)),
		zap.Stringer("kind", h.Kind()),
		zap.Bool("replaced", replaced),
	)
}

// IsRegistered reports whether scheme is bound in ctxID
func (r *Registry) IsRegistered(ctxID id.ContextID, scheme string) bool {
	_, ok := r.Lookup(ctxID, scheme)
	return ok
}

// Lookup returns the handler bound to scheme in ctxID. Scheme matching is
// case-insensitive.
func (r *Registry) Lookup(ctxID id.ContextID, scheme string) (Handler, bool) {
	c, ok := r.Context(ctxID)
	if !ok {
		return nil, false
	}
	s, err := ParseScheme(scheme)
	if err != nil {
		return nil, false
	}
	return c.lookup(s)
}

// Unregister removes the binding for scheme in ctxID
func (r *Registry) Unregister(ctxID id.ContextID, scheme string) bool {
	c, ok := r.Context(ctxID)
	if !ok {
		return false
	}
	s, err := ParseScheme(scheme)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[s]; !ok {
		return false
	}
	delete(c.handlers, s)
	return true
}

// Schemes returns the sorted schemes bound in ctxID
func (r *Registry) Schemes(ctxID id.ContextID) []string {
	c, ok := r.Context(ctxID)
	if !ok {
		return nil
	}
	return c.schemes()
}

// ContextStats describes one context
type ContextStats struct {
	ID            id.ContextID `json:"id"`
	UniqueSchemes bool         `json:"unique_schemes"`
	Alias         string       `json:"alias,omitempty"`
	Schemes       []string     `json:"schemes"`
	Created       time.Time    `json:"created"`
}

// Stats summarizes the registry
type Stats struct {
	Contexts      int            `json:"contexts"`
	TotalSchemes  int            `json:"total_schemes"`
	ContextDetail []ContextStats `json:"context_detail"`
}

// Stats returns registry statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	contexts := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		contexts = append(contexts, c)
	}
	r.mu.RUnlock()

	sort.Slice(contexts, func(i, j int) bool {
		return contexts[i].seq < contexts[j].seq
	})

	st := Stats{Contexts: len(contexts)}
	for _, c := range contexts {
		schemes := c.schemes()
		st.TotalSchemes += len(schemes)
		st.ContextDetail = append(st.ContextDetail, ContextStats{
			ID:            c.id,
			UniqueSchemes: c.caps.UniqueSchemes,
			Alias:         c.caps.Alias.Base,
			Schemes:       schemes,
			Created:       c.created,
		})
	}
	return st
}

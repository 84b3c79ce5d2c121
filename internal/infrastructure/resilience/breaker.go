package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a breaker
type Settings struct {
	// Probes is how many requests half-open admits, and how many of them
	// must succeed to close again. Default 1.
	Probes uint32
	// Cooldown is how long the breaker stays open. Default 10s.
	Cooldown time.Duration
	// ReadyToTrip decides, after each failure while closed, whether to open.
	// Default five consecutive failures.
	ReadyToTrip func(Counts) bool
	// OnStateChange runs with the breaker lock held and must not call back
	// into the breaker.
	OnStateChange func(name string, from, to State)
}

// ConsecutiveFailures returns a ReadyToTrip that opens after n failures in a row
func ConsecutiveFailures(n uint32) func(Counts) bool {
	return func(c Counts) bool {
		return c.ConsecutiveFailures >= n
	}
}

// Counts are the outcomes recorded since the last state change
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Done reports the outcome of an admitted request. Only the first call counts.
type Done func(success bool)

// Breaker guards one handler. Admission and outcome are split so a request
// that finishes on another goroutine, possibly much later, still counts.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	state      State
	counts     Counts
	openUntil  time.Time
	generation uint64
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 10 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = ConsecutiveFailures(5)
	}
	return &Breaker{name: name, settings: settings, now: time.Now}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving open to half-open once the
// cooldown has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}

// Counts returns the outcomes recorded in the current state
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow admits a request or fails with ErrCircuitOpen or, while probing,
// ErrTooManyRequests. The outcome is reported through the returned Done.
// Outcomes of requests admitted before the last state change are ignored.
func (b *Breaker) Allow() (Done, error) {
	b.mu.Lock()
	b.tick()
	switch {
	case b.state == StateOpen:
		b.mu.Unlock()
		return nil, ErrCircuitOpen
	case b.state == StateHalfOpen && b.counts.Requests >= b.settings.Probes:
		b.mu.Unlock()
		return nil, ErrTooManyRequests
	}
	b.counts.Requests++
	gen := b.generation
	b.mu.Unlock()

	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.record(gen, success) })
	}, nil
}

func (b *Breaker) record(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	if gen != b.generation {
		return
	}

	if success {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.Probes {
			b.transition(StateClosed)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case StateClosed:
		if b.settings.ReadyToTrip(b.counts) {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// tick applies the cooldown; b.mu is held
func (b *Breaker) tick() {
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.transition(StateHalfOpen)
	}
}

// transition changes state, clears counts and starts a new generation;
// b.mu is held
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.counts = Counts{}
	b.generation++
	if to == StateOpen {
		b.openUntil = b.now().Add(b.settings.Cooldown)
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}

// Group lazily creates one breaker per key with shared settings.
type Group struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group
func NewGroup(settings Settings) *Group {
	return &Group{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = New(key, g.settings)
		g.breakers[key] = b
	}
	return b
}

// States returns the current state of every breaker in the group
func (g *Group) States() map[string]State {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.State()
	}
	return out
}

package runloop

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
)

var (
	// ErrLoopClosed is returned by Post once Run has returned
	ErrLoopClosed = errors.New("run loop closed")
	// ErrLoopRunning is returned by a second concurrent Run
	ErrLoopRunning = errors.New("run loop already running")
)

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Stats describes loop activity
type Stats struct {
	Queued   int    `json:"queued"`
	Executed uint64 `json:"executed"`
	Panics   uint64 `json:"panics"`
	Running  bool   `json:"running"`
}

// Loop runs tasks one at a time on a single OS thread. Engines with thread
// affinity require every call into them to happen on the thread that
// created them; Post is how other goroutines get work onto that thread.
type Loop struct {
	mu     sync.Mutex
	queue  []Task
	closed bool

	wake chan struct{}
	done chan struct{}

	highWater int
	running   atomic.Bool
	executed  atomic.Uint64
	panics    atomic.Uint64

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option configures a Loop
type Option func(*Loop)

// WithQueueSize sets the expected backlog. The queue grows past it, but a
// backlog beyond it is logged.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.highWater = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logging.OrNop(logger) }
}

// WithMetrics reports the queue depth
func WithMetrics(m *monitoring.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New creates a loop. Nothing runs until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		highWater: 1024,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make([]Task, 0, l.highWater)
	return l
}

// Post enqueues fn for execution on the loop. It never blocks and is safe
// to call from any goroutine, including the loop itself.
func (l *Loop) Post(fn Task) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, fn)
	depth := len(l.queue)
	l.mu.Unlock()

	if depth == l.highWater+1 {
		l.logger.Warn("run loop backlog above queue size", zap.Int("depth", depth))
	}
	l.metrics.SetLoopQueueDepth(depth)

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do posts fn and waits for it to finish. It must not be called from the
// loop goroutine.
func (l *Loop) Do(ctx context.Context, fn Task) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// Run drains the queue before closing done, so fn either ran or
		// was never dequeued.
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until ctx is cancelled. Tasks already queued at cancellation still run;
// later posts fail with ErrLoopClosed.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer l.running.Store(false)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.mu.Unlock()

	l.logger.Debug("run loop started")
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			l.drain()
			close(l.done)
			l.logger.Debug("run loop stopped", zap.Uint64("executed", l.executed.Load()))
			return ctx.Err()
		case <-l.wake:
			l.drain()
		}
	}
}

// Done is closed after Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Running reports whether Run is active
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Stats returns loop statistics
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	queued := len(l.queue)
	l.mu.Unlock()
	return Stats{
		Queued:   queued,
		Executed: l.executed.Load(),
		Panics:   l.panics.Load(),
		Running:  l.running.Load(),
	}
}

// drain runs queued tasks until the queue is empty, picking up tasks that
// are posted while draining.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		if len(batch) == 0 {
			l.mu.Unlock()
			l.metrics.SetLoopQueueDepth(0)
			return
		}
		l.queue = make([]Task, 0, l.highWater)
		l.mu.Unlock()

		for _, fn := range batch {
			l.execute(fn)
		}
	}
}

func (l *Loop) execute(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("run loop task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
	l.executed.Add(1)
}

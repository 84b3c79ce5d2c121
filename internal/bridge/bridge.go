package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Message results reported to metrics
const (
	resultDelivered   = "delivered"
	resultMalformed   = "malformed"
	resultStale       = "stale"
	resultRateLimited = "rate_limited"
	resultPanic       = "panic"
)

// ErrRateLimited is returned by Receive when a surface exceeds its rate
var ErrRateLimited = errors.New("bridge message rate exceeded")

// Liveness answers whether a surface still exists
type Liveness interface {
	IsLive(sid id.SurfaceID) bool
}

// Stats counts bridge activity
type Stats struct {
	Mailboxes   int    `json:"mailboxes"`
	Received    uint64 `json:"received"`
	Delivered   uint64 `json:"delivered"`
	Malformed   uint64 `json:"malformed"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
	Panics      uint64 `json:"panics"`
	Subscribers int    `json:"subscribers"`
}

// Bridge carries script messages to the host handler, one mailbox per
// surface.
type Bridge struct {
	handler Handler
	live    Liveness

	mailboxSize int
	limit       rate.Limit
	burst       int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	boxes  map[id.SurfaceID]*mailbox
	closed bool

	subMu   sync.RWMutex
	subs    map[int]chan Message
	nextSub int

	received    atomic.Uint64
	delivered   atomic.Uint64
	malformed   atomic.Uint64
	stale       atomic.Uint64
	rateLimited atomic.Uint64
	panics      atomic.Uint64

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.logger = logging.OrNop(l) }
}

// WithMetrics records message results
func WithMetrics(m *monitoring.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithMailboxSize sets the expected per-surface backlog. Mailboxes grow past
// it, but a backlog beyond it is logged.
func WithMailboxSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithRateLimit caps accepted messages per surface. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Bridge) {
		if perSecond <= 0 {
			b.limit = rate.Inf
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limit, b.burst = rate.Limit(perSecond), burst
	}
}

// New creates a bridge delivering to handler
func New(handler Handler, live Liveness, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		handler:     handler,
		live:        live,
		mailboxSize: 256,
		limit:       rate.Inf,
		ctx:         ctx,
		cancel:      cancel,
		boxes:       make(map[id.SurfaceID]*mailbox),
		subs:        make(map[int]chan Message),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Receive accepts a message posted by page script on surface. It never
// blocks on the handler. Dropped messages are logged and reported through
// the returned error; callers on the adapter side may ignore it.
func (b *Bridge) Receive(surface id.SurfaceID, url, text string) error {
	b.received.Add(1)

	if b.live != nil && !b.live.IsLive(surface) {
		return b.dropStale(surface)
	}
	if !utf8.ValidString(text) {
		b.malformed.Add(1)
		b.metrics.RecordBridgeMessage(resultMalformed)
		b.logger.Warn("dropping malformed bridge message",
			logging.Surface(surface),
			logging.URL(url),
			zap.Int("bytes", len(text)),
			zap.String("charset_guess", guessCharset(text)),
			zap.Error(types.ErrMalformedBridgeMessage))
		return fmt.Errorf("%w: invalid utf-8", types.ErrMalformedBridgeMessage)
	}

	mb, ok := b.mailbox(surface)
	if !ok {
		return b.dropStale(surface)
	}
	if !mb.limiter.Allow() {
		b.rateLimited.Add(1)
		b.metrics.RecordBridgeMessage(resultRateLimited)
		b.logger.Warn("bridge message rate exceeded", logging.Surface(surface))
		return ErrRateLimited
	}

	_, depth, ok := mb.push(Message{
		Surface:  surface,
		URL:      url,
		Body:     text,
		Received: time.Now(),
	})
	if !ok {
		return b.dropStale(surface)
	}
	if depth == b.mailboxSize+1 {
		b.logger.Warn("bridge mailbox backlog above mailbox size",
			logging.Surface(surface), zap.Int("depth", depth))
	}
	return nil
}

func (b *Bridge) dropStale(surface id.SurfaceID) error {
	b.stale.Add(1)
	b.metrics.RecordBridgeMessage(resultStale)
	b.metrics.RecordStale("message")
	b.logger.Debug("message for retired surface dropped",
		logging.Surface(surface), zap.Error(types.ErrStaleDelivery))
	return fmt.Errorf("%w: %s", types.ErrStaleDelivery, surface)
}

// mailbox returns the surface's mailbox, starting it on first use
func (b *Bridge) mailbox(surface id.SurfaceID) (*mailbox, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	mb, ok := b.boxes[surface]
	if !ok {
		// Retire flips liveness before Close takes b.mu, so a mailbox made
		// here is always seen by that Close.
		if b.live != nil && !b.live.IsLive(surface) {
			return nil, false
		}
		mb = newMailbox(surface, b.mailboxSize, rate.NewLimiter(b.limit, b.burst))
		b.boxes[surface] = mb
		b.wg.Add(1)
		go b.drain(mb)
	}
	return mb, true
}

func (b *Bridge) drain(mb *mailbox) {
	defer b.wg.Done()
	defer close(mb.done)
	for {
		batch, ok := mb.next()
		if !ok {
			return
		}
		for _, msg := range batch {
			b.deliver(msg)
		}
	}
}

func (b *Bridge) deliver(msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			b.panics.Add(1)
			b.metrics.RecordBridgeMessage(resultPanic)
			b.logger.Error("bridge handler panicked",
				logging.Surface(msg.Surface),
				zap.Uint64("seq", msg.Seq),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	b.handler.HandleMessage(b.ctx, msg)
	b.delivered.Add(1)
	b.metrics.RecordBridgeMessage(resultDelivered)
	b.publish(msg)
}

// Close stops the surface's mailbox after its queued messages are handled.
// It does not wait; the returned channel is closed once the mailbox has
// drained. A surface without a mailbox gets an already closed channel.
func (b *Bridge) Close(surface id.SurfaceID) <-chan struct{} {
	b.mu.Lock()
	mb, ok := b.boxes[surface]
	delete(b.boxes, surface)
	b.mu.Unlock()
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	mb.close()
	return mb.done
}

// Shutdown closes every mailbox and waits for queued messages to be
// handled or ctx to end. Handlers see their context cancelled afterwards.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	boxes := b.boxes
	b.boxes = make(map[id.SurfaceID]*mailbox)
	b.mu.Unlock()

	for _, mb := range boxes {
		mb.close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	defer b.cancel()
	select {
	case <-done:
		b.closeSubscribers()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving a copy of every delivered message
// and a function that ends the subscription. A subscriber that falls behind
// misses messages.
func (b *Bridge) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.subMu.Lock()
	key := b.nextSub
	b.nextSub++
	b.subs[key] = ch
	b.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subMu.Lock()
			if _, ok := b.subs[key]; ok {
				delete(b.subs, key)
				close(ch)
			}
			b.subMu.Unlock()
		})
	}
}

func (b *Bridge) publish(msg Message) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Bridge) closeSubscribers() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for key, ch := range b.subs {
		delete(b.subs, key)
		close(ch)
	}
}

// Stats returns bridge counters
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	boxes := len(b.boxes)
	b.mu.Unlock()
	b.subMu.RLock()
	subs := len(b.subs)
	b.subMu.RUnlock()

	return Stats{
		Mailboxes:   boxes,
		Received:    b.received.Load(),
		Delivered:   b.delivered.Load(),
		Malformed:   b.malformed.Load(),
		Stale:       b.stale.Load(),
		RateLimited: b.rateLimited.Load(),
		Panics:      b.panics.Load(),
		Subscribers: subs,
	}
}

// guessCharset names the likely encoding of a payload that is not UTF-8
func guessCharset(text string) string {
	result, err := chardet.NewTextDetector().DetectBest([]byte(text))
	if err != nil || result == nil {
		return "unknown"
	}
	return strings.ToLower(result.Charset)
}

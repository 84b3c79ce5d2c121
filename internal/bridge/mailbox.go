package bridge

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
)

// mailbox is a per-surface FIFO drained by one goroutine. It never blocks
// the producer.
type mailbox struct {
	surface id.SurfaceID
	limiter *rate.Limiter

	mu     sync.Mutex
	queue  []Message
	seq    uint64
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newMailbox(surface id.SurfaceID, capacity int, limiter *rate.Limiter) *mailbox {
	return &mailbox{
		surface: surface,
		limiter: limiter,
		queue:   make([]Message, 0, capacity),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push stamps msg with the next sequence number and queues it. It returns
// the queue depth, or false once the mailbox is closed.
func (m *mailbox) push(msg Message) (Message, int, bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return msg, 0, false
	}
	m.seq++
	msg.Seq = m.seq
	m.queue = append(m.queue, msg)
	depth := len(m.queue)
	m.mu.Unlock()

	m.signal()
	return msg, depth, true
}

// next blocks until messages are queued. It returns false once the mailbox
// is closed and empty.
func (m *mailbox) next() ([]Message, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			return batch, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()
		<-m.wake
	}
}

// close stops accepting messages. Queued messages are still drained.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

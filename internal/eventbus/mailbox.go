package eventbus

import "sync"

// Mailbox is an unbounded FIFO between one producer side and one consumer.
// Push never blocks; the consumer waits on Ready and takes everything with Drain.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Event
	ready  chan struct{}
	closed bool
}

func newMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Push appends e. It reports false once the mailbox is closed.
func (m *Mailbox) Push(e Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	m.signal()
	return true
}

// Ready fires at least once after any Push or Close since the last Drain.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Drain returns the pending events in push order and empties the queue.
func (m *Mailbox) Drain() []Event {
	m.mu.Lock()
	out := m.queue
	m.queue = nil
	m.mu.Unlock()
	return out
}

// Closed reports whether Close has been called. Pending events stay drainable.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

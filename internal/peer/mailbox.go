package peer

import (
	"sync"

	"github.com/park285/nfc-card-battle/pkg/battledto"
)

// mailbox is an unbounded FIFO of events. push never blocks, so it is safe to
// call from a room notifier.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      []battledto.Event
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(ev battledto.Event) {
	m.mu.Lock()
	if !m.closed {
		m.q = append(m.q, ev)
		m.cond.Signal()
	}
	m.mu.Unlock()
}

// close stops accepting events; run still drains what is queued.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// run delivers events in order until the mailbox is closed and empty or deliver fails.
func (m *mailbox) run(deliver func(battledto.Event) error) {
	for {
		m.mu.Lock()
		for len(m.q) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.q) == 0 {
			m.mu.Unlock()
			return
		}
		ev := m.q[0]
		m.q[0] = battledto.Event{}
		m.q = m.q[1:]
		m.mu.Unlock()
		if err := deliver(ev); err != nil {
			return
		}
	}
}

package camera

import (
	"sync"
	"sync/atomic"

	"github.com/sankurisyam/face-reco-student/internal/types"
)

// mailbox is a single-slot frame buffer: publishing overwrites an unconsumed
// frame, so a slow consumer always reads the newest frame and capture never blocks.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *types.Frame
	closed bool
	err    error

	drops atomic.Uint64
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) publish(f *types.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.frame != nil {
		m.drops.Add(1)
	}
	m.frame = f
	m.cond.Signal()
}

// take blocks until a frame is available or the mailbox closes.
func (m *mailbox) take() (*types.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.frame == nil && !m.closed {
		m.cond.Wait()
	}
	// Drain a pending frame before reporting closure.
	if m.frame != nil {
		f := m.frame
		m.frame = nil
		return f, nil
	}
	return nil, m.err
}

// close wakes all waiters. The first error wins.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.err = err
	m.cond.Broadcast()
}

// Package eventbus fans task lifecycle events out to in-process listeners
// (log trail, metrics). Publishing never blocks; slow listeners drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TaskAssigned    = "task.assigned"
	TaskFrozen      = "task.frozen"
	TaskResumed     = "task.resumed"
	TaskSubmitted   = "task.submitted"
	TaskVerified    = "task.verified"
	TaskReworked    = "task.reworked"
	TaskAutoClosed  = "task.auto_closed"
	ShiftStarted    = "shift.started"
	ShiftEnded      = "shift.ended"
	AssignRejected  = "assign.rejected"
	AssignConflict  = "assign.conflict"
	DispatchSkipped = "dispatch.skipped"
)

// Event is a small in-memory signal.
type Event struct {
	Type string
	Time time.Time

	TaskID   int64
	WorkerID int64
	// Detail carries a reason or a status name, depending on Type.
	Detail string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Nop discards everything. Useful as a default dependency.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

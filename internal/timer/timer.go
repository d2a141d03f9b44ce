// Package timer provides the one-shot timer service and micro-tick clock the
// mesh models run on. There is no periodic timer: recurring work re-arms a
// one-shot timer from inside its own callback.
package timer

import (
	"sync"
	"time"
)

// ID identifies an armed timer. The zero ID is never issued.
type ID uint64

// None is the zero ID, used to mean "no timer armed".
const None ID = 0

// Callback is invoked with the ID the timer was created with.
type Callback func(ID)

// Service creates and deletes one-shot timers.
type Service interface {
	Create(d time.Duration, cb Callback) ID
	// Delete cancels id. Deleting a fired, deleted or unknown id is a no-op.
	Delete(id ID)
}

// Clock exposes a free-running 32-bit microsecond counter that wraps.
type Clock interface {
	Micros() uint32
}

// Runtime is the wall-clock Service. Expiries are handed to post, which is
// expected to run them on the owner's event loop so callbacks never overlap.
type Runtime struct {
	post  func(func())
	start time.Time

	mu     sync.Mutex
	nextID ID
	armed  map[ID]*time.Timer
}

// NewRuntime creates a Runtime that dispatches expiries through post.
func NewRuntime(post func(func())) *Runtime {
	return &Runtime{
		post:  post,
		start: time.Now(),
		armed: make(map[ID]*time.Timer),
	}
}

// Create arms a one-shot timer.
func (r *Runtime) Create(d time.Duration, cb Callback) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.armed[id] = time.AfterFunc(d, func() {
		r.post(func() {
			r.mu.Lock()
			_, ok := r.armed[id]
			delete(r.armed, id)
			r.mu.Unlock()
			if ok {
				cb(id)
			}
		})
	})
	return id
}

// Delete cancels id if it is still armed.
func (r *Runtime) Delete(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.armed[id]; ok {
		t.Stop()
		delete(r.armed, id)
	}
}

// Stop cancels every armed timer.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.armed {
		t.Stop()
		delete(r.armed, id)
	}
}

// Micros returns microseconds since the Runtime was created, truncated to 32 bits.
func (r *Runtime) Micros() uint32 {
	return uint32(time.Since(r.start).Microseconds())
}

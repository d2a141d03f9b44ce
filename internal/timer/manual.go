package timer

import (
	"sort"
	"time"
)

// Op is a recorded Manual operation.
type Op struct {
	Kind     string // "create" or "delete"
	ID       ID
	Duration time.Duration
}

type manualTimer struct {
	id       ID
	deadline time.Duration
	cb       Callback
}

// Manual is a virtual-time Service and Clock. Time only moves when Advance
// is called; due callbacks run synchronously in deadline order.
type Manual struct {
	now        time.Duration
	microsBase uint32
	nextID     ID
	pending    map[ID]*manualTimer
	ops        []Op
}

// NewManual creates a Manual at virtual time zero.
func NewManual() *Manual {
	return &Manual{pending: make(map[ID]*manualTimer)}
}

// SetMicrosBase offsets the micro-tick counter, e.g. to test roll-over.
func (m *Manual) SetMicrosBase(base uint32) {
	m.microsBase = base
}

// Create arms a virtual one-shot timer.
func (m *Manual) Create(d time.Duration, cb Callback) ID {
	m.nextID++
	id := m.nextID
	m.pending[id] = &manualTimer{id: id, deadline: m.now + d, cb: cb}
	m.ops = append(m.ops, Op{Kind: "create", ID: id, Duration: d})
	return id
}

// Delete cancels id. Unknown ids are recorded but otherwise ignored.
func (m *Manual) Delete(id ID) {
	delete(m.pending, id)
	m.ops = append(m.ops, Op{Kind: "delete", ID: id})
}

// Micros returns the virtual elapsed microseconds plus the configured base.
func (m *Manual) Micros() uint32 {
	return m.microsBase + uint32(m.now.Microseconds())
}

// Now returns the virtual elapsed time.
func (m *Manual) Now() time.Duration {
	return m.now
}

// Advance moves virtual time forward by d, firing every timer that falls due.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for {
		next := m.earliest()
		if next == nil || next.deadline > target {
			break
		}
		delete(m.pending, next.id)
		m.now = next.deadline
		next.cb(next.id)
	}
	m.now = target
}

func (m *Manual) earliest() *manualTimer {
	var best *manualTimer
	for _, t := range m.pending {
		if best == nil || t.deadline < best.deadline || (t.deadline == best.deadline && t.id < best.id) {
			best = t
		}
	}
	return best
}

// Pending returns the remaining durations of all armed timers, soonest first.
func (m *Manual) Pending() []time.Duration {
	out := make([]time.Duration, 0, len(m.pending))
	for _, t := range m.pending {
		out = append(out, t.deadline-m.now)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ops returns the recorded create/delete operations.
func (m *Manual) Ops() []Op {
	return append([]Op(nil), m.ops...)
}

// ResetOps clears the operation log.
func (m *Manual) ResetOps() {
	m.ops = nil
}

package action

import (
	"time"

	"csrmesh-node/internal/timebase"
	"csrmesh-node/internal/timer"
)

// MaxTimerDelay caps a single scheduler timer; longer waits re-arm on expiry.
const MaxTimerDelay = 30 * time.Minute

const maxDelaySecs = uint32(MaxTimerDelay / time.Second)

// noIndex marks a capped wait with nothing to fire on expiry.
const noIndex = -1

// RecomputeNextActionTimer replaces the scheduler timer with one for the
// earliest pending fire time across all stored actions.
func (m *Model) RecomputeNextActionTimer(now uint32) {
	best := uint64(1 << 32)
	bestIdx := noIndex
	for i, e := range m.slots {
		if e == nil {
			continue
		}
		next, ok := e.nextFire(now)
		if ok && uint64(next) < best {
			best = uint64(next)
			bestIdx = i
		}
	}

	m.cancelTimer()
	if bestIdx == noIndex {
		return
	}

	delay := uint32(best) - now
	if delay > maxDelaySecs {
		m.nextIndex = noIndex
		m.nextTimer = m.timers.Create(MaxTimerDelay, m.onTimer)
		return
	}
	m.nextIndex = bestIdx
	m.nextFire = uint32(best)
	m.nextTimer = m.timers.Create(time.Duration(delay)*time.Second, m.onTimer)
}

func (m *Model) cancelTimer() {
	if m.nextTimer != timer.None {
		m.timers.Delete(m.nextTimer)
		m.nextTimer = timer.None
	}
	m.nextIndex = noIndex
}

// reschedule recomputes against the current time, or parks the scheduler
// when no time is known.
func (m *Model) reschedule() {
	now, err := m.nowSeconds()
	if err != nil {
		m.cancelTimer()
		return
	}
	m.RecomputeNextActionTimer(now)
}

func (m *Model) nowSeconds() (uint32, error) {
	t, _, err := m.clock.GetUTC()
	if err != nil {
		return 0, err
	}
	return timebase.SecondsSinceReference(t), nil
}

func (m *Model) onTimer(id timer.ID) {
	if id != m.nextTimer {
		return
	}
	m.nextTimer = timer.None

	now, err := m.nowSeconds()
	if err != nil {
		// Rescheduled by SyncCurrentTime once time is known.
		m.nextIndex = noIndex
		return
	}
	idx := m.nextIndex
	if idx >= 0 && idx < len(m.slots) && m.slots[idx] != nil && now >= m.nextFire {
		m.fire(idx, m.nextFire)
	}
	m.RecomputeNextActionTimer(now)
}

// fire sends the action's message for the given scheduled slot and applies
// repeat accounting.
func (m *Model) fire(idx int, slot uint32) {
	e := m.slots[idx]
	if msg, ok := e.Message(); ok {
		if err := m.tx.Send(m.cfg.NetworkID, e.Destination, m.cfg.DefaultTTL, msg); err != nil {
			m.logger.Warn("action send failed", "action", e.ActionID, "err", err)
		}
	}
	e.fired = true
	e.lastFired = slot

	remove := e.RepeatInterval == 0
	if !remove {
		count := (slot - e.StartTime) / e.RepeatInterval
		if e.RepeatMax != RepeatForever {
			e.RepeatCount = uint16(min(count, RepeatForever-1))
			remove = count >= uint32(e.RepeatMax)
		}
	}

	m.logger.Debug("action fired", "action", e.ActionID, "dest", e.Destination, "slot", slot, "count", e.RepeatCount)
	if m.hooks.OnFired != nil {
		m.hooks.OnFired(e.clone())
	}

	if remove {
		m.slots[idx] = nil
		m.persistSlot(idx)
		if m.hooks.OnDeleted != nil {
			m.hooks.OnDeleted(1 << e.ActionID)
		}
		return
	}
	m.persistSlot(idx)
}

// DeleteActions removes every stored action whose id bit is set in mask and
// returns the mask of ids actually removed.
func (m *Model) DeleteActions(mask uint32) uint32 {
	var deleted uint32
	for i, e := range m.slots {
		if e == nil || mask&(1<<e.ActionID) == 0 {
			continue
		}
		deleted |= 1 << e.ActionID
		m.slots[i] = nil
		m.persistSlot(i)
	}
	if deleted == 0 {
		return 0
	}
	m.logger.Info("actions deleted", "mask", deleted)
	if m.hooks.OnDeleted != nil {
		m.hooks.OnDeleted(deleted)
	}
	m.reschedule()
	return deleted
}

// SyncCurrentTime reconciles the table with a new authoritative time:
// actions with no fire slot left (past one-shots, capped repeaters whose
// last repeat is behind now) are dropped and the timer recomputed.
func (m *Model) SyncCurrentTime(t timebase.Time48) {
	now := timebase.SecondsSinceReference(t)
	var pruned uint32
	for i, e := range m.slots {
		if e == nil {
			continue
		}
		if _, ok := e.nextFire(now); ok {
			continue
		}
		pruned |= 1 << e.ActionID
		m.slots[i] = nil
		m.persistSlot(i)
	}
	if pruned != 0 {
		m.logger.Info("expired actions pruned", "mask", pruned)
		if m.hooks.OnDeleted != nil {
			m.hooks.OnDeleted(pruned)
		}
	}
	m.RecomputeNextActionTimer(now)
}

package action

import (
	"time"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/timer"
)

// ReassemblyTimeout discards an incomplete multi-part action.
const ReassemblyTimeout = 5 * time.Second

// assembly collects the fragments of one action definition. Only one
// definition is in flight at a time.
type assembly struct {
	active   bool
	actionID uint8
	source   uint16
	received uint8
	expected uint8
	lastSeen bool
	buf      [MaxDefinitionLen]byte
	timer    timer.ID
}

func (m *Model) handleFragment(in mesh.Inbound) {
	p := in.Message.Payload
	if len(p) < 1 {
		return
	}
	h := DecodePartHeader(p[0])
	data := p[1:]
	if len(data) > PartSize {
		data = data[:PartSize]
	}

	a := &m.asm
	if !a.active {
		a.active = true
		a.actionID = h.ActionID
		a.source = in.Source
		a.timer = m.timers.Create(ReassemblyTimeout, m.onReassemblyTimeout)
	} else if a.actionID != h.ActionID {
		m.logger.Debug("drop fragment, other action in progress", "action", h.ActionID, "in_progress", a.actionID)
		return
	}

	copy(a.buf[int(h.Part)*PartSize:], data)
	a.received |= 1 << h.Part
	if h.Last {
		a.lastSeen = true
		a.expected = 1<<(h.Part+1) - 1
	}
	if !a.lastSeen || a.received&a.expected != a.expected {
		return
	}

	n := 0
	for a.expected>>n != 0 {
		n++
	}
	def := append([]byte(nil), a.buf[:n*PartSize]...)
	id, src := a.actionID, a.source
	m.resetAssembly()
	m.commit(id, src, def)
}

func (m *Model) onReassemblyTimeout(id timer.ID) {
	if !m.asm.active || id != m.asm.timer {
		return
	}
	m.logger.Debug("action reassembly timed out", "action", m.asm.actionID, "parts", m.asm.received)
	m.asm.timer = timer.None
	m.resetAssembly()
}

func (m *Model) resetAssembly() {
	if m.asm.timer != timer.None {
		m.timers.Delete(m.asm.timer)
	}
	m.asm = assembly{}
}

// commit decodes a complete definition and stores it.
func (m *Model) commit(actionID uint8, source uint16, def []byte) {
	e, err := DecodeDefinition(actionID, def)
	if err != nil {
		m.logger.Debug("drop action", "action", actionID, "err", err)
		return
	}

	now, nowErr := m.nowSeconds()
	if e.Relative() {
		if nowErr != nil {
			m.logger.Debug("drop relative action, time unknown", "action", actionID)
			return
		}
		start := uint64(now) + uint64(e.StartTimeReceived)
		if start > 0xFFFFFFFF {
			m.logger.Debug("drop action, start overflows", "action", actionID)
			return
		}
		e.StartTime = uint32(start)
	} else {
		e.StartTime = e.StartTimeReceived
	}
	if nowErr == nil && e.RepeatInterval == 0 && e.StartTime < now {
		m.logger.Debug("drop action, start in the past", "action", actionID, "start", e.StartTime, "now", now)
		return
	}

	idx, ok := m.FindSlot(actionID)
	if !ok {
		m.logger.Warn("action table full", "action", actionID)
		return
	}
	m.slots[idx] = e
	m.persistSlot(idx)
	m.logger.Info("action stored", "action", actionID, "slot", idx, "start", e.StartTime, "interval", e.RepeatInterval)

	m.reschedule()
	m.send(source, mesh.Message{
		Opcode:  mesh.OpActionSetActionAck,
		Payload: []byte{PartHeader{ActionID: actionID}.Encode()},
	})
	if m.hooks.OnStored != nil {
		m.hooks.OnStored(e.clone())
	}
}

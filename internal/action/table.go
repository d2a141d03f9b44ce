package action

import (
	"encoding/binary"
	"fmt"
)

// NVM slot layout, SlotWords words per slot:
//
//	0      id | payload length<<8 (id 0xFF = free)
//	1-2    start time
//	3-4    start time as received
//	5-6    repeat interval
//	7      repeat count
//	8      repeat max
//	9      destination
//	10     time type
//	11-16  payload, two bytes per word
//	17-18  last fired slot (0xFFFFFFFF = never fired)
const (
	SlotWords    = 19
	payloadWords = 6

	neverFired = 0xFFFFFFFF
)

// NVMWords returns the NVM footprint of a table with n slots.
func NVMWords(n int) int {
	return n * SlotWords
}

// FindSlot returns the slot holding actionID, or failing that the first free
// slot. It reports false when the id is absent and the table is full.
func (m *Model) FindSlot(actionID uint8) (int, bool) {
	free := -1
	for i, e := range m.slots {
		if e == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.ActionID == actionID {
			return i, true
		}
	}
	return free, free >= 0
}

func (m *Model) lookup(actionID uint8) (int, bool) {
	for i, e := range m.slots {
		if e != nil && e.ActionID == actionID {
			return i, true
		}
	}
	return -1, false
}

// SupportedActionsBitmask has bit n set when action id n is stored.
func (m *Model) SupportedActionsBitmask() uint32 {
	var mask uint32
	for _, e := range m.slots {
		if e != nil {
			mask |= 1 << e.ActionID
		}
	}
	return mask
}

func (m *Model) slotOffset(i int) uint16 {
	return m.cfg.NVMOffset + uint16(i*SlotWords)
}

// ReadFromStorage loads every slot from NVM. Slots with an out-of-range id
// are free and the rest of their words are not read.
func (m *Model) ReadFromStorage() error {
	seen := uint32(0)
	head := make([]uint16, 1)
	for i := range m.slots {
		m.slots[i] = nil
		off := m.slotOffset(i)
		if err := m.nvm.Read(off, head); err != nil {
			return fmt.Errorf("read action slot %d: %w", i, err)
		}
		id := uint8(head[0])
		if id >= MaxActionID || seen&(1<<id) != 0 {
			continue
		}
		n := int(head[0] >> 8)
		if n > MaxPayload {
			m.logger.Warn("discard corrupt action slot", "slot", i, "len", n)
			continue
		}
		rest := make([]uint16, SlotWords-1)
		if err := m.nvm.Read(off+1, rest); err != nil {
			return fmt.Errorf("read action slot %d: %w", i, err)
		}
		m.slots[i] = decodeSlot(id, n, rest)
		seen |= 1 << id
	}
	return nil
}

// WriteToStorage persists every slot, free ones as invalidated.
func (m *Model) WriteToStorage() error {
	for i := range m.slots {
		if err := m.writeSlot(i); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) writeSlot(i int) error {
	e := m.slots[i]
	var words []uint16
	if e == nil {
		words = []uint16{InvalidID}
	} else {
		words = encodeSlot(e)
	}
	if err := m.nvm.Write(m.slotOffset(i), words); err != nil {
		return fmt.Errorf("write action slot %d: %w", i, err)
	}
	return nil
}

func (m *Model) persistSlot(i int) {
	if err := m.writeSlot(i); err != nil {
		m.logger.Error("persist action", "slot", i, "err", err)
	}
}

func encodeSlot(e *Entry) []uint16 {
	w := make([]uint16, SlotWords)
	w[0] = uint16(e.ActionID) | uint16(len(e.Payload))<<8
	w[1], w[2] = uint16(e.StartTime), uint16(e.StartTime>>16)
	w[3], w[4] = uint16(e.StartTimeReceived), uint16(e.StartTimeReceived>>16)
	w[5], w[6] = uint16(e.RepeatInterval), uint16(e.RepeatInterval>>16)
	w[7] = e.RepeatCount
	w[8] = e.RepeatMax
	w[9] = e.Destination
	w[10] = e.TimeType
	var buf [payloadWords * 2]byte
	copy(buf[:], e.Payload)
	for j := 0; j < payloadWords; j++ {
		w[11+j] = binary.LittleEndian.Uint16(buf[j*2:])
	}
	last := uint32(neverFired)
	if e.fired {
		last = e.lastFired
	}
	w[17], w[18] = uint16(last), uint16(last>>16)
	return w
}

// decodeSlot parses words 1..18 of a slot.
func decodeSlot(id uint8, n int, rest []uint16) *Entry {
	w := func(i int) uint16 { return rest[i-1] }
	var buf [payloadWords * 2]byte
	for j := 0; j < payloadWords; j++ {
		binary.LittleEndian.PutUint16(buf[j*2:], w(11+j))
	}
	e := &Entry{
		ActionID:          id,
		StartTime:         uint32(w(1)) | uint32(w(2))<<16,
		StartTimeReceived: uint32(w(3)) | uint32(w(4))<<16,
		RepeatInterval:    uint32(w(5)) | uint32(w(6))<<16,
		RepeatCount:       w(7),
		RepeatMax:         w(8),
		Destination:       w(9),
		TimeType:          w(10),
		Payload:           append([]byte(nil), buf[:n]...),
	}
	if last := uint32(w(17)) | uint32(w(18))<<16; last != neverFired {
		e.fired = true
		e.lastFired = last
	}
	return e
}

package timemodel

import (
	"encoding/binary"
	"fmt"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/timebase"
)

// Wire layouts (all little-endian):
//
//	TIME_BROADCAST  time(6) | timezone(int8) | flags(1, bit0 = master clock)
//	TIME_SET_STATE  interval(2) | tid(1)
//	TIME_GET_STATE  tid(1)
//	TIME_STATE      interval(2) | tid(1)

const (
	broadcastLen = 8
	flagMaster   = 0x01
)

// Broadcast is a TIME_BROADCAST message.
type Broadcast struct {
	Time        timebase.Time48
	Timezone    int8
	MasterClock bool
}

// Encode builds the TIME_BROADCAST message.
func (b Broadcast) Encode() mesh.Message {
	p := make([]byte, broadcastLen)
	for i, w := range b.Time.Words() {
		binary.LittleEndian.PutUint16(p[i*2:], w)
	}
	p[6] = byte(b.Timezone)
	if b.MasterClock {
		p[7] = flagMaster
	}
	return mesh.Message{Opcode: mesh.OpTimeBroadcast, Payload: p}
}

// DecodeBroadcast parses a TIME_BROADCAST payload.
func DecodeBroadcast(p []byte) (Broadcast, error) {
	if len(p) < broadcastLen {
		return Broadcast{}, fmt.Errorf("time broadcast: need %d bytes, got %d", broadcastLen, len(p))
	}
	var w [3]uint16
	for i := range w {
		w[i] = binary.LittleEndian.Uint16(p[i*2:])
	}
	return Broadcast{
		Time:        timebase.FromWords(w),
		Timezone:    int8(p[6]),
		MasterClock: p[7]&flagMaster != 0,
	}, nil
}

// StateMsg is the payload shared by TIME_SET_STATE and TIME_STATE.
type StateMsg struct {
	Interval      uint16
	TransactionID uint8
}

func (s StateMsg) encode(op uint8) mesh.Message {
	p := make([]byte, 3)
	binary.LittleEndian.PutUint16(p, s.Interval)
	p[2] = s.TransactionID
	return mesh.Message{Opcode: op, Payload: p}
}

func decodeStateMsg(p []byte) (StateMsg, error) {
	if len(p) < 3 {
		return StateMsg{}, fmt.Errorf("time state: need 3 bytes, got %d", len(p))
	}
	return StateMsg{Interval: binary.LittleEndian.Uint16(p), TransactionID: p[2]}, nil
}

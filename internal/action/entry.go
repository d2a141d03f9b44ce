package action

import (
	"encoding/binary"
	"errors"
	"fmt"

	"csrmesh-node/internal/mesh"
)

const (
	// MaxActionID is the size of the action id space (5 bits).
	MaxActionID = 32
	// InvalidID marks a free slot in NVM.
	InvalidID = 0xFF
	// MaxPayload is the largest stored mesh message (opcode + parameters).
	MaxPayload = 11
	// RepeatForever as RepeatMax disables repeat exhaustion.
	RepeatForever = 0xFFFF
)

// ErrInvalidDefinition wraps every definition decoding failure.
var ErrInvalidDefinition = errors.New("invalid action definition")

// Time types carried in an action definition.
const (
	TimeAbsolute       uint16 = 0x00
	TimeAbsoluteRepeat uint16 = 0x01
	TimeRelative       uint16 = 0x04
	TimeRelativeRepeat uint16 = 0x05

	timeRelativeBit = 0x04
)

// Action types. Only mesh-message actions are defined.
const actionTypeMeshMessage = 0x00

// Entry is one scheduled action.
type Entry struct {
	ActionID uint8 `json:"action_id"`
	// StartTime is absolute, in seconds since 2015-01-01T00:00:00Z.
	StartTime uint32 `json:"start_time"`
	// StartTimeReceived is the start time field exactly as received.
	StartTimeReceived uint32 `json:"start_time_received"`
	// RepeatInterval in seconds; 0 fires once.
	RepeatInterval uint32 `json:"repeat_interval"`
	RepeatCount    uint16 `json:"repeat_count"`
	RepeatMax      uint16 `json:"repeat_max"`
	Destination    uint16 `json:"destination"`
	TimeType       uint16 `json:"time_type"`
	// Payload is the message sent on fire: opcode followed by parameters.
	Payload []byte `json:"payload"`

	fired     bool
	lastFired uint32
}

// Relative reports whether the start time was given relative to reception.
func (e *Entry) Relative() bool {
	return e.TimeType&timeRelativeBit != 0
}

// Message returns the mesh message stored in the payload.
func (e *Entry) Message() (mesh.Message, bool) {
	if len(e.Payload) == 0 {
		return mesh.Message{}, false
	}
	return mesh.Message{Opcode: e.Payload[0], Payload: e.Payload[1:]}, true
}

func (e *Entry) clone() Entry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return cp
}

// nextFire returns the earliest fire slot at or after now that has not
// already fired. A capped repeater has no slot past its RepeatMax'th repeat.
func (e *Entry) nextFire(now uint32) (uint32, bool) {
	var next uint64
	if e.StartTime >= now {
		next = uint64(e.StartTime)
	} else {
		if e.RepeatInterval == 0 {
			return 0, false
		}
		elapsed := uint64(now - e.StartTime)
		interval := uint64(e.RepeatInterval)
		next = uint64(e.StartTime) + (elapsed+interval-1)/interval*interval
	}
	if e.fired && next <= uint64(e.lastFired) {
		if e.RepeatInterval == 0 {
			return 0, false
		}
		next = uint64(e.lastFired) + uint64(e.RepeatInterval)
	}
	if next > 0xFFFFFFFF {
		return 0, false
	}
	if e.RepeatInterval != 0 && e.RepeatMax != RepeatForever &&
		(next-uint64(e.StartTime))/uint64(e.RepeatInterval) > uint64(e.RepeatMax) {
		return 0, false
	}
	return uint32(next), true
}

// Action definition layout carried by ACTION_SET_ACTION fragments once
// reassembled (little-endian):
//
//	type(1) | dest(2) | time type(1) | start(4) | interval(3) | repeat max(2) | len(1) | payload(len)
const definitionHeaderLen = 14

// MaxDefinitionLen is the reassembly buffer size: four 8-byte parts.
const MaxDefinitionLen = MaxParts * PartSize

// EncodeDefinition serialises e using StartTimeReceived as the start field.
func EncodeDefinition(e *Entry) []byte {
	b := make([]byte, definitionHeaderLen+len(e.Payload))
	b[0] = actionTypeMeshMessage
	binary.LittleEndian.PutUint16(b[1:3], e.Destination)
	b[3] = byte(e.TimeType)
	binary.LittleEndian.PutUint32(b[4:8], e.StartTimeReceived)
	b[8] = byte(e.RepeatInterval)
	b[9] = byte(e.RepeatInterval >> 8)
	b[10] = byte(e.RepeatInterval >> 16)
	binary.LittleEndian.PutUint16(b[11:13], e.RepeatMax)
	b[13] = byte(len(e.Payload))
	copy(b[definitionHeaderLen:], e.Payload)
	return b
}

// DecodeDefinition parses a reassembled definition. StartTime is left for
// the caller to resolve.
func DecodeDefinition(actionID uint8, b []byte) (*Entry, error) {
	if len(b) < definitionHeaderLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidDefinition, definitionHeaderLen, len(b))
	}
	if b[0] != actionTypeMeshMessage {
		return nil, fmt.Errorf("%w: unsupported action type 0x%02X", ErrInvalidDefinition, b[0])
	}
	n := int(b[13])
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidDefinition, n, MaxPayload)
	}
	if definitionHeaderLen+n > len(b) {
		return nil, fmt.Errorf("%w: payload truncated, need %d bytes, got %d", ErrInvalidDefinition, definitionHeaderLen+n, len(b))
	}
	return &Entry{
		ActionID:          actionID,
		Destination:       binary.LittleEndian.Uint16(b[1:3]),
		TimeType:          uint16(b[3]),
		StartTimeReceived: binary.LittleEndian.Uint32(b[4:8]),
		RepeatInterval:    uint32(b[8]) | uint32(b[9])<<8 | uint32(b[10])<<16,
		RepeatMax:         binary.LittleEndian.Uint16(b[11:13]),
		Payload:           append([]byte(nil), b[definitionHeaderLen:definitionHeaderLen+n]...),
	}, nil
}

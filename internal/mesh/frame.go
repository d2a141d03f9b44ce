package mesh

// Gateway frame codec. A frame carries one mesh message between the node and
// its bridge:
//
//	netID(1) | src(2 LE) | dst(2 LE) | ttl(1) | opcode(1) | payload(0-MaxPayload)
//
// On serial links the frame is HDLC-wrapped: 0x7E flags, 0x7D escaping and a
// trailing CRC-16/CCITT (reflected, init 0xFFFF, final xor 0xFFFF).

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	frameHeaderSize = 7
	// MaxPayload is the largest model payload a frame carries.
	MaxPayload = 32

	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20
)

var (
	ErrFrameTooShort = errors.New("mesh: frame too short")
	ErrFrameTooLong  = errors.New("mesh: payload too long")
	ErrBadChecksum   = errors.New("mesh: bad checksum")
)

// EncodeFrame serialises an inbound/outbound envelope into a raw frame.
func EncodeFrame(in Inbound) ([]byte, error) {
	if len(in.Message.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(in.Message.Payload))
	}
	data := make([]byte, frameHeaderSize+len(in.Message.Payload))
	data[0] = in.NetworkID
	binary.LittleEndian.PutUint16(data[1:3], in.Source)
	binary.LittleEndian.PutUint16(data[3:5], in.Dest)
	data[5] = in.TTL
	data[6] = in.Message.Opcode
	copy(data[frameHeaderSize:], in.Message.Payload)
	return data, nil
}

// DecodeFrame parses a raw frame.
func DecodeFrame(data []byte) (Inbound, error) {
	if len(data) < frameHeaderSize {
		return Inbound{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	if len(data)-frameHeaderSize > MaxPayload {
		return Inbound{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(data)-frameHeaderSize)
	}
	in := Inbound{
		NetworkID: data[0],
		Source:    binary.LittleEndian.Uint16(data[1:3]),
		Dest:      binary.LittleEndian.Uint16(data[3:5]),
		TTL:       data[5],
		Message:   Message{Opcode: data[6]},
	}
	if len(data) > frameHeaderSize {
		in.Message.Payload = make([]byte, len(data)-frameHeaderSize)
		copy(in.Message.Payload, data[frameHeaderSize:])
	}
	return in, nil
}

// --- HDLC ---

var fcsTable [256]uint16

func init() {
	const poly = 0x8408 // reflected 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		fcsTable[i] = crc
	}
}

func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ fcsTable[(crc^uint16(b))&0xFF]
	}
	return crc ^ 0xFFFF
}

// hdlcWrap appends the FCS, escapes, and surrounds data with flag bytes.
func hdlcWrap(data []byte) []byte {
	fcs := crc16(data)
	body := make([]byte, 0, len(data)+2)
	body = append(body, data...)
	body = binary.LittleEndian.AppendUint16(body, fcs)

	out := make([]byte, 0, len(body)*2+2)
	out = append(out, hdlcFlag)
	for _, b := range body {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, hdlcFlag)
}

// hdlcUnwrap takes the bytes between two flags, unescapes them and checks the FCS.
func hdlcUnwrap(raw []byte) ([]byte, error) {
	body := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == hdlcEscape {
			i++
			if i == len(raw) {
				return nil, fmt.Errorf("%w: dangling escape", ErrFrameTooShort)
			}
			b = raw[i] ^ hdlcXor
		}
		body = append(body, b)
	}
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(body))
	}
	data := body[:len(body)-2]
	want := binary.LittleEndian.Uint16(body[len(body)-2:])
	if got := crc16(data); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrBadChecksum, got, want)
	}
	return data, nil
}

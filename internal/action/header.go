package action

// Part header byte of ACTION_SET_ACTION and ACTION_GET:
//
//	bit 7     last part
//	bits 6-5  part number (0-3)
//	bits 4-0  action id (0-31)
const (
	headerIDMask    = 0x1F
	headerPartShift = 5
	headerPartMask  = 0x03
	headerLastBit   = 0x80

	// MaxParts is the number of fragments an action definition may span.
	MaxParts = 4
	// PartSize is the number of definition bytes each fragment carries.
	PartSize = 8
)

// PartHeader is the decoded part header byte.
type PartHeader struct {
	ActionID uint8
	Part     uint8
	Last     bool
}

// DecodePartHeader splits a header byte into its fields.
func DecodePartHeader(b byte) PartHeader {
	return PartHeader{
		ActionID: b & headerIDMask,
		Part:     (b >> headerPartShift) & headerPartMask,
		Last:     b&headerLastBit != 0,
	}
}

// Encode packs h into a header byte.
func (h PartHeader) Encode() byte {
	b := h.ActionID&headerIDMask | (h.Part&headerPartMask)<<headerPartShift
	if h.Last {
		b |= headerLastBit
	}
	return b
}

// Fragment splits a definition into ACTION_SET_ACTION payloads.
func Fragment(actionID uint8, def []byte) [][]byte {
	n := (len(def) + PartSize - 1) / PartSize
	if n == 0 {
		n = 1
	}
	if n > MaxParts {
		n = MaxParts
	}
	parts := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * PartSize
		end := min(start+PartSize, len(def))
		h := PartHeader{ActionID: actionID, Part: uint8(i), Last: i == n-1}
		p := make([]byte, 0, 1+PartSize)
		p = append(p, h.Encode())
		if start < end {
			p = append(p, def[start:end]...)
		}
		parts = append(parts, p)
	}
	return parts
}

// Package mesh defines the CSRmesh message types exchanged with the network and
// the gateway transports that carry them (serial bridge dongle, MQTT).
package mesh

import "fmt"

// BroadcastID is the destination address every node listens on.
const BroadcastID uint16 = 0x0000

// Opcodes for the Time and Action models.
const (
	OpActionSetAction       uint8 = 0x50
	OpActionSetActionAck    uint8 = 0x51
	OpActionGetActionStatus uint8 = 0x52
	OpActionActionStatus    uint8 = 0x53
	OpActionDelete          uint8 = 0x54
	OpActionDeleteAck       uint8 = 0x55
	OpActionGet             uint8 = 0x56

	OpTimeSetState  uint8 = 0x75
	OpTimeGetState  uint8 = 0x76
	OpTimeState     uint8 = 0x77
	OpTimeBroadcast uint8 = 0x78
)

// Message is a model-layer message: an opcode and its parameters.
type Message struct {
	Opcode  uint8
	Payload []byte
}

// Inbound is a message received from the network.
type Inbound struct {
	NetworkID uint8
	Source    uint16
	Dest      uint16
	TTL       uint8
	Message   Message
}

// Sender transmits a model message. Sends are fire-and-forget.
type Sender interface {
	Send(networkID uint8, dest uint16, ttl uint8, msg Message) error
}

// Transport is a gateway that can both send and deliver inbound messages.
type Transport interface {
	Sender
	// OnReceive registers the inbound handler. It may be called from the
	// transport's own goroutine.
	OnReceive(handler func(Inbound))
	Close() error
}

// OpcodeName returns a human-readable opcode name for logging.
func OpcodeName(op uint8) string {
	switch op {
	case OpActionSetAction:
		return "ACTION_SET_ACTION"
	case OpActionSetActionAck:
		return "ACTION_SET_ACTION_ACK"
	case OpActionGetActionStatus:
		return "ACTION_GET_ACTION_STATUS"
	case OpActionActionStatus:
		return "ACTION_ACTION_STATUS"
	case OpActionDelete:
		return "ACTION_DELETE"
	case OpActionDeleteAck:
		return "ACTION_DELETE_ACK"
	case OpActionGet:
		return "ACTION_GET"
	case OpTimeSetState:
		return "TIME_SET_STATE"
	case OpTimeGetState:
		return "TIME_GET_STATE"
	case OpTimeState:
		return "TIME_STATE"
	case OpTimeBroadcast:
		return "TIME_BROADCAST"
	default:
		return fmt.Sprintf("0x%02X", op)
	}
}

package store

import "time"

// HistoryRecord is one delivered scheduled action.
type HistoryRecord struct {
	Seq         uint64    `json:"seq"`
	ActionID    uint8     `json:"action_id"`
	Destination uint16    `json:"destination"`
	Payload     []byte    `json:"payload"`
	RepeatCount uint16    `json:"repeat_count"`
	FiredAt     time.Time `json:"fired_at"`
}

// NodeInfo holds the identity the node was last started with.
// A mismatch on restart invalidates the persisted NVM region.
type NodeInfo struct {
	NetworkID  uint8     `json:"network_id"`
	DeviceID   uint16    `json:"device_id"`
	MaxActions int       `json:"max_actions"`
	UpdatedAt  time.Time `json:"updated_at"`
}

package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// NVM is the non-volatile word store the mesh models persist into. Offsets
// and lengths are in 16-bit words within the node's reserved region.
type NVM interface {
	Read(offset uint16, dst []uint16) error
	Write(offset uint16, src []uint16) error
}

// Store defines the persistence interface.
type Store interface {
	NVM
	// ResetNVM erases the whole word region.
	ResetNVM() error

	// Fired-action history, newest last.
	AppendHistory(rec *HistoryRecord) error
	ListHistory(limit int) ([]*HistoryRecord, error)

	// Node identity
	SaveNodeInfo(info *NodeInfo) error
	GetNodeInfo() (*NodeInfo, error)

	// Close the store
	Close() error
}

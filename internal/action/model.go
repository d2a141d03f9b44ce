// Package action implements the CSRmesh Action Model: a fixed-size table of
// scheduled mesh messages, multi-part definition reassembly and a single
// timer that fires the earliest pending action.
package action

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/store"
	"csrmesh-node/internal/timebase"
	"csrmesh-node/internal/timer"
)

// Clock supplies network time. The Time Model satisfies it.
type Clock interface {
	GetUTC() (timebase.Time48, int8, error)
}

// Config holds Action Model configuration.
type Config struct {
	NetworkID  uint8
	DefaultTTL uint8
	// MaxActions is the number of table slots, at most MaxActionID.
	MaxActions int
	NVMOffset  uint16
}

// Hooks observe table changes. All are optional.
type Hooks struct {
	OnStored  func(Entry)
	OnFired   func(Entry)
	OnDeleted func(mask uint32)
}

// Model is one node's Action Model. Not safe for concurrent use.
type Model struct {
	cfg    Config
	timers timer.Service
	clock  Clock
	nvm    store.NVM
	tx     mesh.Sender
	logger *slog.Logger
	hooks  Hooks

	slots     []*Entry
	nextTimer timer.ID
	nextIndex int
	nextFire  uint32

	asm assembly
}

// New creates an empty Action Model.
func New(cfg Config, timers timer.Service, clock Clock, nvm store.NVM, tx mesh.Sender, logger *slog.Logger) (*Model, error) {
	if cfg.MaxActions <= 0 || cfg.MaxActions > MaxActionID {
		return nil, fmt.Errorf("max actions must be 1..%d, got %d", MaxActionID, cfg.MaxActions)
	}
	return &Model{
		cfg:       cfg,
		timers:    timers,
		clock:     clock,
		nvm:       nvm,
		tx:        tx,
		logger:    logger.With("component", "action_model"),
		slots:     make([]*Entry, cfg.MaxActions),
		nextIndex: noIndex,
	}, nil
}

// SetHooks replaces the change observers.
func (m *Model) SetHooks(h Hooks) {
	m.hooks = h
}

// Load restores the table from NVM and schedules the next action if time is
// already known.
func (m *Model) Load() error {
	if err := m.ReadFromStorage(); err != nil {
		return err
	}
	m.reschedule()
	return nil
}

// Stop cancels all timers.
func (m *Model) Stop() {
	m.cancelTimer()
	m.resetAssembly()
}

// MaxActions returns the table capacity.
func (m *Model) MaxActions() int {
	return len(m.slots)
}

// Entries returns copies of the stored actions ordered by slot.
func (m *Model) Entries() []Entry {
	out := make([]Entry, 0, len(m.slots))
	for _, e := range m.slots {
		if e != nil {
			out = append(out, e.clone())
		}
	}
	return out
}

// Entry returns a copy of the stored action with the given id.
func (m *Model) Entry(actionID uint8) (Entry, bool) {
	i, ok := m.lookup(actionID)
	if !ok {
		return Entry{}, false
	}
	return m.slots[i].clone(), true
}

// Handle processes an inbound Action Model message. It reports whether the
// opcode belongs to this model.
func (m *Model) Handle(in mesh.Inbound) bool {
	switch in.Message.Opcode {
	case mesh.OpActionSetAction:
		m.handleFragment(in)
	case mesh.OpActionGetActionStatus:
		m.handleGetStatus(in)
	case mesh.OpActionDelete:
		m.handleDelete(in)
	case mesh.OpActionGet:
		m.handleGet(in)
	case mesh.OpActionSetActionAck, mesh.OpActionActionStatus, mesh.OpActionDeleteAck:
		// Replies addressed to whoever asked; nothing to do.
	default:
		return false
	}
	return true
}

func (m *Model) handleGetStatus(in mesh.Inbound) {
	var tid uint8
	if len(in.Message.Payload) > 0 {
		tid = in.Message.Payload[0]
	}
	m.send(in.Source, EncodeStatus(Status{
		ActionIDs:     m.SupportedActionsBitmask(),
		MaxActions:    uint8(len(m.slots)),
		TransactionID: tid,
	}))
}

func (m *Model) handleDelete(in mesh.Inbound) {
	p := in.Message.Payload
	if len(p) < 4 {
		m.logger.Debug("drop action delete", "len", len(p))
		return
	}
	mask := binary.LittleEndian.Uint32(p[0:4])
	var tid uint8
	if len(p) > 4 {
		tid = p[4]
	}
	deleted := m.DeleteActions(mask)
	m.send(in.Source, EncodeDeleteAck(deleted, tid))
}

// handleGet reads a stored action back as ACTION_SET_ACTION fragments with
// its start time as originally received.
func (m *Model) handleGet(in mesh.Inbound) {
	if len(in.Message.Payload) < 1 {
		return
	}
	id := DecodePartHeader(in.Message.Payload[0]).ActionID
	i, ok := m.lookup(id)
	if !ok {
		return
	}
	for _, part := range Fragment(id, EncodeDefinition(m.slots[i])) {
		m.send(in.Source, mesh.Message{Opcode: mesh.OpActionSetAction, Payload: part})
	}
}

func (m *Model) send(dest uint16, msg mesh.Message) {
	if err := m.tx.Send(m.cfg.NetworkID, dest, m.cfg.DefaultTTL, msg); err != nil {
		m.logger.Warn("action reply failed", "opcode", mesh.OpcodeName(msg.Opcode), "err", err)
	}
}

// Status is the ACTION_STATUS payload.
type Status struct {
	ActionIDs     uint32
	MaxActions    uint8
	TransactionID uint8
}

// EncodeStatus builds ACTION_STATUS: id mask(4) | max actions(1) | tid(1).
func EncodeStatus(s Status) mesh.Message {
	p := make([]byte, 6)
	binary.LittleEndian.PutUint32(p[0:4], s.ActionIDs)
	p[4] = s.MaxActions
	p[5] = s.TransactionID
	return mesh.Message{Opcode: mesh.OpActionActionStatus, Payload: p}
}

// DecodeStatus parses an ACTION_STATUS payload.
func DecodeStatus(p []byte) (Status, error) {
	if len(p) < 6 {
		return Status{}, fmt.Errorf("action status: need 6 bytes, got %d", len(p))
	}
	return Status{
		ActionIDs:     binary.LittleEndian.Uint32(p[0:4]),
		MaxActions:    p[4],
		TransactionID: p[5],
	}, nil
}

// EncodeDelete builds ACTION_DELETE: id mask(4) | tid(1).
func EncodeDelete(mask uint32, tid uint8) mesh.Message {
	p := make([]byte, 5)
	binary.LittleEndian.PutUint32(p[0:4], mask)
	p[4] = tid
	return mesh.Message{Opcode: mesh.OpActionDelete, Payload: p}
}

// EncodeDeleteAck builds ACTION_DELETE_ACK: deleted mask(4) | tid(1).
func EncodeDeleteAck(deleted uint32, tid uint8) mesh.Message {
	m := EncodeDelete(deleted, tid)
	m.Opcode = mesh.OpActionDeleteAck
	return m
}

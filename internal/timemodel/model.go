// Package timemodel implements the CSRmesh Time Model: a drift-corrected
// 48-bit UTC clock and the master/relay synchronization state machine that
// distributes it over the mesh.
package timemodel

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/store"
	"csrmesh-node/internal/timebase"
	"csrmesh-node/internal/timer"
)

var (
	ErrTimeUnavailable = errors.New("time not available")
	ErrInvalidTimezone = errors.New("timezone out of range")
)

const (
	// TickInterval is the clock tick and the delay between repeated broadcasts.
	TickInterval = 50 * time.Millisecond
	tickMs       = uint32(TickInterval / time.Millisecond)

	MasterRepeatCount = 5
	RelayRepeatCount  = 3

	// DefaultBroadcastInterval is the master broadcast cadence in seconds.
	DefaultBroadcastInterval = 60

	// NVMWords is the size of the model's NVM region: marker + interval.
	NVMWords  = 2
	nvmMarker = 0xA55A
)

// Config holds Time Model configuration.
type Config struct {
	NetworkID  uint8
	DefaultTTL uint8
	NVMOffset  uint16
	// Interval used when nothing is persisted yet; 0 means DefaultBroadcastInterval.
	DefaultInterval uint16
}

// State is a snapshot of the model's time state.
type State struct {
	CurrentTime       timebase.Time48
	Timezone          int8
	BroadcastInterval uint16
	TransactionID     uint8
	Role              Role
}

// Model is one node's Time Model. It is not safe for concurrent use; all
// calls must come from the node's event loop.
type Model struct {
	cfg    Config
	timers timer.Service
	clock  timer.Clock
	nvm    store.NVM
	tx     mesh.Sender
	logger *slog.Logger

	currentTime   timebase.Time48
	timezone      int8
	interval      uint16
	transactionID uint8
	role          Role

	lastMicros  uint32
	tickTimer   timer.ID
	repeatCount int
	elapsedMs   uint32

	onTimeUpdated func(timebase.Time48, int8)
	onRoleChanged func(Role)
}

// New creates a Time Model in the init role with no time known.
func New(cfg Config, timers timer.Service, clock timer.Clock, nvm store.NVM, tx mesh.Sender, logger *slog.Logger) *Model {
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = DefaultBroadcastInterval
	}
	return &Model{
		cfg:      cfg,
		timers:   timers,
		clock:    clock,
		nvm:      nvm,
		tx:       tx,
		logger:   logger.With("component", "time_model"),
		interval: cfg.DefaultInterval,
		role:     RoleInit,
	}
}

// OnTimeUpdated registers the hook called whenever the authoritative time
// changes, locally or from an accepted broadcast.
func (m *Model) OnTimeUpdated(fn func(t timebase.Time48, tz int8)) {
	m.onTimeUpdated = fn
}

// OnRoleChanged registers the hook called on every role transition.
func (m *Model) OnRoleChanged(fn func(Role)) {
	m.onRoleChanged = fn
}

// Load restores the broadcast interval from NVM, writing the default if the
// region has never been initialised.
func (m *Model) Load() error {
	words := make([]uint16, NVMWords)
	if err := m.nvm.Read(m.cfg.NVMOffset, words); err != nil {
		return fmt.Errorf("read time model nvm: %w", err)
	}
	if words[0] == nvmMarker {
		m.interval = words[1]
		return nil
	}
	m.interval = m.cfg.DefaultInterval
	return m.persist()
}

func (m *Model) persist() error {
	if err := m.nvm.Write(m.cfg.NVMOffset, []uint16{nvmMarker, m.interval}); err != nil {
		return fmt.Errorf("write time model nvm: %w", err)
	}
	return nil
}

// Stop cancels the tick timer.
func (m *Model) Stop() {
	m.timers.Delete(m.tickTimer)
	m.tickTimer = timer.None
}

// Role returns the current synchronization role.
func (m *Model) Role() Role {
	return m.role
}

// State returns a snapshot without extrapolating the clock.
func (m *Model) State() State {
	return State{
		CurrentTime:       m.currentTime,
		Timezone:          m.timezone,
		BroadcastInterval: m.interval,
		TransactionID:     m.transactionID,
		Role:              m.role,
	}
}

// GetUTC returns the current time and timezone, catching the stored clock
// up with the time elapsed since the last update.
func (m *Model) GetUTC() (timebase.Time48, int8, error) {
	if m.role == RoleInit {
		return 0, 0, ErrTimeUnavailable
	}
	m.catchUp()
	return m.currentTime, m.timezone, nil
}

// SetUTC makes this node the clock master with the given time.
func (m *Model) SetUTC(t timebase.Time48, tz int8) error {
	if !timebase.ValidTimezone(int(tz)) {
		return fmt.Errorf("%w: %d", ErrInvalidTimezone, tz)
	}
	m.store(t, tz)
	m.setRole(RoleMaster)
	m.elapsedMs = 0
	m.broadcast()
	m.repeatCount = MasterRepeatCount
	m.startTick()
	m.logger.Info("time set", "time", t.Time().Format(time.RFC3339Nano), "tz", tz)
	m.notify()
	return nil
}

// BroadcastInterval returns the master broadcast cadence in seconds.
func (m *Model) BroadcastInterval() uint16 {
	return m.interval
}

// SetBroadcastInterval changes and persists the master broadcast cadence.
// Zero disables periodic master broadcasts.
func (m *Model) SetBroadcastInterval(secs uint16) error {
	m.interval = secs
	return m.persist()
}

// catchUp advances the stored time by whole milliseconds elapsed on the
// micro-tick clock. The 32-bit subtraction absorbs counter roll-over.
func (m *Model) catchUp() {
	now := m.clock.Micros()
	elapsedMs := (now - m.lastMicros) / 1000
	m.currentTime = m.currentTime.Add(uint64(elapsedMs))
	m.lastMicros += elapsedMs * 1000
}

func (m *Model) store(t timebase.Time48, tz int8) {
	m.currentTime = t
	m.timezone = tz
	m.lastMicros = m.clock.Micros()
}

func (m *Model) notify() {
	if m.onTimeUpdated != nil {
		m.onTimeUpdated(m.currentTime, m.timezone)
	}
}

func (m *Model) setRole(r Role) {
	if m.role == r {
		return
	}
	m.logger.Debug("role change", "from", m.role, "to", r)
	m.role = r
	if m.onRoleChanged != nil {
		m.onRoleChanged(r)
	}
}

func (m *Model) startTick() {
	m.timers.Delete(m.tickTimer)
	m.tickTimer = m.timers.Create(TickInterval, m.onTick)
}

func (m *Model) onTick(id timer.ID) {
	if id != m.tickTimer {
		return
	}
	m.tickTimer = timer.None

	m.catchUp()

	switch m.role {
	case RoleMaster:
		m.elapsedMs += tickMs
		if m.interval != 0 && m.elapsedMs >= uint32(m.interval)*1000 {
			m.repeatCount = MasterRepeatCount
			m.elapsedMs = 0
		}
	case RoleNoRelay, RoleRelayMaster:
		m.elapsedMs += tickMs
		if m.elapsedMs >= m.relayTimeoutMs() {
			m.setRole(RoleRelay)
			m.elapsedMs = 0
		}
	default:
		m.elapsedMs = 0
	}

	if m.repeatCount > 0 {
		m.repeatCount--
		m.broadcast()
	}

	m.tickTimer = m.timers.Create(TickInterval, m.onTick)
}

// relayTimeoutMs is a quarter of the broadcast interval. With broadcasts
// disabled the default interval is used so relays still recover.
func (m *Model) relayTimeoutMs() uint32 {
	interval := m.interval
	if interval == 0 {
		interval = m.cfg.DefaultInterval
	}
	return uint32(interval) * 1000 / 4
}

// broadcast sends the freshly extrapolated time with TTL 0.
func (m *Model) broadcast() {
	m.catchUp()
	msg := Broadcast{
		Time:        m.currentTime,
		Timezone:    m.timezone,
		MasterClock: m.role == RoleMaster,
	}.Encode()
	if err := m.tx.Send(m.cfg.NetworkID, mesh.BroadcastID, 0, msg); err != nil {
		m.logger.Warn("time broadcast failed", "err", err)
	}
}

package timemodel

import (
	"time"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/timebase"
)

// Role is the node's part in network time synchronization.
type Role uint8

const (
	// RoleInit: no time known yet.
	RoleInit Role = iota
	// RoleMaster: this node is the clock source; incoming broadcasts are ignored.
	RoleMaster
	// RoleRelay: accepts and propagates broadcasts.
	RoleRelay
	// RoleNoRelay: recently relayed; ignores broadcasts until the relay timeout.
	RoleNoRelay
	// RoleRelayMaster: synced from a relay; only accepts the master clock.
	RoleRelayMaster
)

func (r Role) String() string {
	switch r {
	case RoleInit:
		return "init"
	case RoleMaster:
		return "master"
	case RoleRelay:
		return "relay"
	case RoleNoRelay:
		return "no_relay"
	case RoleRelayMaster:
		return "relay_master"
	default:
		return "unknown"
	}
}

// Handle processes an inbound Time Model message. It reports whether the
// opcode belongs to this model.
func (m *Model) Handle(in mesh.Inbound) bool {
	switch in.Message.Opcode {
	case mesh.OpTimeBroadcast:
		m.handleBroadcast(in)
	case mesh.OpTimeSetState:
		m.handleSetState(in)
	case mesh.OpTimeGetState:
		m.handleGetState(in)
	case mesh.OpTimeState:
		// Responses to other nodes' queries; nothing to do.
	default:
		return false
	}
	return true
}

func (m *Model) handleBroadcast(in mesh.Inbound) {
	b, err := DecodeBroadcast(in.Message.Payload)
	if err != nil {
		m.logger.Debug("drop time broadcast", "err", err)
		return
	}
	if in.TTL != 0 || !timebase.ValidTimezone(int(b.Timezone)) {
		m.logger.Debug("drop time broadcast", "ttl", in.TTL, "tz", b.Timezone)
		return
	}
	if m.role == RoleMaster || m.role == RoleNoRelay {
		return
	}

	switch m.role {
	case RoleInit:
		if b.MasterClock {
			m.setRole(RoleNoRelay)
		} else {
			m.setRole(RoleRelayMaster)
		}
		m.acceptAndRelay(b)
		m.startTick()

	case RoleRelay:
		m.catchUp()
		if b.MasterClock || timebase.SkewExceeds(m.currentTime, b.Time) {
			m.acceptAndRelay(b)
		} else {
			// Within tolerance: propagate our own time, keep it unchanged.
			m.relay()
		}
		m.setRole(RoleNoRelay)

	case RoleRelayMaster:
		if !b.MasterClock {
			return
		}
		m.acceptAndRelay(b)
		m.setRole(RoleNoRelay)
	}
}

func (m *Model) acceptAndRelay(b Broadcast) {
	m.store(b.Time, b.Timezone)
	m.relay()
	m.logger.Debug("time accepted", "time", b.Time.Time().Format(time.RFC3339Nano), "tz", b.Timezone, "master", b.MasterClock)
	m.notify()
}

func (m *Model) relay() {
	m.broadcast()
	m.repeatCount = RelayRepeatCount
	m.elapsedMs = 0
}

func (m *Model) handleSetState(in mesh.Inbound) {
	req, err := decodeStateMsg(in.Message.Payload)
	if err != nil {
		m.logger.Debug("drop time set state", "err", err)
		return
	}
	m.transactionID = req.TransactionID
	if err := m.SetBroadcastInterval(req.Interval); err != nil {
		m.logger.Error("persist broadcast interval", "err", err)
	}
	m.logger.Info("broadcast interval set", "interval", req.Interval, "src", in.Source)
	m.replyState(in.Source)
}

func (m *Model) handleGetState(in mesh.Inbound) {
	if len(in.Message.Payload) < 1 {
		return
	}
	m.transactionID = in.Message.Payload[0]
	m.replyState(in.Source)
}

func (m *Model) replyState(dest uint16) {
	msg := StateMsg{Interval: m.interval, TransactionID: m.transactionID}.encode(mesh.OpTimeState)
	if err := m.tx.Send(m.cfg.NetworkID, dest, m.cfg.DefaultTTL, msg); err != nil {
		m.logger.Warn("time state reply failed", "err", err)
	}
}

package timemodel

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/store"
	"csrmesh-node/internal/timebase"
	"csrmesh-node/internal/timer"
)

type sent struct {
	networkID uint8
	dest      uint16
	ttl       uint8
	msg       mesh.Message
}

type recorder struct {
	sent []sent
}

func (r *recorder) Send(networkID uint8, dest uint16, ttl uint8, msg mesh.Message) error {
	r.sent = append(r.sent, sent{networkID, dest, ttl, msg})
	return nil
}

func (r *recorder) broadcasts(t *testing.T) []Broadcast {
	t.Helper()
	var out []Broadcast
	for _, s := range r.sent {
		if s.msg.Opcode != mesh.OpTimeBroadcast {
			continue
		}
		b, err := DecodeBroadcast(s.msg.Payload)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, b)
	}
	return out
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	model  *Model
	timers *timer.Manual
	tx     *recorder
	nvm    *store.MemNVM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		timers: timer.NewManual(),
		tx:     &recorder{},
		nvm:    store.NewMemNVM(),
	}
	f.model = New(Config{NetworkID: 1, DefaultTTL: 8}, f.timers, f.timers, f.nvm, f.tx, newTestLogger())
	if err := f.model.Load(); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) receive(b Broadcast, ttl uint8) {
	f.model.Handle(mesh.Inbound{NetworkID: 1, Source: 0x0042, Dest: mesh.BroadcastID, TTL: ttl, Message: b.Encode()})
}

const baseTime = timebase.Time48(1_700_000_000_000)

func TestGetUTCUnavailableBeforeSet(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.model.GetUTC(); !errors.Is(err, ErrTimeUnavailable) {
		t.Fatalf("err = %v, want ErrTimeUnavailable", err)
	}
}

func TestSetUTCRejectsInvalidTimezone(t *testing.T) {
	f := newFixture(t)
	for _, tz := range []int8{-49, 49, 127} {
		if err := f.model.SetUTC(baseTime, tz); !errors.Is(err, ErrInvalidTimezone) {
			t.Errorf("SetUTC(tz=%d) err = %v, want ErrInvalidTimezone", tz, err)
		}
	}
	if f.model.Role() != RoleInit {
		t.Errorf("role = %v, want init", f.model.Role())
	}
	if len(f.tx.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(f.tx.sent))
	}
}

func TestSetUTCBroadcastsAndRepeats(t *testing.T) {
	f := newFixture(t)
	var updated []timebase.Time48
	f.model.OnTimeUpdated(func(t timebase.Time48, _ int8) { updated = append(updated, t) })

	if err := f.model.SetUTC(baseTime, 4); err != nil {
		t.Fatal(err)
	}
	if f.model.Role() != RoleMaster {
		t.Fatalf("role = %v, want master", f.model.Role())
	}
	if len(updated) != 1 || updated[0] != baseTime {
		t.Errorf("updates = %v", updated)
	}

	bs := f.tx.broadcasts(t)
	if len(bs) != 1 {
		t.Fatalf("immediate broadcasts = %d, want 1", len(bs))
	}
	if !bs[0].MasterClock || bs[0].Time != baseTime || bs[0].Timezone != 4 {
		t.Errorf("broadcast = %+v", bs[0])
	}
	if s := f.tx.sent[0]; s.dest != mesh.BroadcastID || s.ttl != 0 {
		t.Errorf("broadcast dest/ttl = 0x%04X/%d", s.dest, s.ttl)
	}

	f.timers.Advance(5 * TickInterval)
	bs = f.tx.broadcasts(t)
	if len(bs) != 1+MasterRepeatCount {
		t.Fatalf("broadcasts = %d, want %d", len(bs), 1+MasterRepeatCount)
	}
	// Each repeat carries the time at the moment it is sent.
	if got := bs[len(bs)-1].Time; got != baseTime.Add(250) {
		t.Errorf("last repeat time = %d, want %d", got, baseTime.Add(250))
	}

	f.timers.Advance(500 * time.Millisecond)
	if n := len(f.tx.broadcasts(t)); n != 1+MasterRepeatCount {
		t.Errorf("broadcasts after repeats = %d, want %d", n, 1+MasterRepeatCount)
	}
}

func TestSetUTCTwiceResetsRepeatCount(t *testing.T) {
	f := newFixture(t)
	if err := f.model.SetUTC(baseTime, 0); err != nil {
		t.Fatal(err)
	}
	f.timers.Advance(2 * TickInterval)
	if f.model.repeatCount != MasterRepeatCount-2 {
		t.Fatalf("repeatCount = %d, want %d", f.model.repeatCount, MasterRepeatCount-2)
	}
	if err := f.model.SetUTC(baseTime.Add(10_000), -8); err != nil {
		t.Fatal(err)
	}
	if f.model.Role() != RoleMaster {
		t.Errorf("role = %v, want master", f.model.Role())
	}
	if f.model.repeatCount != MasterRepeatCount {
		t.Errorf("repeatCount = %d, want %d", f.model.repeatCount, MasterRepeatCount)
	}
	if pending := f.timers.Pending(); len(pending) != 1 {
		t.Errorf("armed timers = %d, want 1 tick timer", len(pending))
	}
}

func TestGetUTCExtrapolates(t *testing.T) {
	f := newFixture(t)
	if err := f.model.SetUTC(baseTime, 0); err != nil {
		t.Fatal(err)
	}
	f.timers.Advance(1234 * time.Millisecond)

	got, tz, err := f.model.GetUTC()
	if err != nil {
		t.Fatal(err)
	}
	if got != baseTime.Add(1234) {
		t.Errorf("GetUTC = %d, want %d", got, baseTime.Add(1234))
	}
	if tz != 0 {
		t.Errorf("tz = %d, want 0", tz)
	}
	// The read also catches up the stored value.
	if f.model.State().CurrentTime != got {
		t.Errorf("stored time = %d, want %d", f.model.State().CurrentTime, got)
	}
}

func TestGetUTCHandlesMicrosRollover(t *testing.T) {
	f := newFixture(t)
	f.timers.SetMicrosBase(0xFFFFFFFF - 20_000)
	if err := f.model.SetUTC(baseTime, 0); err != nil {
		t.Fatal(err)
	}
	f.timers.Advance(100 * time.Millisecond)
	got, _, err := f.model.GetUTC()
	if err != nil {
		t.Fatal(err)
	}
	if got != baseTime.Add(100) {
		t.Errorf("GetUTC across roll-over = %d, want %d", got, baseTime.Add(100))
	}
}

func TestMasterBroadcastCadence(t *testing.T) {
	f := newFixture(t)
	if err := f.model.SetBroadcastInterval(1); err != nil {
		t.Fatal(err)
	}
	if err := f.model.SetUTC(baseTime, 0); err != nil {
		t.Fatal(err)
	}
	f.timers.Advance(2 * time.Second)

	// 1 immediate + 5 repeats, 5 at t=1s, first of the next burst at t=2s.
	if n := len(f.tx.broadcasts(t)); n != 12 {
		t.Errorf("broadcasts = %d, want 12", n)
	}
}

func TestMasterBroadcastDisabledWithZeroInterval(t *testing.T) {
	f := newFixture(t)
	if err := f.model.SetBroadcastInterval(0); err != nil {
		t.Fatal(err)
	}
	if err := f.model.SetUTC(baseTime, 0); err != nil {
		t.Fatal(err)
	}
	f.timers.Advance(5 * time.Second)
	if n := len(f.tx.broadcasts(t)); n != 1+MasterRepeatCount {
		t.Errorf("broadcasts = %d, want %d", n, 1+MasterRepeatCount)
	}
}

func TestInitAcceptsMasterBroadcast(t *testing.T) {
	f := newFixture(t)
	var roles []Role
	f.model.OnRoleChanged(func(r Role) { roles = append(roles, r) })
	updated := 0
	f.model.OnTimeUpdated(func(timebase.Time48, int8) { updated++ })

	f.receive(Broadcast{Time: baseTime, Timezone: 2, MasterClock: true}, 0)

	if f.model.Role() != RoleNoRelay {
		t.Fatalf("role = %v, want no_relay", f.model.Role())
	}
	if len(roles) != 1 || roles[0] != RoleNoRelay {
		t.Errorf("role changes = %v", roles)
	}
	if updated != 1 {
		t.Errorf("time updates = %d, want 1", updated)
	}
	got, tz, err := f.model.GetUTC()
	if err != nil || got != baseTime || tz != 2 {
		t.Errorf("GetUTC = %d, %d, %v", got, tz, err)
	}

	bs := f.tx.broadcasts(t)
	if len(bs) != 1 || bs[0].MasterClock {
		t.Fatalf("relay broadcasts = %+v, want one non-master", bs)
	}

	f.timers.Advance(10 * TickInterval)
	if n := len(f.tx.broadcasts(t)); n != 1+RelayRepeatCount {
		t.Errorf("broadcasts = %d, want %d", n, 1+RelayRepeatCount)
	}
}

func TestInitAcceptsRelayedBroadcast(t *testing.T) {
	f := newFixture(t)
	f.receive(Broadcast{Time: baseTime, Timezone: 0}, 0)
	if f.model.Role() != RoleRelayMaster {
		t.Fatalf("role = %v, want relay_master", f.model.Role())
	}
	if len(f.timers.Pending()) != 1 {
		t.Errorf("tick timer not started")
	}
}

func TestBroadcastDiscardedOnBadTTLOrTimezone(t *testing.T) {
	f := newFixture(t)
	f.receive(Broadcast{Time: baseTime, MasterClock: true}, 3)
	f.receive(Broadcast{Time: baseTime, Timezone: 60, MasterClock: true}, 0)
	f.model.Handle(mesh.Inbound{Message: mesh.Message{Opcode: mesh.OpTimeBroadcast, Payload: []byte{1, 2}}})

	if f.model.Role() != RoleInit {
		t.Errorf("role = %v, want init", f.model.Role())
	}
	if len(f.tx.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(f.tx.sent))
	}
}

// toRelay brings the model into the relay role via a master broadcast and
// the relay timeout.
func toRelay(t *testing.T, f *fixture) {
	t.Helper()
	f.receive(Broadcast{Time: baseTime, MasterClock: true}, 0)
	f.timers.Advance(time.Duration(DefaultBroadcastInterval) * time.Second / 4)
	if f.model.Role() != RoleRelay {
		t.Fatalf("role = %v, want relay", f.model.Role())
	}
}

func TestRelayTimeoutRestoresRelay(t *testing.T) {
	f := newFixture(t)
	f.receive(Broadcast{Time: baseTime, MasterClock: true}, 0)
	f.timers.Advance(14 * time.Second)
	if f.model.Role() != RoleNoRelay {
		t.Fatalf("role before timeout = %v, want no_relay", f.model.Role())
	}
	// no_relay ignores everything.
	f.receive(Broadcast{Time: baseTime.Add(999_999), MasterClock: true}, 0)
	if f.model.State().CurrentTime.Sub(baseTime) > 15_000 {
		t.Error("no_relay accepted a broadcast")
	}
	f.timers.Advance(time.Second)
	if f.model.Role() != RoleRelay {
		t.Errorf("role after timeout = %v, want relay", f.model.Role())
	}
}

func TestRelaySuppressesSmallSkew(t *testing.T) {
	f := newFixture(t)
	toRelay(t, f)

	stored, _, err := f.model.GetUTC()
	if err != nil {
		t.Fatal(err)
	}
	before := len(f.tx.broadcasts(t))

	f.receive(Broadcast{Time: stored.Add(100), Timezone: 0}, 0)

	if got := f.model.State().CurrentTime; got != stored {
		t.Errorf("stored time = %d, want unchanged %d", got, stored)
	}
	bs := f.tx.broadcasts(t)
	if len(bs) != before+1 {
		t.Fatalf("broadcasts = %d, want %d", len(bs), before+1)
	}
	if bs[len(bs)-1].Time != stored {
		t.Errorf("relayed time = %d, want stored %d", bs[len(bs)-1].Time, stored)
	}
	if f.model.Role() != RoleNoRelay {
		t.Errorf("role = %v, want no_relay", f.model.Role())
	}
}

func TestRelayAcceptsLargeSkew(t *testing.T) {
	f := newFixture(t)
	toRelay(t, f)

	stored, _, _ := f.model.GetUTC()
	updated := 0
	f.model.OnTimeUpdated(func(timebase.Time48, int8) { updated++ })
	f.receive(Broadcast{Time: stored.Add(5_000), Timezone: -4}, 0)

	got, tz, _ := f.model.GetUTC()
	if got != stored.Add(5_000) || tz != -4 {
		t.Errorf("time = %d tz %d, want %d tz -4", got, tz, stored.Add(5_000))
	}
	if updated != 1 {
		t.Errorf("updates = %d, want 1", updated)
	}
	if f.model.Role() != RoleNoRelay {
		t.Errorf("role = %v, want no_relay", f.model.Role())
	}
}

func TestRelayMasterOnlyAcceptsMaster(t *testing.T) {
	f := newFixture(t)
	f.receive(Broadcast{Time: baseTime}, 0)
	if f.model.Role() != RoleRelayMaster {
		t.Fatalf("role = %v", f.model.Role())
	}

	f.receive(Broadcast{Time: baseTime.Add(60_000)}, 0)
	if f.model.Role() != RoleRelayMaster {
		t.Errorf("non-master changed role to %v", f.model.Role())
	}
	if got := f.model.State().CurrentTime; got != baseTime {
		t.Errorf("time = %d, want %d", got, baseTime)
	}

	f.receive(Broadcast{Time: baseTime.Add(60_000), MasterClock: true}, 0)
	if f.model.Role() != RoleNoRelay {
		t.Errorf("role = %v, want no_relay", f.model.Role())
	}
	if got := f.model.State().CurrentTime; got != baseTime.Add(60_000) {
		t.Errorf("time = %d, want %d", got, baseTime.Add(60_000))
	}
}

func TestMasterIgnoresBroadcasts(t *testing.T) {
	f := newFixture(t)
	if err := f.model.SetUTC(baseTime, 0); err != nil {
		t.Fatal(err)
	}
	f.receive(Broadcast{Time: baseTime.Add(1_000_000), MasterClock: true}, 0)
	if got := f.model.State().CurrentTime; got != baseTime {
		t.Errorf("master time = %d, want %d", got, baseTime)
	}
	if f.model.Role() != RoleMaster {
		t.Errorf("role = %v", f.model.Role())
	}
}

func TestSetStatePersistsAndReplies(t *testing.T) {
	f := newFixture(t)
	req := StateMsg{Interval: 120, TransactionID: 0x33}.encode(mesh.OpTimeSetState)
	if !f.model.Handle(mesh.Inbound{NetworkID: 1, Source: 0x0042, Dest: 0x8001, TTL: 5, Message: req}) {
		t.Fatal("set state not handled")
	}
	if f.model.BroadcastInterval() != 120 {
		t.Errorf("interval = %d, want 120", f.model.BroadcastInterval())
	}
	if len(f.tx.sent) != 1 {
		t.Fatalf("replies = %d, want 1", len(f.tx.sent))
	}
	reply := f.tx.sent[0]
	if reply.dest != 0x0042 || reply.ttl != 8 || reply.msg.Opcode != mesh.OpTimeState {
		t.Errorf("reply = %+v", reply)
	}
	st, err := decodeStateMsg(reply.msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if st.Interval != 120 || st.TransactionID != 0x33 {
		t.Errorf("reply state = %+v", st)
	}

	// A fresh model over the same NVM sees the persisted interval.
	m2 := New(Config{}, f.timers, f.timers, f.nvm, f.tx, newTestLogger())
	if err := m2.Load(); err != nil {
		t.Fatal(err)
	}
	if m2.BroadcastInterval() != 120 {
		t.Errorf("reloaded interval = %d, want 120", m2.BroadcastInterval())
	}
}

func TestGetStateReplies(t *testing.T) {
	f := newFixture(t)
	f.model.Handle(mesh.Inbound{Source: 0x0007, Message: mesh.Message{Opcode: mesh.OpTimeGetState, Payload: []byte{9}}})
	if len(f.tx.sent) != 1 {
		t.Fatalf("replies = %d, want 1", len(f.tx.sent))
	}
	st, _ := decodeStateMsg(f.tx.sent[0].msg.Payload)
	if st.Interval != DefaultBroadcastInterval || st.TransactionID != 9 {
		t.Errorf("state = %+v", st)
	}
	if f.model.State().TransactionID != 9 {
		t.Errorf("tid = %d, want 9", f.model.State().TransactionID)
	}
}

func TestHandleIgnoresForeignOpcodes(t *testing.T) {
	f := newFixture(t)
	if f.model.Handle(mesh.Inbound{Message: mesh.Message{Opcode: mesh.OpActionDelete}}) {
		t.Error("time model claimed an action opcode")
	}
}

func TestBroadcastCodec(t *testing.T) {
	b := Broadcast{Time: 0x0000_1234_5678_9ABC, Timezone: -48, MasterClock: true}
	got, err := DecodeBroadcast(b.Encode().Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Errorf("decoded = %+v, want %+v", got, b)
	}
}

package action

import (
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/store"
	"csrmesh-node/internal/timebase"
	"csrmesh-node/internal/timer"
)

const (
	testNetwork = 1
	testTTL     = 6
	testSource  = 0x8001
	startSecs   = 1000
	fireOpcode  = 0x99
)

type sent struct {
	dest uint16
	ttl  uint8
	msg  mesh.Message
}

type recorder struct {
	sent []sent
}

func (r *recorder) Send(networkID uint8, dest uint16, ttl uint8, msg mesh.Message) error {
	r.sent = append(r.sent, sent{dest, ttl, msg})
	return nil
}

func (r *recorder) byOpcode(op uint8) []sent {
	var out []sent
	for _, s := range r.sent {
		if s.msg.Opcode == op {
			out = append(out, s)
		}
	}
	return out
}

// fakeClock follows the Manual timer's virtual time from a settable base.
type fakeClock struct {
	timers *timer.Manual
	base   timebase.Time48
	known  bool
}

func (c *fakeClock) GetUTC() (timebase.Time48, int8, error) {
	if !c.known {
		return 0, 0, errors.New("time not available")
	}
	return c.now(), 0, nil
}

func (c *fakeClock) now() timebase.Time48 {
	return c.base.Add(uint64(c.timers.Now().Milliseconds()))
}

// set makes the clock read secs seconds past the reference epoch right now.
func (c *fakeClock) set(secs uint32) {
	c.known = true
	target := (uint64(timebase.ReferenceEpoch) + uint64(secs)) * 1000
	c.base = timebase.Time48(target - uint64(c.timers.Now().Milliseconds()))
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	model  *Model
	timers *timer.Manual
	clock  *fakeClock
	tx     *recorder
	nvm    *store.MemNVM
}

func newFixture(t *testing.T, maxActions int) *fixture {
	t.Helper()
	f := &fixture{timers: timer.NewManual(), tx: &recorder{}, nvm: store.NewMemNVM()}
	f.clock = &fakeClock{timers: f.timers}
	f.clock.set(startSecs)
	f.model = f.newModel(t, maxActions)
	return f
}

func (f *fixture) newModel(t *testing.T, maxActions int) *Model {
	t.Helper()
	m, err := New(Config{NetworkID: testNetwork, DefaultTTL: testTTL, MaxActions: maxActions, NVMOffset: 2},
		f.timers, f.clock, f.nvm, f.tx, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	return m
}

func (f *fixture) deliver(op uint8, payload []byte) {
	f.model.Handle(mesh.Inbound{
		NetworkID: testNetwork,
		Source:    testSource,
		Dest:      0x0001,
		TTL:       testTTL,
		Message:   mesh.Message{Opcode: op, Payload: payload},
	})
}

// setAction delivers e as a complete ACTION_SET_ACTION sequence.
func (f *fixture) setAction(e Entry) {
	for _, p := range Fragment(e.ActionID, EncodeDefinition(&e)) {
		f.deliver(mesh.OpActionSetAction, p)
	}
}

func once(id uint8, start uint32) Entry {
	return Entry{
		ActionID:          id,
		StartTimeReceived: start,
		TimeType:          TimeAbsolute,
		Destination:       0x0042,
		Payload:           []byte{fireOpcode, id, 0x01},
	}
}

func repeating(id uint8, start, interval uint32, limit uint16) Entry {
	e := once(id, start)
	e.TimeType = TimeAbsoluteRepeat
	e.RepeatInterval = interval
	e.RepeatMax = limit
	return e
}

func TestPartHeader(t *testing.T) {
	tests := []struct {
		b    byte
		want PartHeader
	}{
		{0x00, PartHeader{ActionID: 0, Part: 0}},
		{0x85, PartHeader{ActionID: 5, Part: 0, Last: true}},
		{0x3F, PartHeader{ActionID: 31, Part: 1}},
		{0xE7, PartHeader{ActionID: 7, Part: 3, Last: true}},
	}
	for _, tt := range tests {
		got := DecodePartHeader(tt.b)
		if got != tt.want {
			t.Errorf("DecodePartHeader(0x%02X) = %+v, want %+v", tt.b, got, tt.want)
		}
		if enc := got.Encode(); enc != tt.b {
			t.Errorf("Encode(%+v) = 0x%02X, want 0x%02X", got, enc, tt.b)
		}
	}
}

func TestFragment(t *testing.T) {
	def := make([]byte, 17)
	parts := Fragment(9, def)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	for i, p := range parts {
		h := DecodePartHeader(p[0])
		if h.ActionID != 9 || int(h.Part) != i || h.Last != (i == 2) {
			t.Errorf("part %d header = %+v", i, h)
		}
	}
	if len(parts[2]) != 2 {
		t.Errorf("last part len = %d, want 2", len(parts[2]))
	}
}

func TestDecodeDefinitionErrors(t *testing.T) {
	good := EncodeDefinition(&Entry{Payload: []byte{1, 2, 3}})
	badType := append([]byte(nil), good...)
	badType[0] = 0x01
	tooLong := append([]byte(nil), good...)
	tooLong[13] = MaxPayload + 1
	truncated := good[:len(good)-1]

	for name, b := range map[string][]byte{
		"short":     good[:5],
		"bad type":  badType,
		"too long":  tooLong,
		"truncated": truncated,
	} {
		if _, err := DecodeDefinition(1, b); !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("%s: err = %v, want ErrInvalidDefinition", name, err)
		}
	}

	e, err := DecodeDefinition(1, good)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(e.Payload, []byte{1, 2, 3}) {
		t.Errorf("payload = %v", e.Payload)
	}
}

func TestStoreOneShotAcksAndFires(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(3, startSecs+10))

	acks := f.tx.byOpcode(mesh.OpActionSetActionAck)
	if len(acks) != 1 || acks[0].dest != testSource || acks[0].msg.Payload[0] != 3 {
		t.Fatalf("acks = %+v", acks)
	}
	if got := f.model.SupportedActionsBitmask(); got != 1<<3 {
		t.Fatalf("bitmask = %032b", got)
	}
	if p := f.timers.Pending(); len(p) != 1 || p[0] != 10*time.Second {
		t.Fatalf("pending = %v, want [10s]", p)
	}

	f.timers.Advance(9 * time.Second)
	if n := len(f.tx.byOpcode(fireOpcode)); n != 0 {
		t.Fatalf("fired early: %d", n)
	}
	f.timers.Advance(time.Second)
	fired := f.tx.byOpcode(fireOpcode)
	if len(fired) != 1 {
		t.Fatalf("fired = %d, want 1", len(fired))
	}
	if fired[0].dest != 0x0042 || fired[0].ttl != testTTL {
		t.Errorf("fired to %#x ttl %d", fired[0].dest, fired[0].ttl)
	}
	if !reflect.DeepEqual(fired[0].msg.Payload, []byte{3, 0x01}) {
		t.Errorf("fired payload = %v", fired[0].msg.Payload)
	}
	if len(f.model.Entries()) != 0 {
		t.Error("one-shot action should be removed after firing")
	}
	if len(f.timers.Pending()) != 0 {
		t.Errorf("pending = %v, want none", f.timers.Pending())
	}
}

func TestRelativeStartResolvedOnReceipt(t *testing.T) {
	f := newFixture(t, 4)
	e := once(1, 30)
	e.TimeType = TimeRelative
	f.setAction(e)

	got, ok := f.model.Entry(1)
	if !ok {
		t.Fatal("action not stored")
	}
	if got.StartTime != startSecs+30 || got.StartTimeReceived != 30 {
		t.Errorf("start = %d received = %d", got.StartTime, got.StartTimeReceived)
	}
}

func TestRelativeDroppedWithoutTime(t *testing.T) {
	f := newFixture(t, 4)
	f.clock.known = false
	e := once(1, 30)
	e.TimeType = TimeRelative
	f.setAction(e)

	if len(f.model.Entries()) != 0 {
		t.Error("relative action stored without known time")
	}
	if len(f.tx.byOpcode(mesh.OpActionSetActionAck)) != 0 {
		t.Error("dropped action was acked")
	}
}

func TestPastOneShotRejected(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(1, startSecs-1))
	if len(f.model.Entries()) != 0 {
		t.Error("past one-shot action stored")
	}
}

func TestReassemblyOutOfOrder(t *testing.T) {
	f := newFixture(t, 4)
	e := once(2, startSecs+5)
	parts := Fragment(2, EncodeDefinition(&e))
	for i := len(parts) - 1; i >= 0; i-- {
		f.deliver(mesh.OpActionSetAction, parts[i])
	}
	if _, ok := f.model.Entry(2); !ok {
		t.Fatal("out-of-order parts did not complete")
	}
}

func TestReassemblyTimeout(t *testing.T) {
	f := newFixture(t, 4)
	first := once(1, startSecs+100)
	f.deliver(mesh.OpActionSetAction, Fragment(1, EncodeDefinition(&first))[0])

	// A different action cannot start while one is in flight.
	f.setAction(once(2, startSecs+100))
	if f.model.SupportedActionsBitmask() != 0 {
		t.Fatal("second action stored while first was reassembling")
	}

	f.timers.Advance(ReassemblyTimeout)
	if len(f.timers.Pending()) != 0 {
		t.Fatalf("pending after timeout = %v", f.timers.Pending())
	}

	f.setAction(once(2, startSecs+100))
	if f.model.SupportedActionsBitmask() != 1<<2 {
		t.Errorf("bitmask = %032b, want action 2", f.model.SupportedActionsBitmask())
	}
}

func TestTableCapacity(t *testing.T) {
	f := newFixture(t, 2)
	f.setAction(once(1, startSecs+10))
	f.setAction(once(2, startSecs+20))
	f.setAction(once(3, startSecs+30))

	if got := f.model.SupportedActionsBitmask(); got != 1<<1|1<<2 {
		t.Fatalf("bitmask = %032b", got)
	}

	// Updating an existing id reuses its slot.
	f.setAction(once(1, startSecs+50))
	got, _ := f.model.Entry(1)
	if got.StartTime != startSecs+50 {
		t.Errorf("start = %d, want %d", got.StartTime, startSecs+50)
	}
	if len(f.model.Entries()) != 2 {
		t.Errorf("entries = %d, want 2", len(f.model.Entries()))
	}
}

func TestDeleteRetargetsTimer(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(1, startSecs+10))
	f.setAction(once(2, startSecs+20))
	f.timers.ResetOps()

	if got := f.model.DeleteActions(1 << 1); got != 1<<1 {
		t.Fatalf("deleted = %032b", got)
	}
	ops := f.timers.Ops()
	if len(ops) != 2 || ops[0].Kind != "delete" || ops[1].Kind != "create" || ops[1].Duration != 20*time.Second {
		t.Fatalf("ops = %+v, want one delete then create(20s)", ops)
	}
}

func TestDeleteLastCancelsTimer(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(1, startSecs+10))
	f.timers.ResetOps()

	f.model.DeleteActions(0xFFFFFFFF)
	ops := f.timers.Ops()
	if len(ops) != 1 || ops[0].Kind != "delete" {
		t.Fatalf("ops = %+v, want a single delete", ops)
	}
	if len(f.timers.Pending()) != 0 {
		t.Error("timer still armed")
	}
}

func TestRepeatExhaustion(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(repeating(4, startSecs+60, 60, 3))

	f.timers.Advance(10 * time.Minute)
	if n := len(f.tx.byOpcode(fireOpcode)); n != 4 {
		t.Errorf("fired %d times, want 4", n)
	}
	if _, ok := f.model.Entry(4); ok {
		t.Error("exhausted action still stored")
	}
}

func TestRepeatCountPersisted(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(repeating(4, startSecs+60, 60, 10))
	f.timers.Advance(3 * time.Minute)

	reloaded := f.newModel(t, 4)
	got, ok := reloaded.Entry(4)
	if !ok {
		t.Fatal("action lost on reload")
	}
	if got.RepeatCount != 2 {
		t.Errorf("repeat count = %d, want 2", got.RepeatCount)
	}
}

func TestRepeatForever(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(repeating(5, startSecs+60, 60, RepeatForever))

	f.timers.Advance(10 * time.Minute)
	if n := len(f.tx.byOpcode(fireOpcode)); n != 10 {
		t.Errorf("fired %d times, want 10", n)
	}
	if _, ok := f.model.Entry(5); !ok {
		t.Error("forever action removed")
	}
}

func TestNextFireStopsAtRepeatMax(t *testing.T) {
	e := Entry{StartTime: 1060, RepeatInterval: 60, RepeatMax: 3}
	tests := []struct {
		now  uint32
		want uint32
		ok   bool
	}{
		{1000, 1060, true},
		{1061, 1120, true},
		{1240, 1240, true},
		{1241, 0, false},
		{6000, 0, false},
	}
	for _, tt := range tests {
		got, ok := e.nextFire(tt.now)
		if got != tt.want || ok != tt.ok {
			t.Errorf("nextFire(%d) = %d, %v; want %d, %v", tt.now, got, ok, tt.want, tt.ok)
		}
	}

	forever := Entry{StartTime: 1060, RepeatInterval: 60, RepeatMax: RepeatForever}
	if got, ok := forever.nextFire(6000); !ok || got != 6040 {
		t.Errorf("forever nextFire(6000) = %d, %v; want 6040, true", got, ok)
	}
}

func TestResyncPastRepeatBudgetDropsAction(t *testing.T) {
	f := newFixture(t, 4)
	var deleted uint32
	f.model.SetHooks(Hooks{OnDeleted: func(mask uint32) { deleted |= mask }})
	f.setAction(repeating(4, startSecs+60, 60, 3))

	f.clock.set(6000)
	f.model.SyncCurrentTime(f.clock.now())
	f.timers.Advance(2 * time.Minute)

	if n := len(f.tx.byOpcode(fireOpcode)); n != 0 {
		t.Errorf("sent %d payloads after the last repeat slot", n)
	}
	if deleted != 1<<4 {
		t.Errorf("deleted = %032b, want action 4", deleted)
	}
	if got := f.newModel(t, 4).SupportedActionsBitmask(); got != 0 {
		t.Errorf("reloaded bitmask = %032b, want empty", got)
	}
}

func TestResyncMidScheduleKeepsRepeatBudget(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(repeating(4, startSecs+60, 60, 3))
	f.timers.Advance(time.Minute) // fires slot 1060

	// Jump past slot 1120; 1180 and 1240 remain.
	f.clock.set(startSecs + 150)
	f.model.SyncCurrentTime(f.clock.now())
	f.timers.Advance(10 * time.Minute)

	if n := len(f.tx.byOpcode(fireOpcode)); n != 3 {
		t.Errorf("fired %d times, want 3", n)
	}
	if _, ok := f.model.Entry(4); ok {
		t.Error("exhausted action still stored")
	}
}

func TestReloadDoesNotRefireSameSlot(t *testing.T) {
	tests := []struct {
		name  string
		limit uint16
	}{
		{"capped", 10},
		{"forever", RepeatForever},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 4)
			f.setAction(repeating(5, startSecs+60, 60, tt.limit))
			f.timers.Advance(time.Minute)
			if n := len(f.tx.byOpcode(fireOpcode)); n != 1 {
				t.Fatalf("fired %d times before reload, want 1", n)
			}

			f.model.Stop()
			reloaded := f.newModel(t, 4)
			got, ok := reloaded.Entry(5)
			if !ok {
				t.Fatal("action lost on reload")
			}
			if !got.fired || got.lastFired != startSecs+60 {
				t.Errorf("fired=%v lastFired=%d, want true %d", got.fired, got.lastFired, startSecs+60)
			}

			reloaded.SyncCurrentTime(f.clock.now())
			f.timers.Advance(30 * time.Second)
			if n := len(f.tx.byOpcode(fireOpcode)); n != 1 {
				t.Errorf("fired %d times after reload in the same second, want 1", n)
			}
			f.timers.Advance(30 * time.Second)
			if n := len(f.tx.byOpcode(fireOpcode)); n != 2 {
				t.Errorf("fired %d times after next slot, want 2", n)
			}
		})
	}
}

func TestLongDelayCapsTimer(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(6, startSecs+7200))

	if p := f.timers.Pending(); len(p) != 1 || p[0] != MaxTimerDelay {
		t.Fatalf("pending = %v, want [%v]", p, MaxTimerDelay)
	}
	f.timers.Advance(2*time.Hour - time.Second)
	if n := len(f.tx.byOpcode(fireOpcode)); n != 0 {
		t.Fatalf("fired early: %d", n)
	}
	f.timers.Advance(time.Second)
	if n := len(f.tx.byOpcode(fireOpcode)); n != 1 {
		t.Errorf("fired %d times, want 1", n)
	}
}

func TestSyncCurrentTimePrunesPastOneShots(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(1, startSecs+10))
	f.setAction(repeating(2, startSecs+10, 60, RepeatForever))

	f.clock.set(startSecs + 100)
	f.model.SyncCurrentTime(f.clock.now())

	if got := f.model.SupportedActionsBitmask(); got != 1<<2 {
		t.Fatalf("bitmask = %032b, want only action 2", got)
	}
	// Next slot of action 2: 1010 + 2*60 = 1130, 30s from now.
	if p := f.timers.Pending(); len(p) != 1 || p[0] != 30*time.Second {
		t.Errorf("pending = %v, want [30s]", p)
	}
}

func TestSchedulerWaitsForTime(t *testing.T) {
	f := newFixture(t, 4)
	f.clock.known = false
	f.setAction(repeating(1, startSecs+10, 60, RepeatForever))

	if _, ok := f.model.Entry(1); !ok {
		t.Fatal("absolute action should be accepted without time")
	}
	if len(f.timers.Pending()) != 0 {
		t.Fatalf("timer armed without time: %v", f.timers.Pending())
	}

	f.clock.set(startSecs)
	f.model.SyncCurrentTime(f.clock.now())
	if p := f.timers.Pending(); len(p) != 1 || p[0] != 10*time.Second {
		t.Errorf("pending = %v, want [10s]", p)
	}
}

func TestStorageRoundTrip(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(1, startSecs+10))
	f.setAction(repeating(7, startSecs+20, 3600, 5))
	f.setAction(once(9, startSecs+30))
	f.model.DeleteActions(1 << 1)

	reloaded := f.newModel(t, 4)
	if !reflect.DeepEqual(reloaded.Entries(), f.model.Entries()) {
		t.Errorf("reloaded = %+v\nwant %+v", reloaded.Entries(), f.model.Entries())
	}
	if got := reloaded.SupportedActionsBitmask(); got != 1<<7|1<<9 {
		t.Errorf("bitmask = %032b", got)
	}
	if p := f.timers.Pending(); len(p) == 0 {
		t.Error("reloaded model should schedule when time is known")
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, 8)
	f.setAction(once(0, startSecs+10))
	f.setAction(once(31, startSecs+10))
	f.deliver(mesh.OpActionGetActionStatus, []byte{0x42})

	replies := f.tx.byOpcode(mesh.OpActionActionStatus)
	if len(replies) != 1 {
		t.Fatalf("replies = %d", len(replies))
	}
	st, err := DecodeStatus(replies[0].msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	want := Status{ActionIDs: 1 | 1<<31, MaxActions: 8, TransactionID: 0x42}
	if st != want {
		t.Errorf("status = %+v, want %+v", st, want)
	}
	if replies[0].dest != testSource {
		t.Errorf("dest = %#x", replies[0].dest)
	}
}

func TestDeleteMessageAcksDeleted(t *testing.T) {
	f := newFixture(t, 4)
	f.setAction(once(1, startSecs+10))
	del := EncodeDelete(1<<1|1<<5, 9)
	f.deliver(del.Opcode, del.Payload)

	acks := f.tx.byOpcode(mesh.OpActionDeleteAck)
	if len(acks) != 1 {
		t.Fatalf("acks = %d", len(acks))
	}
	want := EncodeDeleteAck(1<<1, 9).Payload
	if !reflect.DeepEqual(acks[0].msg.Payload, want) {
		t.Errorf("ack payload = %v, want %v", acks[0].msg.Payload, want)
	}
	if f.model.SupportedActionsBitmask() != 0 {
		t.Error("action not deleted")
	}
}

func TestGetReadsBackAsReceived(t *testing.T) {
	f := newFixture(t, 4)
	e := repeating(3, 45, 120, 7)
	e.TimeType = TimeRelativeRepeat
	f.setAction(e)
	f.tx.sent = nil

	f.deliver(mesh.OpActionGet, []byte{PartHeader{ActionID: 3}.Encode()})
	parts := f.tx.byOpcode(mesh.OpActionSetAction)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	var def []byte
	for i, p := range parts {
		h := DecodePartHeader(p.msg.Payload[0])
		if int(h.Part) != i || h.ActionID != 3 {
			t.Fatalf("part %d header = %+v", i, h)
		}
		def = append(def, p.msg.Payload[1:]...)
	}
	got, err := DecodeDefinition(3, def)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartTimeReceived != 45 || got.TimeType != TimeRelativeRepeat || got.RepeatInterval != 120 || got.RepeatMax != 7 {
		t.Errorf("read back %+v", got)
	}

	f.tx.sent = nil
	f.deliver(mesh.OpActionGet, []byte{PartHeader{ActionID: 4}.Encode()})
	if len(f.tx.sent) != 0 {
		t.Error("unknown action id produced a reply")
	}
}

func TestHooks(t *testing.T) {
	f := newFixture(t, 4)
	var stored, fired []uint8
	var deleted uint32
	f.model.SetHooks(Hooks{
		OnStored:  func(e Entry) { stored = append(stored, e.ActionID) },
		OnFired:   func(e Entry) { fired = append(fired, e.ActionID) },
		OnDeleted: func(mask uint32) { deleted |= mask },
	})
	f.setAction(once(1, startSecs+1))
	f.timers.Advance(time.Second)

	if !reflect.DeepEqual(stored, []uint8{1}) || !reflect.DeepEqual(fired, []uint8{1}) || deleted != 1<<1 {
		t.Errorf("stored=%v fired=%v deleted=%032b", stored, fired, deleted)
	}
}

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, n := range []int{0, MaxActionID + 1} {
		if _, err := New(Config{MaxActions: n}, timer.NewManual(), &fakeClock{}, store.NewMemNVM(), &recorder{}, newTestLogger()); err == nil {
			t.Errorf("MaxActions=%d: expected error", n)
		}
	}
}

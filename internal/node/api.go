package node

import (
	"context"
	"fmt"
	"time"

	"csrmesh-node/internal/action"
	"csrmesh-node/internal/store"
	"csrmesh-node/internal/timebase"
)

// TimeStatus is a snapshot of the Time Model for outer surfaces.
type TimeStatus struct {
	Available         bool      `json:"available"`
	UTC               time.Time `json:"utc,omitempty"`
	Millis            uint64    `json:"millis"`
	Timezone          int8      `json:"timezone"`
	Role              string    `json:"role"`
	BroadcastInterval uint16    `json:"broadcast_interval"`
}

// ActionTable is the Action Model's table for outer surfaces.
type ActionTable struct {
	MaxActions int            `json:"max_actions"`
	Mask       uint32         `json:"mask"`
	Actions    []action.Entry `json:"actions"`
}

// Time returns the current network time, extrapolated to now.
func (n *Node) Time(ctx context.Context) (TimeStatus, error) {
	var st TimeStatus
	err := n.Do(ctx, func() {
		st.Role = n.time.Role().String()
		st.BroadcastInterval = n.time.BroadcastInterval()
		t, tz, err := n.time.GetUTC()
		if err != nil {
			return
		}
		st.Available = true
		st.UTC = t.Time()
		st.Millis = uint64(t)
		st.Timezone = tz
	})
	return st, err
}

// SetTime makes this node the clock master.
func (n *Node) SetTime(ctx context.Context, t time.Time, tz int8) error {
	var setErr error
	if err := n.Do(ctx, func() {
		setErr = n.time.SetUTC(timebase.FromTime(t), tz)
	}); err != nil {
		return err
	}
	return setErr
}

// SetBroadcastInterval changes the master broadcast cadence in seconds.
func (n *Node) SetBroadcastInterval(ctx context.Context, secs uint16) error {
	var setErr error
	if err := n.Do(ctx, func() {
		setErr = n.time.SetBroadcastInterval(secs)
	}); err != nil {
		return err
	}
	return setErr
}

// Actions returns the stored actions.
func (n *Node) Actions(ctx context.Context) (ActionTable, error) {
	var tbl ActionTable
	err := n.Do(ctx, func() {
		tbl.MaxActions = n.actions.MaxActions()
		tbl.Mask = n.actions.SupportedActionsBitmask()
		tbl.Actions = n.actions.Entries()
	})
	return tbl, err
}

// DeleteActions removes the actions in mask and returns those deleted.
func (n *Node) DeleteActions(ctx context.Context, mask uint32) (uint32, error) {
	var deleted uint32
	err := n.Do(ctx, func() {
		deleted = n.actions.DeleteActions(mask)
	})
	return deleted, err
}

// History returns up to limit fired actions, newest last.
func (n *Node) History(limit int) ([]*store.HistoryRecord, error) {
	return n.store.ListHistory(limit)
}

// SetTimeRequest is the JSON body outer surfaces accept for setting time.
// UTC is RFC3339; Millis is Unix milliseconds. With neither, the caller's
// clock is used.
type SetTimeRequest struct {
	UTC      string `json:"utc,omitempty"`
	Millis   *int64 `json:"millis,omitempty"`
	Timezone int8   `json:"timezone"`
}

// Resolve returns the requested instant.
func (r SetTimeRequest) Resolve(now time.Time) (time.Time, error) {
	switch {
	case r.UTC != "":
		t, err := time.Parse(time.RFC3339Nano, r.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid utc: %w", err)
		}
		return t, nil
	case r.Millis != nil:
		if *r.Millis < 0 {
			return time.Time{}, fmt.Errorf("millis must not be negative")
		}
		return time.UnixMilli(*r.Millis).UTC(), nil
	default:
		return now, nil
	}
}

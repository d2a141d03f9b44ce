// Package node runs one CSRmesh node: the Time and Action models on a single
// event loop, fed by a gateway transport and backed by a persistent store.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"csrmesh-node/internal/action"
	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/store"
	"csrmesh-node/internal/timebase"
	"csrmesh-node/internal/timemodel"
	"csrmesh-node/internal/timer"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("node stopped")

// Config holds node identity and model parameters.
type Config struct {
	NetworkID         uint8
	DeviceID          uint16
	DefaultTTL        uint8
	MaxActions        int
	BroadcastInterval uint16
}

const loopBacklog = 64

// Node owns the mesh models. All model access goes through the event loop.
type Node struct {
	cfg       Config
	transport mesh.Transport
	store     store.Store
	events    *EventBus
	logger    *slog.Logger

	timers  *timer.Runtime
	time    *timemodel.Model
	actions *action.Model

	loop     chan func()
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New wires the models to the transport and store. Nothing runs until Start.
func New(cfg Config, transport mesh.Transport, st store.Store, events *EventBus, logger *slog.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		transport: transport,
		store:     st,
		events:    events,
		logger:    logger.With("component", "node"),
		loop:      make(chan func(), loopBacklog),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	n.timers = timer.NewRuntime(n.post)

	n.time = timemodel.New(timemodel.Config{
		NetworkID:       cfg.NetworkID,
		DefaultTTL:      cfg.DefaultTTL,
		NVMOffset:       0,
		DefaultInterval: cfg.BroadcastInterval,
	}, n.timers, n.timers, st, transport, logger)

	actions, err := action.New(action.Config{
		NetworkID:  cfg.NetworkID,
		DefaultTTL: cfg.DefaultTTL,
		MaxActions: cfg.MaxActions,
		NVMOffset:  timemodel.NVMWords,
	}, n.timers, n.time, st, transport, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("action model: %w", err)
	}
	n.actions = actions

	n.time.OnTimeUpdated(n.onTimeUpdated)
	n.time.OnRoleChanged(func(r timemodel.Role) {
		n.events.Emit(Event{Type: EventRoleChanged, Data: r.String()})
	})
	n.actions.SetHooks(action.Hooks{
		OnStored: func(e action.Entry) {
			n.events.Emit(Event{Type: EventActionStored, Data: e})
		},
		OnFired:   n.onActionFired,
		OnDeleted: func(mask uint32) {
			n.events.Emit(Event{Type: EventActionsDeleted, Data: DeletedData{Mask: mask}})
		},
	})
	return n, nil
}

// Events returns the node's event bus.
func (n *Node) Events() *EventBus {
	return n.events
}

// Start restores persisted state, subscribes to the transport and starts the
// event loop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.checkIdentity(); err != nil {
		return err
	}
	if err := n.time.Load(); err != nil {
		return err
	}
	if err := n.actions.Load(); err != nil {
		return err
	}
	n.transport.OnReceive(func(in mesh.Inbound) {
		n.post(func() { n.dispatch(in) })
	})
	n.started = true
	go n.run()
	n.logger.Info("node started",
		"network", n.cfg.NetworkID,
		"device", fmt.Sprintf("0x%04X", n.cfg.DeviceID),
		"max_actions", n.cfg.MaxActions,
		"interval", n.time.BroadcastInterval(),
	)
	return nil
}

// checkIdentity erases persisted model state when the node was last run
// with a different identity or table size.
func (n *Node) checkIdentity() error {
	want := &store.NodeInfo{
		NetworkID:  n.cfg.NetworkID,
		DeviceID:   n.cfg.DeviceID,
		MaxActions: n.cfg.MaxActions,
	}
	info, err := n.store.GetNodeInfo()
	switch {
	case err == nil && info.NetworkID == want.NetworkID && info.DeviceID == want.DeviceID && info.MaxActions == want.MaxActions:
		return nil
	case err == nil:
		n.logger.Warn("node identity changed, erasing nvm",
			"network", info.NetworkID, "device", info.DeviceID, "max_actions", info.MaxActions)
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("load node info: %w", err)
	}
	if err := n.store.ResetNVM(); err != nil {
		return fmt.Errorf("reset nvm: %w", err)
	}
	want.UpdatedAt = time.Now()
	if err := n.store.SaveNodeInfo(want); err != nil {
		return fmt.Errorf("save node info: %w", err)
	}
	return nil
}

// Stop halts the loop and cancels all timers. It is safe to call twice.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.timers.Stop()
		if n.started {
			<-n.done
		}
		n.time.Stop()
		n.actions.Stop()
		n.logger.Info("node stopped")
	})
}

func (n *Node) run() {
	defer close(n.done)
	for {
		select {
		case fn := <-n.loop:
			n.exec(fn)
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("event loop panic", "panic", r)
		}
	}()
	fn()
}

func (n *Node) post(fn func()) {
	select {
	case n.loop <- fn:
	case <-n.ctx.Done():
	}
}

// Do runs fn on the event loop and waits for it to finish.
func (n *Node) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}
	select {
	case n.loop <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
}

func (n *Node) dispatch(in mesh.Inbound) {
	if in.NetworkID != n.cfg.NetworkID {
		return
	}
	if in.Dest != mesh.BroadcastID && in.Dest != n.cfg.DeviceID {
		return
	}
	if n.time.Handle(in) || n.actions.Handle(in) {
		return
	}
	n.logger.Debug("unhandled message", "opcode", mesh.OpcodeName(in.Message.Opcode), "src", in.Source)
}

func (n *Node) onTimeUpdated(t timebase.Time48, tz int8) {
	n.actions.SyncCurrentTime(t)
	n.events.Emit(Event{Type: EventTimeUpdated, Data: TimeData{UTC: t.Time(), Millis: uint64(t), Timezone: tz}})
}

func (n *Node) onActionFired(e action.Entry) {
	rec := &store.HistoryRecord{
		ActionID:    e.ActionID,
		Destination: e.Destination,
		Payload:     e.Payload,
		RepeatCount: e.RepeatCount,
		FiredAt:     time.Now().UTC(),
	}
	if err := n.store.AppendHistory(rec); err != nil {
		n.logger.Error("append history", "action", e.ActionID, "err", err)
	}
	n.events.Emit(Event{Type: EventActionFired, Data: e})
}

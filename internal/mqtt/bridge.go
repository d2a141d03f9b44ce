//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"csrmesh-node/internal/node"
)

// Controller is the node surface the bridge drives.
type Controller interface {
	Events() *node.EventBus
	Time(ctx context.Context) (node.TimeStatus, error)
	SetTime(ctx context.Context, t time.Time, tz int8) error
	SetBroadcastInterval(ctx context.Context, secs uint16) error
	Actions(ctx context.Context) (node.ActionTable, error)
	DeleteActions(ctx context.Context, mask uint32) (uint32, error)
}

// Bridge publishes node state and events to MQTT and accepts commands.
//
// Published:
//
//	<prefix>/bridge/state        online|offline (retained)
//	<prefix>/time                time status JSON (retained)
//	<prefix>/actions             action table JSON (retained)
//	<prefix>/event/<type>        every node event
//
// Subscribed:
//
//	<prefix>/time/set            {"utc": RFC3339, "timezone": n}
//	<prefix>/time/interval/set   {"interval": seconds}
//	<prefix>/actions/delete      {"mask": n} or {"ids": [..]}
type Bridge struct {
	client pahomqtt.Client
	pub    publisher
	node   Controller
	cfg    Config
	nodeID string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects a bridge. nodeID names this node in
// discovery payloads.
func NewBridge(n Controller, cfg Config, nodeID string, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(n, cfg, nodeID, logger)
	opts := newClientOptions(cfg, cfg.ClientID).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.topic("bridge/state"), []byte("online"), true)
			b.publishDiscovery()
			b.subscribeCommands(c)
			go b.refresh()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	client, err := connect(opts)
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.client = client
	b.pub = client
	return b, nil
}

func newBridge(n Controller, cfg Config, nodeID string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		node:   n,
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to node events.
func (b *Bridge) Start() {
	b.unsub = b.node.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.topic("bridge/state"), []byte("offline"), true)
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

// handleEvent runs on the node's event loop; anything that reads node state
// back is moved off it.
func (b *Bridge) handleEvent(ev node.Event) {
	b.publish(b.topic("event/"+ev.Type), mustJSON(ev), false)
	switch ev.Type {
	case node.EventTimeUpdated, node.EventRoleChanged:
		go b.publishTime()
	case node.EventActionStored, node.EventActionFired, node.EventActionsDeleted:
		go b.publishActions()
	}
}

func (b *Bridge) refresh() {
	b.publishTime()
	b.publishActions()
}

func (b *Bridge) publishTime() {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	st, err := b.node.Time(ctx)
	if err != nil {
		b.logger.Debug("read time for publish", "err", err)
		return
	}
	b.publish(b.topic("time"), mustJSON(st), true)
}

func (b *Bridge) publishActions() {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	tbl, err := b.node.Actions(ctx)
	if err != nil {
		b.logger.Debug("read actions for publish", "err", err)
		return
	}
	b.publish(b.topic("actions"), mustJSON(tbl), true)
}

func (b *Bridge) publishDiscovery() {
	if b.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, msg := range buildDiscovery(b.nodeID, b.cfg.TopicPrefix, b.cfg.DiscoveryPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "node", b.nodeID)
}

func (b *Bridge) subscribeCommands(c pahomqtt.Client) {
	handlers := map[string]func([]byte) error{
		"time/set":          b.handleSetTime,
		"time/interval/set": b.handleSetInterval,
		"actions/delete":    b.handleDeleteActions,
	}
	for suffix, h := range handlers {
		topic, handle := b.topic(suffix), h
		c.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			if err := handle(msg.Payload()); err != nil {
				b.logger.Warn("MQTT command failed", "topic", topic, "err", err)
			}
		})
	}
}

func (b *Bridge) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.ctx, 10*time.Second)
}

func (b *Bridge) handleSetTime(payload []byte) error {
	t, tz, err := parseSetTime(payload, time.Now())
	if err != nil {
		return err
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	return b.node.SetTime(ctx, t, tz)
}

func (b *Bridge) handleSetInterval(payload []byte) error {
	secs, err := parseInterval(payload)
	if err != nil {
		return err
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	if err := b.node.SetBroadcastInterval(ctx, secs); err != nil {
		return err
	}
	go b.publishTime()
	return nil
}

func (b *Bridge) handleDeleteActions(payload []byte) error {
	mask, err := parseDeleteMask(payload)
	if err != nil {
		return err
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	deleted, err := b.node.DeleteActions(ctx, mask)
	if err != nil {
		return err
	}
	b.logger.Info("actions deleted via MQTT", "requested", mask, "deleted", deleted)
	return nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.pub == nil {
		return
	}
	publishAsync(b.pub, b.logger, topic, 1, retained, payload)
}

var errEmptyCommand = errors.New("empty command payload")

// parseSetTime decodes a node.SetTimeRequest; an empty payload means now.
func parseSetTime(payload []byte, now time.Time) (time.Time, int8, error) {
	var req node.SetTimeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid time command: %w", err)
		}
	}
	t, err := req.Resolve(now)
	if err != nil {
		return time.Time{}, 0, err
	}
	return t, req.Timezone, nil
}

func parseInterval(payload []byte) (uint16, error) {
	if len(payload) == 0 {
		return 0, errEmptyCommand
	}
	var cmd struct {
		Interval *int `json:"interval"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return 0, fmt.Errorf("invalid interval command: %w", err)
	}
	if cmd.Interval == nil {
		return 0, fmt.Errorf("interval missing")
	}
	if *cmd.Interval < 0 || *cmd.Interval > 0xFFFF {
		return 0, fmt.Errorf("interval %d out of range", *cmd.Interval)
	}
	return uint16(*cmd.Interval), nil
}

func parseDeleteMask(payload []byte) (uint32, error) {
	if len(payload) == 0 {
		return 0, errEmptyCommand
	}
	var cmd struct {
		Mask *uint32 `json:"mask"`
		IDs  []int   `json:"ids"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return 0, fmt.Errorf("invalid delete command: %w", err)
	}
	var mask uint32
	if cmd.Mask != nil {
		mask = *cmd.Mask
	}
	for _, id := range cmd.IDs {
		if id < 0 || id > 31 {
			return 0, fmt.Errorf("action id %d out of range", id)
		}
		mask |= 1 << id
	}
	if mask == 0 {
		return 0, fmt.Errorf("no actions selected")
	}
	return mask, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

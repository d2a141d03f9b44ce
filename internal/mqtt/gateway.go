//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"log/slog"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"csrmesh-node/internal/mesh"
)

// Gateway is a mesh.Transport that exchanges raw gateway frames with a
// network-attached bridge over MQTT. Outgoing frames go to <prefix>/mesh/tx,
// incoming ones arrive on <prefix>/mesh/rx.
type Gateway struct {
	client   pahomqtt.Client
	pub      publisher
	txTopic  string
	rxTopic  string
	deviceID uint16
	logger   *slog.Logger

	mu        sync.RWMutex
	onReceive func(mesh.Inbound)
}

// NewGateway connects to the broker and subscribes to inbound frames.
func NewGateway(cfg Config, deviceID uint16, logger *slog.Logger) (*Gateway, error) {
	g := newGateway(cfg.TopicPrefix, deviceID, logger)
	opts := newClientOptions(cfg, cfg.ClientID+"-gw").
		SetOnConnectHandler(func(c pahomqtt.Client) {
			g.logger.Info("MQTT gateway connected")
			c.Subscribe(g.rxTopic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				g.handleRx(msg.Payload())
			})
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			g.logger.Warn("MQTT gateway connection lost", "err", err)
		})
	client, err := connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mqtt gateway: %w", err)
	}
	g.client = client
	g.pub = client
	return g, nil
}

func newGateway(prefix string, deviceID uint16, logger *slog.Logger) *Gateway {
	return &Gateway{
		txTopic:  prefix + "/mesh/tx",
		rxTopic:  prefix + "/mesh/rx",
		deviceID: deviceID,
		logger:   logger.With("component", "mqtt_gateway"),
	}
}

// Send publishes one frame stamped with this node's device id.
func (g *Gateway) Send(networkID uint8, dest uint16, ttl uint8, msg mesh.Message) error {
	frame, err := mesh.EncodeFrame(mesh.Inbound{
		NetworkID: networkID,
		Source:    g.deviceID,
		Dest:      dest,
		TTL:       ttl,
		Message:   msg,
	})
	if err != nil {
		return err
	}
	publishAsync(g.pub, g.logger, g.txTopic, 0, false, frame)
	return nil
}

// OnReceive registers the inbound frame handler.
func (g *Gateway) OnReceive(handler func(mesh.Inbound)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onReceive = handler
}

func (g *Gateway) handleRx(payload []byte) {
	in, err := mesh.DecodeFrame(payload)
	if err != nil {
		g.logger.Debug("drop frame", "err", err)
		return
	}
	g.mu.RLock()
	h := g.onReceive
	g.mu.RUnlock()
	if h != nil {
		h(in)
	}
}

// Close disconnects from the broker.
func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Disconnect(500)
	}
	return nil
}

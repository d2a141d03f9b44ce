//go:build !no_mqtt

// Package mqtt connects a mesh node to an MQTT broker, both as a gateway
// transport for raw mesh frames and as a bridge publishing node state.
package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds broker connection settings shared by the gateway and bridge.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	// DiscoveryPrefix enables Home Assistant discovery when non-empty.
	DiscoveryPrefix string
}

// publisher is the slice of pahomqtt.Client used for outgoing messages.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

func newClientOptions(cfg Config, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

func connect(opts *pahomqtt.ClientOptions) (pahomqtt.Client, error) {
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// publishAsync publishes without blocking the caller; failures are logged.
func publishAsync(pub publisher, logger *slog.Logger, topic string, qos byte, retained bool, payload []byte) {
	token := pub.Publish(topic, qos, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

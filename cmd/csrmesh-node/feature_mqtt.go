//go:build !no_mqtt

package main

import (
	"log/slog"

	"csrmesh-node/internal/mesh"
	mqttbridge "csrmesh-node/internal/mqtt"
	"csrmesh-node/internal/node"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func mqttConfig(cfg *Config) mqttbridge.Config {
	return mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		ClientID:        cfg.MQTT.ClientID,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}
}

func openMQTTGateway(cfg *Config, logger *slog.Logger) (mesh.Transport, error) {
	return mqttbridge.NewGateway(mqttConfig(cfg), cfg.Mesh.DeviceID, logger)
}

func initMQTT(n *node.Node, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(n, mqttConfig(cfg), cfg.nodeName(), logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}

//go:build no_mqtt

package main

import (
	"errors"
	"log/slog"

	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/node"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func openMQTTGateway(_ *Config, _ *slog.Logger) (mesh.Transport, error) {
	return nil, errors.New("mqtt gateway not available: built with no_mqtt")
}

func initMQTT(_ *node.Node, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}

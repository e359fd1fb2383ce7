// Package brokerregistry registers every broker back-end shipped with Karabo.
package brokerregistry

import (
	"errors"
	"log/slog"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/broker/amqpbroker"
	"github.com/c360/karabo/broker/membroker"
	"github.com/c360/karabo/broker/mqttbroker"
	"github.com/c360/karabo/broker/natsbroker"
	pkgerrors "github.com/c360/karabo/errors"
)

// Register adds the NATS (nats://, tcp://), AMQP (amqp://, amqps://), MQTT
// (mqtt://) and in-process (mem://) drivers to registry. The client name is
// used where a back-end identifies connections.
func Register(registry *broker.Registry, clientName string, logger *slog.Logger) error {
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"BrokerRegistry", "Register", "registry validation")
	}

	if err := natsbroker.Register(registry, natsbroker.Driver{Name: clientName, Logger: logger}); err != nil {
		return pkgerrors.WrapInvalid(err, "BrokerRegistry", "Register", "NATS driver registration")
	}

	if err := amqpbroker.Register(registry, amqpbroker.Driver{Logger: logger}); err != nil {
		return pkgerrors.WrapInvalid(err, "BrokerRegistry", "Register", "AMQP driver registration")
	}

	if err := mqttbroker.Register(registry, mqttbroker.Driver{ClientPrefix: clientName, Logger: logger}); err != nil {
		return pkgerrors.WrapInvalid(err, "BrokerRegistry", "Register", "MQTT driver registration")
	}

	if err := membroker.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "BrokerRegistry", "Register", "in-process driver registration")
	}

	return nil
}

// New returns a registry with every driver registered.
func New(clientName string, logger *slog.Logger) (*broker.Registry, error) {
	reg := broker.NewRegistry()
	if err := Register(reg, clientName, logger); err != nil {
		return nil, err
	}
	return reg, nil
}

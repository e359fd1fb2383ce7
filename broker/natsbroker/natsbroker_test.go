package natsbroker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/broker"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		route broker.Route
		want  string
	}{
		{"instance", "xfel", broker.InstanceRoute("motor_1"), "xfel.slots.motor_1"},
		{"broadcast", "xfel", broker.BroadcastRoute(), "xfel.broadcast"},
		{"default topic", "", broker.InstanceRoute("a"), "karabo.slots.a"},
		{"dotted id stays one token", "xfel", broker.InstanceRoute("SA1/MOTOR.X"), "xfel.slots.SA1/MOTOR_X"},
		{"wildcards escaped", "xfel", broker.InstanceRoute("a*>"), "xfel.slots.a__"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.topic, tt.route))
		})
	}
}

func TestServerURL(t *testing.T) {
	got, err := serverURL("tcp://broker:7777")
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:7777", got)

	got, err = serverURL("nats://user:pw@broker:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://user:pw@broker:4222", got)

	_, err = serverURL("://bad")
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	reg := broker.NewRegistry()
	require.NoError(t, Register(reg, Driver{}))
	assert.ElementsMatch(t, []string{"nats", "tcp"}, reg.Schemes())
	assert.Error(t, Register(reg, Driver{}))
}

package amqpbroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		route broker.Route
		want  string
	}{
		{broker.InstanceRoute("motor"), "slots.motor"},
		{broker.InstanceRoute("a.b#c*"), "slots.a_b_c_"},
		{broker.BroadcastRoute(), "broadcast"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, RoutingKey(tt.route))
		})
	}
	assert.Equal(t, "karabo", Exchange(""))
	assert.Equal(t, "xfel", Exchange("xfel"))
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Driver{Timeout: 200 * time.Millisecond}.Dial(ctx, broker.Endpoint{URL: "amqp://127.0.0.1:1", Topic: "t"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRegister(t *testing.T) {
	reg := broker.NewRegistry()
	require.NoError(t, Register(reg, Driver{}))
	_, scheme, err := reg.Lookup("amqps://host:5671")
	require.NoError(t, err)
	assert.Equal(t, "amqps", scheme)
}

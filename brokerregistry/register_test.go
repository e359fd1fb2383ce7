package brokerregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/errors"
)

func TestRegister(t *testing.T) {
	reg, err := New("test", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nats", "tcp", "amqp", "amqps", "mqtt", "mem"}, reg.Schemes())

	t.Run("twice fails", func(t *testing.T) {
		err := Register(reg, "test", nil)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})
	t.Run("nil registry", func(t *testing.T) {
		err := Register(nil, "test", nil)
		assert.True(t, errors.IsFatal(err))
	})
}

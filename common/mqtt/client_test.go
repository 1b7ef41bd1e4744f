package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-vitals/common/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient() *Client {
	return NewClient(&config.MQTTConfig{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "wisefido-vitals-test",
		ConnectTimeout: time.Second,
	}, zap.NewNop())
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	c := newTestClient()

	err := c.Subscribe("telemetry/health/p1", 1, func(string, []byte) error { return nil })
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = c.Publish("telemetry/presence", 1, true, []byte("p1"))
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = c.Unsubscribe("telemetry/health/p1")
	assert.True(t, errors.Is(err, ErrNotConnected))

	assert.False(t, c.IsConnected())
}

func TestClient_DisconnectIsIdempotent(t *testing.T) {
	c := newTestClient()
	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectUnreachableBroker(t *testing.T) {
	c := newTestClient()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.Connect(ctx, "", "", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthRejected))
	assert.False(t, c.IsConnected())
}

func TestIsSecureBroker(t *testing.T) {
	assert.True(t, isSecureBroker("wss://broker.example:8884/mqtt"))
	assert.True(t, isSecureBroker("SSL://broker.example:8883"))
	assert.False(t, isSecureBroker("tcp://localhost:1883"))
	assert.False(t, isSecureBroker("ws://localhost:8080/mqtt"))
}

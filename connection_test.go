package relayq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConn_NotReadyBeforeConnect(t *testing.T) {
	cfg := Config{URL: "amqp://localhost:5672/"}
	cfg.applyDefaults()
	c := NewConn(cfg, nopLogger{})

	assert.False(t, c.IsReady())
	assert.False(t, c.checkMainQueue())

	_, err := c.publishChannel()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.consume()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConn_CloseIdempotent(t *testing.T) {
	c := NewConn(Config{URL: "amqp://localhost:5672/"}, nopLogger{})
	ctx := context.Background()

	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx))
	assert.False(t, c.IsReady())
}

func TestConn_ConnectRejectsBadURL(t *testing.T) {
	c := NewConn(Config{URL: "not-a-uri"}, nopLogger{})
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsReady())
}

func TestConn_ConnectHonorsCancelledContext(t *testing.T) {
	c := NewConn(Config{URL: "amqp://localhost:5672/"}, nopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Connect(ctx))
}

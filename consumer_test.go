package relayq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error { f.acks++; return nil }
func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return nil }

func newTestConsumer(maxRetries int) (*Consumer, *fakeRoutePublisher) {
	policy, pub := newTestPolicy(time.Second, maxRetries)
	cfg := Config{}
	cfg.applyDefaults()
	c := NewConsumer(NewConn(cfg, nopLogger{}), cfg, policy, nopLogger{})
	return c, pub
}

func newDelivery(ack *fakeAcknowledger, body []byte, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Headers: headers}
}

func TestHandleDelivery_Success(t *testing.T) {
	c, pub := newTestConsumer(5)
	var got Task
	c.Handle(func(ctx context.Context, task Task) error {
		got = task
		return nil
	})

	ack := &fakeAcknowledger{}
	d := newDelivery(ack, []byte(`{"job":"ok"}`), amqp.Table{
		HeaderMessageID:  "m-1",
		HeaderRetryCount: int32(1),
	})
	c.handleDelivery(context.Background(), d)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	assert.Empty(t, pub.retries)
	assert.Empty(t, pub.deads)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, "ok", got.Payload["job"])
	assert.Equal(t, 1, got.Retry.Count)
}

// 载荷解析失败的消息重试也不会成功，首次投递即死信，不经过重试队列。
func TestHandleDelivery_InvalidPayloadDeadLettered(t *testing.T) {
	c, pub := newTestConsumer(5)
	handled := false
	c.Handle(func(ctx context.Context, task Task) error {
		handled = true
		return nil
	})

	ack := &fakeAcknowledger{}
	d := newDelivery(ack, []byte("not json"), amqp.Table{HeaderMessageID: "m-2"})
	c.handleDelivery(context.Background(), d)

	assert.False(t, handled)
	assert.Equal(t, 1, ack.acks)
	require.Empty(t, pub.retries)
	require.Len(t, pub.deads, 1)
	assert.Equal(t, "m-2", pub.deads[0].messageID)
	assert.Equal(t, ReasonInvalidPayload, pub.deads[0].headers[HeaderFinalFailureReason])
	payload, ok := pub.deads[0].payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "not json", payload["raw"])
}

func TestHandleDelivery_HandlerFailureRoutedToRetry(t *testing.T) {
	c, pub := newTestConsumer(5)
	c.Handle(func(ctx context.Context, task Task) error {
		return errors.New("boom")
	})

	ack := &fakeAcknowledger{}
	d := newDelivery(ack, []byte(`{"job":"bad"}`), amqp.Table{HeaderMessageID: "m-3"})
	c.handleDelivery(context.Background(), d)

	// 失败后仍然确认：消息已被显式改投
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	require.Len(t, pub.retries, 1)
	assert.Equal(t, "m-3", pub.retries[0].messageID)
	assert.Equal(t, "boom", pub.retries[0].headers[HeaderRetryReason])
}

// 幂等中间件装链后，失败改投重试的消息（message_id 不变）重投时须重新执行，
// 不得被当作已处理跳过；成功后的重复投递才跳过。
func TestHandleDelivery_IdempotencyAllowsRetryRedelivery(t *testing.T) {
	c, pub := newTestConsumer(5)
	idem := NewIdempotencyMiddleware(IdempotencyConfig{KV: &fakeKV{}})

	calls := 0
	c.Handle(func(ctx context.Context, task Task) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}, idem)

	// 首次投递：处理失败，改投重试队列并确认
	ack1 := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), newDelivery(ack1, []byte(`{"job":"x"}`), amqp.Table{
		HeaderMessageID: "m-1",
	}))
	assert.Equal(t, 1, ack1.acks)
	require.Len(t, pub.retries, 1)

	// 重试重投：携带改投后的 headers（x-retry-count: 1），处理器重新执行并成功
	ack2 := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), newDelivery(ack2, []byte(`{"job":"x"}`), amqp.Table(pub.retries[0].headers)))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, ack2.acks)
	require.Len(t, pub.retries, 1)
	assert.Empty(t, pub.deads)

	// 成功之后的重复投递跳过处理但仍确认
	ack3 := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), newDelivery(ack3, []byte(`{"job":"x"}`), amqp.Table{
		HeaderMessageID: "m-1",
	}))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, ack3.acks)
}

func TestHandleDelivery_RoutePublishFailureRequeues(t *testing.T) {
	c, pub := newTestConsumer(5)
	pub.err = errors.New("publish down")
	c.Handle(func(ctx context.Context, task Task) error {
		return errors.New("boom")
	})

	ack := &fakeAcknowledger{}
	d := newDelivery(ack, []byte(`{}`), amqp.Table{})
	c.handleDelivery(context.Background(), d)

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestHandle_MiddlewareOrder(t *testing.T) {
	c, _ := newTestConsumer(5)
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, t Task) error {
				order = append(order, name)
				return next(ctx, t)
			}
		}
	}
	c.Handle(func(ctx context.Context, t Task) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), mw("inner"))

	require.NoError(t, c.handler(context.Background(), Task{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

// 消息间收到停止信号时，drain 应在一个轮询周期内返回且不再处理消息。
func TestDrain_StopSignal(t *testing.T) {
	c, pub := newTestConsumer(5)
	handled := 0
	c.Handle(func(ctx context.Context, t Task) error {
		handled++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- newDelivery(&fakeAcknowledger{}, []byte(`{}`), nil)

	start := time.Now()
	err := c.drain(ctx, deliveries)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, handled)
	assert.Empty(t, pub.retries)
}

func TestDrain_StreamClosed(t *testing.T) {
	c, _ := newTestConsumer(5)
	c.Handle(func(ctx context.Context, t Task) error { return nil })

	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	err := c.drain(context.Background(), deliveries)
	assert.ErrorIs(t, err, errStreamClosed)
}

func TestRun_RequiresHandler(t *testing.T) {
	c, _ := newTestConsumer(5)
	assert.ErrorIs(t, c.Run(context.Background()), ErrNoHandler)
}

func TestRun_NotReentrant(t *testing.T) {
	c, _ := newTestConsumer(5)
	c.Handle(func(ctx context.Context, t Task) error { return nil })
	c.state.Store(stateRunning)
	assert.ErrorIs(t, c.Run(context.Background()), ErrConsumerRunning)
}

// 停止后状态复位，再次 Run 不得报 ErrConsumerRunning。
func TestRun_RestartAfterStop(t *testing.T) {
	c, _ := newTestConsumer(5)
	c.Handle(func(ctx context.Context, t Task) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, stateNotRunning, c.state.Load())
}

package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/reflow/internal/pipeline/config"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	errspkg "github.com/drblury/reflow/internal/pipeline/errors"
	"github.com/drblury/reflow/internal/pipeline/join"
	"github.com/drblury/reflow/internal/pipeline/jsoncodec"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
	"github.com/drblury/reflow/internal/pipeline/window"
)

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, loggingpkg.Nop(), context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(&configpkg.Config{PubSubSystem: "channel"}, nil, context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewService(&configpkg.Config{PubSubSystem: "channel", Workers: -1}, loggingpkg.Nop(), context.Background(), ServiceDependencies{})
	assert.Error(t, err)

	_, err = NewService(&configpkg.Config{PubSubSystem: "nats"}, loggingpkg.Nop(), context.Background(), ServiceDependencies{})
	assert.Error(t, err)
}

func TestService_RegisterHandlerValidation(t *testing.T) {
	s := newTestService(t, nil)

	err := s.RegisterHandler(HandlerRegistration{Topic: "orders"})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	err = s.RegisterHandler(HandlerRegistration{
		Handler: func(ctx context.Context, msg *envelope.Message) error { return nil },
	})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestService_StartWithoutHandlersWaitsForCancel(t *testing.T) {
	s := newTestService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Start returned before cancellation: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestService_PublishAndConsume(t *testing.T) {
	s := newTestService(t, nil)

	received := make(chan *envelope.Message, 1)
	require.NoError(t, s.RegisterHandler(HandlerRegistration{
		Name:  "orders-handler",
		Topic: "orders",
		Handler: func(ctx context.Context, msg *envelope.Message) error {
			received <- msg
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// The channel transport drops messages published before a subscriber
	// exists, so give the workers a moment to subscribe.
	time.Sleep(100 * time.Millisecond)

	msg, err := NewMessage("order-1", []byte(`{"total":42}`))
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "orders", msg, WithCorrelationID("corr-1")))

	select {
	case got := <-received:
		assert.Equal(t, "order-1", got.Key)
		assert.JSONEq(t, `{"total":42}`, string(got.Payload))
		assert.Equal(t, "corr-1", got.Header(envelope.KeyCorrelationID))
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestService_RetryFlow(t *testing.T) {
	s := newTestService(t, &configpkg.Config{
		PubSubSystem:    "channel",
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   10 * time.Millisecond,
		RetryMaxRetries: 5,
	})

	var calls atomic.Int32
	succeeded := make(chan *envelope.Message, 1)
	require.NoError(t, s.RegisterHandler(HandlerRegistration{
		Topic: "orders",
		Handler: func(ctx context.Context, msg *envelope.Message) error {
			if calls.Add(1) == 1 {
				return envelope.ErrRetry
			}
			succeeded <- msg
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	msg, err := NewMessage("order-1", []byte("p"))
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "orders", msg))

	select {
	case got := <-succeeded:
		// The redelivery arrives on the retry stream with the attempt bumped.
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("retried delivery never succeeded")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestService_DeadLetterFlow(t *testing.T) {
	s := newTestService(t, &configpkg.Config{
		PubSubSystem:   "channel",
		MetricsEnabled: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deadLetters, err := s.Subscriber().Subscribe(ctx, "orders.dead-letter")
	require.NoError(t, err)

	require.NoError(t, s.RegisterHandler(HandlerRegistration{
		Topic: "orders",
		Handler: func(ctx context.Context, msg *envelope.Message) error {
			return envelope.ErrPermanentWithReason("schema-mismatch", nil)
		},
	}))

	go func() { _ = s.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	msg, err := NewMessage("order-1", []byte("p"))
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "orders", msg))

	select {
	case wm := <-deadLetters:
		wm.Ack()
		assert.Equal(t, "orders", wm.Metadata.Get(envelope.KeyOriginalTopic))
		assert.Equal(t, "schema-mismatch", wm.Metadata.Get(envelope.KeyErrorReason))

		var record envelope.DeadLetterRecord
		require.NoError(t, jsoncodec.Unmarshal(wm.Payload, &record))
		require.NotNil(t, record.Message)
		assert.Equal(t, msg.ID, record.Message.ID)
		assert.Equal(t, 1, record.AttemptsMade)
	case <-time.After(5 * time.Second):
		t.Fatal("dead letter never arrived")
	}

	stats := s.Metrics().GetTopicMetrics("orders")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
}

func TestService_DuplicateDeliverySkipped(t *testing.T) {
	s := newTestService(t, &configpkg.Config{
		PubSubSystem: "channel",
		DedupTTL:     time.Hour,
	})

	var calls atomic.Int32
	require.NoError(t, s.RegisterHandler(HandlerRegistration{
		Topic: "orders",
		Handler: func(ctx context.Context, msg *envelope.Message) error {
			calls.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	msg, err := NewMessage("order-1", []byte("p"))
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "orders", msg))

	// Redeliver the same message ID; the dedup store must swallow it.
	dup := msg.Clone()
	require.NoError(t, s.Publish(ctx, "orders", dup))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestService_RegisterWindowDefaults(t *testing.T) {
	s := newTestService(t, &configpkg.Config{
		PubSubSystem: "channel",
		WindowSize:   time.Minute,
	})

	agg, err := s.RegisterWindow("totals", window.Config{
		OnFlush: func(bucket window.Bucket) {},
	})
	require.NoError(t, err)
	require.NotNil(t, agg)

	assert.Same(t, agg, s.Window("totals"))
	assert.Nil(t, s.Window("unknown"))
}

func TestService_RegisterJoinerDefaults(t *testing.T) {
	s := newTestService(t, &configpkg.Config{
		PubSubSystem: "channel",
		JoinWindow:   time.Minute,
	})

	joiner, err := s.RegisterJoiner("enrich", join.Config{
		OnEmit: func(pair join.Pair) {},
	})
	require.NoError(t, err)
	require.NotNil(t, joiner)

	assert.Same(t, joiner, s.Joiner("enrich"))
	assert.Nil(t, s.Joiner("unknown"))
}

func TestService_CloseIdempotent(t *testing.T) {
	conf := &configpkg.Config{PubSubSystem: "channel"}
	s, err := NewService(conf, loggingpkg.Nop(), context.Background(), ServiceDependencies{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestService_Accessors(t *testing.T) {
	s := newTestService(t, nil)

	assert.NotNil(t, s.Publisher())
	assert.NotNil(t, s.Subscriber())
	assert.NotNil(t, s.Breakers())
	assert.NotNil(t, s.Scheduler())
	assert.NotNil(t, s.Sink())
	// Metrics are disabled by default.
	assert.Nil(t, s.Metrics())
}

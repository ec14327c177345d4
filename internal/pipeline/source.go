// Package pipeline implements the reliable consumption core: workers pulling
// from a source, a retry scheduler with exponential backoff, a dead-letter
// sink, and the middleware chain wrapping handler invocations.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/reflow/internal/pipeline/envelope"
)

// ErrSourceClosed is returned by Pull once the underlying subscription has
// terminated and no further deliveries will arrive.
var ErrSourceClosed = errors.New("reflow: source closed")

// Delivery is a single pulled message together with its settlement handles.
// Exactly one of Ack or Nack should be called; calling both or neither leaves
// the redelivery decision to the transport.
type Delivery struct {
	Message *envelope.Message

	ack  func()
	nack func()
}

// NewDelivery wraps a message with explicit settlement callbacks. Sources
// built on transports without settlement pass nil callbacks.
func NewDelivery(msg *envelope.Message, ack, nack func()) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack confirms successful processing to the transport.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack asks the transport to redeliver the message.
func (d *Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// Source supplies deliveries to a worker. Pull blocks until a delivery is
// available, the context is cancelled, or the source is closed.
type Source interface {
	Pull(ctx context.Context) (*Delivery, error)
	Close() error
}

// SubscriberSource adapts a Watermill subscriber to the Source contract. The
// subscription is established lazily on the first Pull so the worker's context
// governs its lifetime.
type SubscriberSource struct {
	subscriber message.Subscriber
	topic      string

	mu       sync.Mutex
	messages <-chan *message.Message
	closed   bool
}

// NewSubscriberSource creates a Source pulling from topic on the given
// subscriber. The subscriber is shared infrastructure and is not closed by
// Close.
func NewSubscriberSource(subscriber message.Subscriber, topic string) *SubscriberSource {
	return &SubscriberSource{subscriber: subscriber, topic: topic}
}

// Topic returns the subscribed topic.
func (s *SubscriberSource) Topic() string { return s.topic }

// Pull returns the next delivery. The returned delivery settles the
// underlying Watermill message, so transports see the worker's ack/nack
// decision directly.
func (s *SubscriberSource) Pull(ctx context.Context) (*Delivery, error) {
	ch, err := s.channel(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case wm, ok := <-ch:
		if !ok {
			return nil, ErrSourceClosed
		}
		return NewDelivery(envelope.FromWatermill(wm), func() { wm.Ack() }, func() { wm.Nack() }), nil
	}
}

// Close marks the source closed. Subsequent Pull calls fail with
// ErrSourceClosed.
func (s *SubscriberSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SubscriberSource) channel(ctx context.Context) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.messages == nil {
		ch, err := s.subscriber.Subscribe(ctx, s.topic)
		if err != nil {
			return nil, err
		}
		s.messages = ch
	}
	return s.messages, nil
}

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/reflow/internal/pipeline/envelope"
)

// capturePublisher records published messages per topic.
type capturePublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	failWith  error
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{published: make(map[string][]*message.Message)}
}

func (p *capturePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) topicMessages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*message.Message, len(p.published[topic]))
	copy(out, p.published[topic])
	return out
}

// captureDelayedPublisher additionally records requested delays.
type captureDelayedPublisher struct {
	capturePublisher
	delays []time.Duration
}

func newCaptureDelayedPublisher() *captureDelayedPublisher {
	return &captureDelayedPublisher{capturePublisher: capturePublisher{published: make(map[string][]*message.Message)}}
}

func (p *captureDelayedPublisher) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	p.mu.Lock()
	p.delays = append(p.delays, delay)
	p.mu.Unlock()
	return p.Publish(topic, messages...)
}

// queueSource serves a fixed set of deliveries, then blocks until the
// context ends.
type queueSource struct {
	mu         sync.Mutex
	deliveries []*Delivery
	closed     bool
}

func newQueueSource(deliveries ...*Delivery) *queueSource {
	return &queueSource{deliveries: deliveries}
}

func (s *queueSource) push(d *Delivery) {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
}

func (s *queueSource) Pull(ctx context.Context) (*Delivery, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSourceClosed
		}
		if len(s.deliveries) > 0 {
			d := s.deliveries[0]
			s.deliveries = s.deliveries[1:]
			s.mu.Unlock()
			return d, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *queueSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// settled tracks a delivery's ack/nack outcome.
type settled struct {
	mu     sync.Mutex
	acked  bool
	nacked bool
}

func (s *settled) delivery(msg *envelope.Message) *Delivery {
	return NewDelivery(msg,
		func() {
			s.mu.Lock()
			s.acked = true
			s.mu.Unlock()
		},
		func() {
			s.mu.Lock()
			s.nacked = true
			s.mu.Unlock()
		},
	)
}

func (s *settled) isAcked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *settled) isNacked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nacked
}

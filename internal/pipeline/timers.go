package pipeline

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
)

// pendingTimers tracks clock-deferred publishes so Close can flush messages
// whose timers have not fired yet.
type pendingTimers struct {
	mu     sync.Mutex
	seq    int64
	timers map[int64]*pendingPublish
}

type pendingPublish struct {
	timer clockpkg.Timer
	topic string
	wm    *message.Message
}

func (p *pendingTimers) schedule(clk clockpkg.Clock, delay time.Duration, topic string, wm *message.Message, publish func(topic string, wm *message.Message)) {
	p.mu.Lock()
	if p.timers == nil {
		p.timers = make(map[int64]*pendingPublish)
	}
	p.seq++
	id := p.seq
	entry := &pendingPublish{topic: topic, wm: wm}
	p.timers[id] = entry
	p.mu.Unlock()

	entry.timer = clk.AfterFunc(delay, func() {
		p.mu.Lock()
		_, live := p.timers[id]
		delete(p.timers, id)
		p.mu.Unlock()
		if live {
			publish(topic, wm)
		}
	})
}

// drain stops every pending timer and hands back the unpublished entries.
func (p *pendingTimers) drain() []*pendingPublish {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*pendingPublish, 0, len(p.timers))
	for id, entry := range p.timers {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(p.timers, id)
		out = append(out, entry)
	}
	return out
}

// Package join correlates two streams by key within a bounded time window.
// Each arrival either pairs with the earliest pending opposite-side record
// whose event time lies within the join window, or becomes pending itself.
// A pending record is consumed by at most one match; unmatched records are
// evicted once they age past the window.
package join

import (
	"errors"
	"sync"
	"time"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
)

// ErrClosed is returned by IngestLeft/IngestRight after Close.
var ErrClosed = errors.New("reflow: stream joiner closed")

// DefaultWindow is the join window used when Config.Window is unset.
const DefaultWindow = time.Minute

// Side tags which stream a record arrived on.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

func (s Side) opposite() Side {
	if s == Left {
		return Right
	}
	return Left
}

// Pair is one successful join emission.
type Pair struct {
	Key   string
	Left  *envelope.Message
	Right *envelope.Message
}

// EmitFunc receives each joined pair. It runs on the ingesting goroutine.
type EmitFunc func(pair Pair)

// ExpireFunc receives pending records evicted without a partner. Nil drops
// them after logging.
type ExpireFunc func(side Side, msg *envelope.Message)

// Config tunes a Joiner.
type Config struct {
	// Window is the maximum event-time distance between joined records.
	Window time.Duration

	// OnEmit receives joined pairs. Required.
	OnEmit EmitFunc

	// OnExpire handles records swept out unmatched. Nil drops them.
	OnExpire ExpireFunc

	Clock  clockpkg.Clock
	Logger loggingpkg.ServiceLogger
}

type pending struct {
	msg       *envelope.Message
	eventTime time.Time
	arrivedAt time.Time
}

type expiredRecord struct {
	side Side
	msg  *envelope.Message
}

// Joiner holds per-key FIFO queues of unmatched records for both sides and
// sweeps out entries older than the join window. Safe for concurrent use.
type Joiner struct {
	window   time.Duration
	onEmit   EmitFunc
	onExpire ExpireFunc
	clock    clockpkg.Clock
	logger   loggingpkg.ServiceLogger

	mu     sync.Mutex
	sides  [2]map[string][]*pending // arrival order per key
	closed bool

	ticker clockpkg.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates and starts a joiner. The eviction sweep runs at half the join
// window.
func New(conf Config) (*Joiner, error) {
	if conf.OnEmit == nil {
		return nil, errors.New("reflow: stream joiner needs an OnEmit callback")
	}
	if conf.Window <= 0 {
		conf.Window = DefaultWindow
	}
	if conf.Clock == nil {
		conf.Clock = clockpkg.System()
	}
	if conf.Logger == nil {
		conf.Logger = loggingpkg.Nop()
	}

	j := &Joiner{
		window:   conf.Window,
		onEmit:   conf.OnEmit,
		onExpire: conf.OnExpire,
		clock:    conf.Clock,
		logger:   conf.Logger,
		done:     make(chan struct{}),
	}
	j.sides[Left] = make(map[string][]*pending)
	j.sides[Right] = make(map[string][]*pending)

	j.ticker = j.clock.NewTicker(j.window / 2)
	j.wg.Add(1)
	go j.sweepLoop()

	return j, nil
}

// Window returns the configured join window.
func (j *Joiner) Window() time.Duration { return j.window }

// IngestLeft offers a left-stream message for joining under msg.Key.
func (j *Joiner) IngestLeft(msg *envelope.Message) error {
	return j.ingest(Left, msg)
}

// IngestRight offers a right-stream message for joining under msg.Key.
func (j *Joiner) IngestRight(msg *envelope.Message) error {
	return j.ingest(Right, msg)
}

func (j *Joiner) ingest(side Side, msg *envelope.Message) error {
	eventTime := msg.Timestamp()

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}

	// Earliest-arrived pending partner within the window wins.
	opposite := side.opposite()
	queue := j.sides[opposite][msg.Key]
	for i, candidate := range queue {
		if absDuration(eventTime.Sub(candidate.eventTime)) > j.window {
			continue
		}
		j.sides[opposite][msg.Key] = deleteAt(queue, i)
		if len(j.sides[opposite][msg.Key]) == 0 {
			delete(j.sides[opposite], msg.Key)
		}
		j.mu.Unlock()

		pair := Pair{Key: msg.Key}
		if side == Left {
			pair.Left, pair.Right = msg, candidate.msg
		} else {
			pair.Left, pair.Right = candidate.msg, msg
		}
		j.onEmit(pair)
		return nil
	}

	j.sides[side][msg.Key] = append(j.sides[side][msg.Key], &pending{
		msg:       msg,
		eventTime: eventTime,
		arrivedAt: j.clock.Now(),
	})
	j.mu.Unlock()
	return nil
}

// Sweep evicts pending records whose arrival is older than the join window
// relative to now. Exposed for callers that want an explicit sweep besides
// the background tick.
func (j *Joiner) Sweep(now time.Time) {
	j.sweep(now)
}

// PendingCount reports the total number of unmatched records on one side.
func (j *Joiner) PendingCount(side Side) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	total := 0
	for _, queue := range j.sides[side] {
		total += len(queue)
	}
	return total
}

// Close stops the sweep goroutine and expires every pending record.
func (j *Joiner) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.done)
	j.ticker.Stop()
	j.wg.Wait()

	j.expireAll()
	return nil
}

func (j *Joiner) sweepLoop() {
	defer j.wg.Done()
	for {
		select {
		case <-j.done:
			return
		case now := <-j.ticker.C():
			j.sweep(now)
		}
	}
}

func (j *Joiner) sweep(now time.Time) {
	cutoff := now.Add(-j.window)

	j.mu.Lock()
	var expired []expiredRecord
	for _, side := range []Side{Left, Right} {
		for key, queue := range j.sides[side] {
			kept := queue[:0]
			for _, entry := range queue {
				if entry.arrivedAt.Before(cutoff) {
					expired = append(expired, expiredRecord{side, entry.msg})
					continue
				}
				kept = append(kept, entry)
			}
			if len(kept) == 0 {
				delete(j.sides[side], key)
			} else {
				j.sides[side][key] = kept
			}
		}
	}
	j.mu.Unlock()

	j.expire(expired)
}

func (j *Joiner) expireAll() {
	j.mu.Lock()
	var expired []expiredRecord
	for _, side := range []Side{Left, Right} {
		for key, queue := range j.sides[side] {
			for _, entry := range queue {
				expired = append(expired, expiredRecord{side, entry.msg})
			}
			delete(j.sides[side], key)
		}
	}
	j.mu.Unlock()

	j.expire(expired)
}

func (j *Joiner) expire(expired []expiredRecord) {
	for _, entry := range expired {
		if j.onExpire == nil {
			j.logger.Debug("Discarding unmatched record", loggingpkg.LogFields{
				"message_id": entry.msg.ID,
				"key":        entry.msg.Key,
				"side":       entry.side.String(),
			})
			continue
		}
		j.onExpire(entry.side, entry.msg)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func deleteAt(queue []*pending, i int) []*pending {
	return append(queue[:i:i], queue[i+1:]...)
}

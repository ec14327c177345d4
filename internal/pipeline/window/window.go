// Package window aggregates messages into tumbling time windows. Each
// message lands in exactly one bucket, determined by its event timestamp
// truncated to the window size, and each bucket is flushed exactly once.
package window

import (
	"errors"
	"sort"
	"sync"
	"time"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
)

// ErrClosed is returned by Ingest after Close.
var ErrClosed = errors.New("reflow: window aggregator closed")

// DefaultSize is the window duration used when Config.Size is unset.
const DefaultSize = time.Minute

// Bucket is one tumbling window's accumulated state. It covers
// [Start, End) and is handed to OnFlush exactly once.
type Bucket struct {
	Start   time.Time
	End     time.Time
	Count   int
	Sum     float64
	Members []*envelope.Message
}

// ValueFunc extracts the numeric value a message contributes to Sum.
type ValueFunc func(msg *envelope.Message) float64

// FlushFunc receives a completed bucket. It runs on the aggregator's flush
// goroutine (or the Ingest/Close caller), so it must not block indefinitely.
type FlushFunc func(bucket Bucket)

// LateFunc receives messages whose window already flushed. A nil LateFunc
// drops late messages after logging.
type LateFunc func(msg *envelope.Message)

// Config tunes an Aggregator.
type Config struct {
	// Size is the tumbling window duration.
	Size time.Duration

	// Value extracts the per-message contribution to Bucket.Sum. Nil
	// counts each message as 1.
	Value ValueFunc

	// OnFlush receives each completed bucket exactly once. Required.
	OnFlush FlushFunc

	// OnLate handles messages older than the low-water mark. Nil drops
	// them.
	OnLate LateFunc

	Clock  clockpkg.Clock
	Logger loggingpkg.ServiceLogger
}

// Aggregator assigns messages to tumbling windows and flushes completed
// buckets on a clock-driven tick. Safe for concurrent Ingest.
type Aggregator struct {
	size    time.Duration
	value   ValueFunc
	onFlush FlushFunc
	onLate  LateFunc
	clock   clockpkg.Clock
	logger  loggingpkg.ServiceLogger

	mu       sync.Mutex
	buckets  map[int64]*Bucket // keyed by Start.UnixNano()
	lowWater time.Time         // max End among flushed buckets
	closed   bool

	ticker clockpkg.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates and starts an aggregator. The background flush tick runs at
// half the window size so a bucket is flushed at most W/2 after it ends.
func New(conf Config) (*Aggregator, error) {
	if conf.OnFlush == nil {
		return nil, errors.New("reflow: window aggregator needs an OnFlush callback")
	}
	if conf.Size <= 0 {
		conf.Size = DefaultSize
	}
	if conf.Value == nil {
		conf.Value = func(*envelope.Message) float64 { return 1 }
	}
	if conf.Clock == nil {
		conf.Clock = clockpkg.System()
	}
	if conf.Logger == nil {
		conf.Logger = loggingpkg.Nop()
	}

	a := &Aggregator{
		size:    conf.Size,
		value:   conf.Value,
		onFlush: conf.OnFlush,
		onLate:  conf.OnLate,
		clock:   conf.Clock,
		logger:  conf.Logger,
		buckets: make(map[int64]*Bucket),
		done:    make(chan struct{}),
	}

	a.ticker = a.clock.NewTicker(a.size / 2)
	a.wg.Add(1)
	go a.flushLoop()

	return a, nil
}

// Size returns the window duration.
func (a *Aggregator) Size() time.Duration { return a.size }

// Ingest assigns msg to the window containing its event timestamp. Messages
// behind the low-water mark never reopen a flushed window; they go to the
// late-data policy instead.
func (a *Aggregator) Ingest(msg *envelope.Message) error {
	ts := msg.Timestamp()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}

	if ts.Before(a.lowWater) {
		onLate := a.onLate
		a.mu.Unlock()

		if onLate == nil {
			a.logger.Debug("Dropping late message", loggingpkg.LogFields{
				"message_id": msg.ID,
				"event_time": ts,
			})
			return nil
		}
		onLate(msg)
		return nil
	}

	start := ts.Truncate(a.size)
	key := start.UnixNano()
	bucket, ok := a.buckets[key]
	if !ok {
		bucket = &Bucket{Start: start, End: start.Add(a.size)}
		a.buckets[key] = bucket
	}
	bucket.Count++
	bucket.Sum += a.value(msg)
	bucket.Members = append(bucket.Members, msg)
	a.mu.Unlock()

	return nil
}

// Flush emits every bucket whose window ended at or before now. Exposed for
// callers that want an explicit flush besides the background tick.
func (a *Aggregator) Flush(now time.Time) {
	a.flushDue(now)
}

// Close stops the background tick and flushes every open bucket, regardless
// of whether its window has ended. Ingest fails after Close.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.done)
	a.ticker.Stop()
	a.wg.Wait()

	a.flushAll()
	return nil
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case now := <-a.ticker.C():
			a.flushDue(now)
		}
	}
}

func (a *Aggregator) flushDue(now time.Time) {
	a.mu.Lock()
	var due []*Bucket
	for key, bucket := range a.buckets {
		if !bucket.End.After(now) {
			due = append(due, bucket)
			delete(a.buckets, key)
		}
	}
	for _, bucket := range due {
		if bucket.End.After(a.lowWater) {
			a.lowWater = bucket.End
		}
	}
	a.mu.Unlock()

	a.emit(due)
}

func (a *Aggregator) flushAll() {
	a.mu.Lock()
	var due []*Bucket
	for key, bucket := range a.buckets {
		due = append(due, bucket)
		delete(a.buckets, key)
	}
	for _, bucket := range due {
		if bucket.End.After(a.lowWater) {
			a.lowWater = bucket.End
		}
	}
	a.mu.Unlock()

	a.emit(due)
}

func (a *Aggregator) emit(due []*Bucket) {
	sort.Slice(due, func(i, j int) bool { return due[i].Start.Before(due[j].Start) })
	for _, bucket := range due {
		a.logger.Debug("Flushing window", loggingpkg.LogFields{
			"window_start": bucket.Start,
			"window_end":   bucket.End,
			"count":        bucket.Count,
		})
		a.onFlush(*bucket)
	}
}

package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline throughput and failure statistics.
type Metrics struct {
	mu sync.RWMutex

	// Per-topic dead-letter counts
	topicCounts map[string]*DeadLetterTopicMetrics

	// Prometheus collectors
	consumedTotal     *prometheus.CounterVec
	dedupSkippedTotal *prometheus.CounterVec
	retriedTotal      *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	sinkFailuresTotal *prometheus.CounterVec
	windowFlushTotal  *prometheus.CounterVec
	joinEmitTotal     *prometheus.CounterVec
	attemptsHist      *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterTopicMetrics holds dead-letter statistics for a single topic.
type DeadLetterTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgAttempts      float64   `json:"avg_attempts"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// MetricsSnapshot provides a point-in-time view of dead-letter metrics.
type MetricsSnapshot struct {
	TotalDeadLettered uint64                             `json:"total_dead_lettered"`
	TopicMetrics      map[string]*DeadLetterTopicMetrics `json:"topic_metrics"`
	CollectedAt       time.Time                          `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates a pipeline metrics collector.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		topicCounts:       make(map[string]*DeadLetterTopicMetrics),
		registerer:        registerer,
		consumedTotal:     newCounterVec("consumed_total", "Total number of messages successfully processed and acked", []string{"topic"}),
		dedupSkippedTotal: newCounterVec("dedup_skipped_total", "Total number of duplicate deliveries acked without processing", []string{"topic"}),
		retriedTotal:      newCounterVec("retried_total", "Total number of retry redeliveries scheduled", []string{"topic"}),
		deadLetteredTotal: newCounterVec("dead_lettered_total", "Total number of messages captured by the dead-letter sink", []string{"topic", "reason"}),
		sinkFailuresTotal: newCounterVec("sink_failures_total", "Total number of dead-letter publishes that failed and were dropped", []string{"topic"}),
		windowFlushTotal:  newCounterVec("window_flush_total", "Total number of window buckets flushed", []string{"name"}),
		joinEmitTotal:     newCounterVec("join_emit_total", "Total number of joined pairs emitted", []string{"name"}),
		attemptsHist:      newHistogramVec("dead_letter_attempts", "Delivery attempts made before a message was dead-lettered", []float64{1, 2, 3, 5, 10, 20}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.consumedTotal,
		m.dedupSkippedTotal,
		m.retriedTotal,
		m.deadLetteredTotal,
		m.sinkFailuresTotal,
		m.windowFlushTotal,
		m.joinEmitTotal,
		m.attemptsHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordConsumed records a successfully processed message. All record methods
// are nil-safe so callers never have to guard the metrics-disabled case.
func (m *Metrics) RecordConsumed(topic string) {
	if m == nil {
		return
	}
	m.consumedTotal.WithLabelValues(topic).Inc()
}

// RecordDedupSkipped records a duplicate delivery that was acked unprocessed.
func (m *Metrics) RecordDedupSkipped(topic string) {
	if m == nil {
		return
	}
	m.dedupSkippedTotal.WithLabelValues(topic).Inc()
}

// RecordRetried records a scheduled retry redelivery.
func (m *Metrics) RecordRetried(topic string) {
	if m == nil {
		return
	}
	m.retriedTotal.WithLabelValues(topic).Inc()
}

// RecordDeadLettered records a message captured by the dead-letter sink.
func (m *Metrics) RecordDeadLettered(topic, reason string, attempts int) {
	if m == nil {
		return
	}

	m.mu.Lock()
	stats := m.getOrCreateTopicMetrics(topic)
	stats.MessagesReceived++
	now := time.Now()
	stats.LastUpdatedAt = now
	if stats.OldestMessageAt.IsZero() {
		stats.OldestMessageAt = now
	}
	stats.NewestMessageAt = now

	total := stats.MessagesReceived
	stats.AvgAttempts = ((stats.AvgAttempts * float64(total-1)) + float64(attempts)) / float64(total)
	m.mu.Unlock()

	m.deadLetteredTotal.WithLabelValues(topic, reason).Inc()
	m.attemptsHist.WithLabelValues(topic).Observe(float64(attempts))
}

// RecordSinkFailure records a dead-letter publish that failed and was dropped.
func (m *Metrics) RecordSinkFailure(topic string) {
	if m == nil {
		return
	}
	m.sinkFailuresTotal.WithLabelValues(topic).Inc()
}

// RecordWindowFlush records a flushed window bucket.
func (m *Metrics) RecordWindowFlush(name string) {
	if m == nil {
		return
	}
	m.windowFlushTotal.WithLabelValues(name).Inc()
}

// RecordJoinEmit records an emitted joined pair.
func (m *Metrics) RecordJoinEmit(name string) {
	if m == nil {
		return
	}
	m.joinEmitTotal.WithLabelValues(name).Inc()
}

// GetSnapshot returns a point-in-time snapshot of dead-letter metrics.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		TopicMetrics: make(map[string]*DeadLetterTopicMetrics),
		CollectedAt:  time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for topic, stats := range m.topicCounts {
		statsCopy := *stats
		snapshot.TopicMetrics[topic] = &statsCopy
		snapshot.TotalDeadLettered += stats.MessagesReceived
	}

	return snapshot
}

// GetTopicMetrics returns dead-letter metrics for a specific topic, or nil.
func (m *Metrics) GetTopicMetrics(topic string) *DeadLetterTopicMetrics {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.topicCounts[topic]; ok {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

func (m *Metrics) getOrCreateTopicMetrics(topic string) *DeadLetterTopicMetrics {
	if stats, ok := m.topicCounts[topic]; ok {
		return stats
	}
	stats := &DeadLetterTopicMetrics{}
	m.topicCounts[topic] = stats
	return stats
}

// Reset resets all metrics. Useful in tests.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*DeadLetterTopicMetrics)
	m.consumedTotal.Reset()
	m.dedupSkippedTotal.Reset()
	m.retriedTotal.Reset()
	m.deadLetteredTotal.Reset()
	m.sinkFailuresTotal.Reset()
	m.windowFlushTotal.Reset()
	m.joinEmitTotal.Reset()
	m.attemptsHist.Reset()
}

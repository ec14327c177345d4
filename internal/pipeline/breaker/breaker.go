// Package breaker gates calls to unreliable downstream dependencies. The
// state machine (CLOSED -> OPEN -> HALF_OPEN) is driven by sony/gobreaker,
// pinned to the semantics the pipeline relies on: a consecutive-failure
// threshold trips the circuit, every call while open fails fast with
// ErrCircuitOpen, and after the cooldown exactly one trial call decides
// whether the circuit closes again.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/jsoncodec"
	"github.com/drblury/reflow/internal/pipeline/kvstore"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
)

// ErrCircuitOpen is returned without invoking the guarded function while the
// circuit is open (or a half-open trial is already in flight). It is a
// transient failure: callers retry with backoff rather than hammering the
// dependency.
var ErrCircuitOpen = errors.New("reflow: circuit open")

// State is the circuit position, exposed as a tagged variant rather than a
// string so callers cannot drift on spelling.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Defaults for Settings.withDefaults.
const (
	DefaultThreshold   = 5
	DefaultCooldown    = 30 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

// Settings tunes one dependency's breaker.
type Settings struct {
	// Threshold is the number of consecutive failures that trips the
	// circuit open.
	Threshold int

	// Cooldown is how long the circuit stays open before allowing the
	// half-open trial call.
	Cooldown time.Duration

	// CallTimeout bounds each guarded call; exceeding it counts as a
	// failure for both breaker and retry accounting.
	CallTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = DefaultThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultCooldown
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = DefaultCallTimeout
	}
	return s
}

// Snapshot is the persisted view of one dependency's circuit, written on
// every transition for operator triage. Restored processes start CLOSED; the
// snapshot is provenance, not replayed state.
type Snapshot struct {
	Dependency          string    `json:"dependency"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Cooldown            string    `json:"cooldown"`
}

// Breaker guards a single downstream dependency.
type Breaker struct {
	name     string
	settings Settings
	cb       *gobreaker.CircuitBreaker
	clock    clockpkg.Clock
	logger   loggingpkg.ServiceLogger
	kv       kvstore.Store

	mu       sync.Mutex
	openedAt time.Time
}

// New creates a breaker for the named dependency. kv may be nil to skip
// snapshot persistence.
func New(name string, settings Settings, clk clockpkg.Clock, logger loggingpkg.ServiceLogger, kv kvstore.Store) *Breaker {
	settings = settings.withDefaults()
	if clk == nil {
		clk = clockpkg.System()
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}

	b := &Breaker{
		name:     name,
		settings: settings,
		clock:    clk,
		logger:   logger,
		kv:       kv,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // exactly one half-open trial
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(settings.Threshold)
		},
		OnStateChange: b.onStateChange,
	})

	return b
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current circuit position.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// Execute runs fn through the circuit with the configured call timeout.
// While the circuit is open, fn is not invoked and ErrCircuitOpen is
// returned immediately.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
		defer cancel()
		return nil, fn(callCtx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.openedAt = b.clock.Now()
	}
	openedAt := b.openedAt
	b.mu.Unlock()

	b.logger.Info("Circuit state changed", loggingpkg.LogFields{
		"dependency": name,
		"from":       fromGobreaker(from).String(),
		"to":         fromGobreaker(to).String(),
	})

	b.persistSnapshot(fromGobreaker(to), openedAt)
}

func (b *Breaker) persistSnapshot(state State, openedAt time.Time) {
	if b.kv == nil {
		return
	}

	snap := Snapshot{
		Dependency:          b.name,
		State:               state.String(),
		ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
		Cooldown:            b.settings.Cooldown.String(),
	}
	if state != StateClosed {
		snap.OpenedAt = openedAt
	}

	payload, err := jsoncodec.Marshal(snap)
	if err != nil {
		b.logger.Error("Failed to encode circuit snapshot", err, loggingpkg.LogFields{"dependency": b.name})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.kv.Set(ctx, "circuit:"+b.name, string(payload), 0); err != nil {
		b.logger.Error("Failed to persist circuit snapshot", err, loggingpkg.LogFields{"dependency": b.name})
	}
}

// Registry hands out one breaker per dependency name so workers sharing a
// dependency share its circuit.
type Registry struct {
	settings Settings
	clock    clockpkg.Clock
	logger   loggingpkg.ServiceLogger
	kv       kvstore.Store

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying settings to every new breaker.
func NewRegistry(settings Settings, clk clockpkg.Clock, logger loggingpkg.ServiceLogger, kv kvstore.Store) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		clock:    clk,
		logger:   logger,
		kv:       kv,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for dependency, creating it on first use.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b := New(dependency, r.settings, r.clock, r.logger, r.kv)
	r.breakers[dependency] = b
	return b
}

// Names lists the dependencies with an instantiated breaker.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/bursa/pkg/util"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
	HalfOpenSuccesses int           `yaml:"half_open_successes"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// Breaker is the per-symbol circuit breaker guarding matching sweeps
type Breaker struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	clock util.Clock

	state             BreakerState
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int
}

func NewBreaker(cfg BreakerConfig, clock util.Clock) *Breaker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Breaker{cfg: cfg, clock: clock, state: BreakerClosed}
}

// CanProcess reports whether a sweep may run. An OPEN breaker whose reset
// timeout has elapsed moves to HALF_OPEN on this call.
func (b *Breaker) CanProcess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.state = BreakerClosed
			b.failures = 0
			b.halfOpenSuccesses = 0
		}
	case BreakerClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
}

// RecordFailure returns true when this failure opened the breaker
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.lastFailure = now
		b.halfOpenSuccesses = 0
		return true
	case BreakerClosed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			return true
		}
	case BreakerOpen:
		b.lastFailure = now
	}
	return false
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.lastFailure = time.Time{}
}

type BreakerSnapshot struct {
	State             BreakerState `json:"state"`
	Failures          int          `json:"failures"`
	LastFailure       *time.Time   `json:"lastFailure,omitempty"`
	HalfOpenSuccesses int          `json:"halfOpenSuccesses"`
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{State: b.state, Failures: b.failures, HalfOpenSuccesses: b.halfOpenSuccesses}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	return s
}

// breakers lazily creates one Breaker per symbol
type breakers struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	clock util.Clock
	m     map[string]*Breaker
}

func newBreakers(cfg BreakerConfig, clock util.Clock) *breakers {
	return &breakers{cfg: cfg, clock: clock, m: make(map[string]*Breaker)}
}

func (bs *breakers) get(symbol string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.m[symbol]
	if !ok {
		b = NewBreaker(bs.cfg, bs.clock)
		bs.m[symbol] = b
	}
	return b
}

func (bs *breakers) symbols() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]string, 0, len(bs.m))
	for s := range bs.m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (bs *breakers) snapshot() map[string]BreakerSnapshot {
	out := make(map[string]BreakerSnapshot)
	for _, s := range bs.symbols() {
		out[s] = bs.get(s).Snapshot()
	}
	return out
}

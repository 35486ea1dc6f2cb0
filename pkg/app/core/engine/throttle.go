package engine

import (
	"sync"
	"time"

	"github.com/uhyunpark/bursa/pkg/util"
)

// throttle limits book snapshots to one immediate send per cooldown window
// plus at most one trailing send when requests arrived during the window.
// The trailing send reads the book at send time.
type throttle struct {
	mu       sync.Mutex
	clock    util.Clock
	cooldown time.Duration
	send     func(symbol string)

	timers  map[string]util.Timer
	pending map[string]bool
}

func newThrottle(clock util.Clock, cooldown time.Duration, send func(string)) *throttle {
	return &throttle{
		clock:    clock,
		cooldown: cooldown,
		send:     send,
		timers:   make(map[string]util.Timer),
		pending:  make(map[string]bool),
	}
}

// Request sends now if the symbol is not cooling down, otherwise marks it
// pending. It reports whether a send happened.
func (t *throttle) Request(symbol string) bool {
	t.mu.Lock()
	if _, active := t.timers[symbol]; active {
		t.pending[symbol] = true
		t.mu.Unlock()
		return false
	}
	t.timers[symbol] = t.clock.AfterFunc(t.cooldown, func() { t.expire(symbol) })
	t.mu.Unlock()

	t.send(symbol)
	return true
}

func (t *throttle) expire(symbol string) {
	t.mu.Lock()
	delete(t.timers, symbol)
	pending := t.pending[symbol]
	delete(t.pending, symbol)
	t.mu.Unlock()

	if pending {
		t.send(symbol)
	}
}

// Force bypasses the cooldown. A trailing send that is already pending
// still fires.
func (t *throttle) Force(symbol string) {
	t.send(symbol)
}

func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, tm := range t.timers {
		tm.Stop()
		delete(t.timers, s)
	}
	clear(t.pending)
}

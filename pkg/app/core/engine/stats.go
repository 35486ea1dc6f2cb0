package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

type counters struct {
	tradesExecuted  atomic.Int64
	sweepsProcessed atomic.Int64
	errors          atomic.Int64
	circuitTrips    atomic.Int64
	lockTimeouts    atomic.Int64
	stalePurged     atomic.Int64
	staleCorrected  atomic.Int64
	broadcasts      atomic.Int64
	droppedEvents   atomic.Int64
	auctionTrades   atomic.Int64
}

// Stats is the monitoring view returned by GetStats
type Stats struct {
	TradesExecuted  int64                      `json:"tradesExecuted"`
	SweepsProcessed int64                      `json:"sweepsProcessed"`
	Errors          int64                      `json:"errors"`
	CircuitTrips    int64                      `json:"circuitBreakerTrips"`
	LockTimeouts    int64                      `json:"lockTimeouts"`
	StalePurged     int64                      `json:"staleEntriesPurged"`
	StaleCorrected  int64                      `json:"staleEntriesCorrected"`
	Broadcasts      int64                      `json:"broadcasts"`
	DroppedEvents   int64                      `json:"droppedEvents"`
	AuctionTrades   int64                      `json:"auctionTrades"`
	WindowStart     time.Time                  `json:"windowStart"`
	ActiveSymbols   int                        `json:"activeSymbols"`
	OutboxDepth     int                        `json:"outboxDepth"`
	Breakers        map[string]BreakerSnapshot `json:"circuitBreakers"`
}

type statsWindow struct {
	mu    sync.Mutex
	start time.Time
}

func (e *Engine) GetStats() Stats {
	e.window.mu.Lock()
	start := e.window.start
	e.window.mu.Unlock()

	e.mu.Lock()
	active := len(e.workers)
	e.mu.Unlock()

	return Stats{
		TradesExecuted:  e.stats.tradesExecuted.Load(),
		SweepsProcessed: e.stats.sweepsProcessed.Load(),
		Errors:          e.stats.errors.Load(),
		CircuitTrips:    e.stats.circuitTrips.Load(),
		LockTimeouts:    e.stats.lockTimeouts.Load(),
		StalePurged:     e.stats.stalePurged.Load(),
		StaleCorrected:  e.stats.staleCorrected.Load(),
		Broadcasts:      e.stats.broadcasts.Load(),
		DroppedEvents:   e.stats.droppedEvents.Load(),
		AuctionTrades:   e.stats.auctionTrades.Load(),
		WindowStart:     start,
		ActiveSymbols:   active,
		OutboxDepth:     e.outbox.Len(),
		Breakers:        e.breakers.snapshot(),
	}
}

// rollStats logs the finished window and starts a new one
func (e *Engine) rollStats() {
	now := e.clock.Now()
	e.window.mu.Lock()
	elapsed := now.Sub(e.window.start)
	e.window.start = now
	e.window.mu.Unlock()

	trades := e.stats.tradesExecuted.Swap(0)
	sweeps := e.stats.sweepsProcessed.Swap(0)
	errs := e.stats.errors.Swap(0)
	trips := e.stats.circuitTrips.Swap(0)
	timeouts := e.stats.lockTimeouts.Swap(0)
	purged := e.stats.stalePurged.Swap(0)
	corrected := e.stats.staleCorrected.Swap(0)
	broadcasts := e.stats.broadcasts.Swap(0)
	dropped := e.stats.droppedEvents.Swap(0)
	auctions := e.stats.auctionTrades.Swap(0)

	var tps float64
	if elapsed > 0 {
		tps = float64(trades) / elapsed.Seconds()
	}
	e.log.Infow("engine_stats",
		"trades", trades,
		"tps", tps,
		"sweeps", sweeps,
		"errors", errs,
		"circuit_trips", trips,
		"lock_timeouts", timeouts,
		"stale_purged", purged,
		"stale_corrected", corrected,
		"broadcasts", broadcasts,
		"dropped_events", dropped,
		"auction_trades", auctions,
	)
}

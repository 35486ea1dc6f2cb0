// Package engine runs continuous matching and call auction execution for
// every listed symbol, one worker goroutine per symbol.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/auction"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
	"github.com/uhyunpark/bursa/pkg/util"
)

var ErrClosed = errors.New("engine closed")

type Config struct {
	MaxIterations int `yaml:"max_iterations"`
	// MatchDepth and SnapshotDepth count price levels; every order at a
	// fetched level is read
	MatchDepth        int           `yaml:"match_depth"`
	SnapshotDepth     int           `yaml:"snapshot_depth"`
	SnapshotLevels    int           `yaml:"snapshot_levels"`
	SweepTimeout      time.Duration `yaml:"sweep_timeout"`
	BroadcastCooldown time.Duration `yaml:"broadcast_cooldown"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	OutboxCapacity    int           `yaml:"outbox_capacity"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:     100,
		MatchDepth:        20,
		SnapshotDepth:     50,
		SnapshotLevels:    20,
		SweepTimeout:      30 * time.Second,
		BroadcastCooldown: 500 * time.Millisecond,
		CleanupInterval:   60 * time.Second,
		StatsInterval:     60 * time.Second,
		OutboxCapacity:    4096,
		Breaker:           DefaultBreakerConfig(),
	}
}

// Phase reports the current session status
type Phase interface {
	Status() core.SessionStatus
}

// Journal receives every committed trade
type Journal interface {
	Record(t ledger.Trade, auction bool) error
}

// HealthSource is the ledger side of the health check
type HealthSource interface {
	Ping(ctx context.Context) error
	PoolStats() ledger.PoolStats
}

type Options struct {
	Config   Config
	Book     orderbook.Store
	Ledger   ledger.TradeLedger
	Registry *market.Registry
	Phase    Phase
	Notifier Notifier
	Journal  Journal
	Health   HealthSource
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

type worker struct {
	symbol string
	// signal coalesces match requests: a send while one is queued is dropped,
	// the queued one already covers it
	signal chan struct{}
	// lock is held by a sweep or an auction for this symbol
	lock chan struct{}
}

type Engine struct {
	cfg      Config
	book     orderbook.Store
	ledger   ledger.TradeLedger
	registry *market.Registry
	phase    Phase
	notifier Notifier
	journal  Journal
	health   HealthSource
	clock    util.Clock
	log      *zap.SugaredLogger

	outbox   *Outbox
	breakers *breakers
	throttle *throttle
	stats    counters
	window   statsWindow

	mu      sync.Mutex
	workers map[string]*worker
	iep     map[string]auction.Result
	closed  bool
	timers  []util.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	dispatch sync.WaitGroup
}

func New(opt Options) (*Engine, error) {
	if opt.Book == nil || opt.Ledger == nil {
		return nil, fmt.Errorf("engine requires a book store and a ledger")
	}
	cfg := opt.Config
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MatchDepth <= 0 {
		cfg.MatchDepth = def.MatchDepth
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = def.SnapshotDepth
	}
	if cfg.SnapshotLevels <= 0 {
		cfg.SnapshotLevels = def.SnapshotLevels
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = def.SweepTimeout
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = def.Breaker
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = def.OutboxCapacity
	}

	e := &Engine{
		cfg:      cfg,
		book:     opt.Book,
		ledger:   opt.Ledger,
		registry: opt.Registry,
		phase:    opt.Phase,
		notifier: opt.Notifier,
		journal:  opt.Journal,
		health:   opt.Health,
		clock:    opt.Clock,
		log:      util.OrNop(opt.Logger),
		workers:  make(map[string]*worker),
		iep:      make(map[string]auction.Result),
	}
	if e.clock == nil {
		e.clock = util.RealClock{}
	}
	if e.registry == nil {
		e.registry = market.NewRegistry()
	}
	if e.notifier == nil {
		e.notifier = NopNotifier{}
	}
	e.window.start = e.clock.Now()
	e.outbox = NewOutbox(cfg.OutboxCapacity)
	e.breakers = newBreakers(cfg.Breaker, e.clock)
	e.throttle = newThrottle(e.clock, cfg.BroadcastCooldown, e.broadcastSnapshot)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.dispatch.Add(1)
	go func() {
		defer e.dispatch.Done()
		e.outbox.Run(context.Background(), e.notifier)
	}()
	return e, nil
}

// Start arms the periodic cleanup sweep and the stats rollover
func (e *Engine) Start() {
	if e.cfg.CleanupInterval > 0 {
		e.every(e.cfg.CleanupInterval, func() {
			ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SweepTimeout)
			defer cancel()
			if _, err := e.Cleanup(ctx); err != nil {
				e.log.Errorw("cleanup_failed", "err", err)
			}
		})
	}
	if e.cfg.StatsInterval > 0 {
		e.every(e.cfg.StatsInterval, e.rollStats)
	}
	e.log.Infow("engine_started",
		"max_iterations", e.cfg.MaxIterations,
		"match_depth", e.cfg.MatchDepth,
		"sweep_timeout", e.cfg.SweepTimeout,
		"broadcast_cooldown", e.cfg.BroadcastCooldown,
	)
}

// every runs fn on a fixed cadence until Close, re-arming after each run
func (e *Engine) every(d time.Duration, fn func()) {
	e.mu.Lock()
	slot := len(e.timers)
	e.timers = append(e.timers, nil)
	e.mu.Unlock()

	var arm func()
	arm = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		e.timers[slot] = e.clock.AfterFunc(d, func() {
			if e.ctx.Err() != nil {
				return
			}
			fn()
			arm()
		})
	}
	arm()
}

// Close stops workers and timers, then drains the outbox
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, t := range e.timers {
		if t != nil {
			t.Stop()
		}
	}
	e.timers = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.throttle.Stop()
	e.outbox.Close()
	e.dispatch.Wait()
	e.log.Infow("engine_stopped")
}

func (e *Engine) currentPhase() core.SessionStatus {
	if e.phase == nil {
		return core.SessionOpen
	}
	return e.phase.Status()
}

// Match requests a sweep for symbol. It never blocks and never reports
// matching failures; an OPEN breaker drops the request.
func (e *Engine) Match(symbol string) {
	if symbol == "" {
		return
	}
	if !e.breakers.get(symbol).CanProcess() {
		return
	}
	w := e.worker(symbol)
	if w == nil {
		return
	}
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) worker(symbol string) *worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if w, ok := e.workers[symbol]; ok {
		return w
	}
	w := &worker{
		symbol: symbol,
		signal: make(chan struct{}, 1),
		lock:   make(chan struct{}, 1),
	}
	e.workers[symbol] = w
	e.wg.Add(1)
	go e.runWorker(w)
	return w
}

func (e *Engine) runWorker(w *worker) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-w.signal:
			e.runSweep(w)
		}
	}
}

// lockSymbol serialises sweeps and auctions of one symbol
func (e *Engine) lockSymbol(ctx context.Context, symbol string) (func(), error) {
	w := e.worker(symbol)
	if w == nil {
		return nil, ErrClosed
	}
	select {
	case w.lock <- struct{}{}:
		return func() { <-w.lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runSweep holds the symbol lock for at most SweepTimeout. A sweep still
// running at the deadline is abandoned and the lock released; its context is
// cancelled so it stops at the next store or ledger call.
func (e *Engine) runSweep(w *worker) {
	if !e.breakers.get(w.symbol).CanProcess() {
		return
	}
	unlock, err := e.lockSymbol(e.ctx, w.symbol)
	if err != nil {
		return
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SweepTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.sweep(ctx, w.symbol)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	// a sweep cut short by the deadline counts even if it returned first
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.stats.lockTimeouts.Add(1)
		e.log.Warnw("sweep_timeout", "symbol", w.symbol, "timeout", e.cfg.SweepTimeout)
	}
}

// OnOrderPlaced routes a placement to continuous matching or the indicative
// price, depending on the phase
func (e *Engine) OnOrderPlaced(symbol string) {
	switch phase := e.currentPhase(); phase {
	case core.SessionOpen:
		e.Match(symbol)
	case core.SessionPreOpen, core.SessionLocked:
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SweepTimeout)
		defer cancel()
		// LOCKED keeps the value current but only the refresh cadence publishes it
		if _, _, err := e.RecomputeIEP(ctx, symbol, phase == core.SessionPreOpen); err != nil {
			e.log.Warnw("iep_recompute_failed", "symbol", symbol, "err", err)
		}
		e.throttle.Request(symbol)
	}
}

// OnOrderCanceled removes the order's exact book entry and forces a snapshot
func (e *Engine) OnOrderCanceled(ctx context.Context, symbol string, side core.Side, orderID string) error {
	r, found, err := orderbook.FindOrder(ctx, e.book, symbol, side, orderID)
	if err != nil {
		return fmt.Errorf("find book entry: %w", err)
	}
	if found {
		if err := orderbook.RemoveExact(ctx, e.book, orderbook.Key(symbol, side), r.Member); err != nil {
			return fmt.Errorf("remove book entry: %w", err)
		}
	}
	if phase := e.currentPhase(); phase.Auction() {
		if _, _, err := e.RecomputeIEP(ctx, symbol, phase == core.SessionPreOpen); err != nil {
			e.log.Warnw("iep_recompute_failed", "symbol", symbol, "err", err)
		}
	}
	e.ForceBroadcast(symbol)
	return nil
}

// ResetCircuitBreaker closes one breaker, or all of them for an empty symbol
func (e *Engine) ResetCircuitBreaker(symbol string) []string {
	symbols := []string{symbol}
	if symbol == "" {
		symbols = e.breakers.symbols()
	}
	for _, s := range symbols {
		e.breakers.get(s).Reset()
	}
	e.log.Infow("circuit_breaker_reset", "symbols", symbols)
	return symbols
}

func (e *Engine) BreakerState(symbol string) BreakerState {
	return e.breakers.get(symbol).Snapshot().State
}

// ForceBroadcast sends a book snapshot regardless of the cooldown
func (e *Engine) ForceBroadcast(symbol string) {
	e.throttle.Force(symbol)
}

func (e *Engine) requestBroadcast(symbol string) {
	e.throttle.Request(symbol)
}

func (e *Engine) publish(channel, event string, data any) {
	if err := e.outbox.TryPublish(Event{Channel: channel, Type: event, Data: data}); err != nil {
		e.stats.droppedEvents.Add(1)
		e.log.Warnw("notification_dropped", "channel", channel, "event", event, "err", err)
	}
}

// PublishOrderStatus tells an order's owner about a status change that did not
// come from a fill, such as a cancel or a session close
func (e *Engine) PublishOrderStatus(o ledger.Order) {
	if o.UserID == "" {
		return
	}
	e.publish(UserChannel(o.UserID), EventOrderStatus, OrderStatusUpdate{
		OrderID:         o.ID,
		Status:          o.Status,
		Price:           o.Price,
		MatchedQuantity: o.Quantity - o.Remaining,
		Remaining:       o.Remaining,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Timestamp:       e.clock.Now().UnixMilli(),
	})
}

// Snapshot aggregates the top of both sides into price levels
func (e *Engine) Snapshot(ctx context.Context, symbol string) (BookSnapshot, error) {
	buys, _, err := orderbook.Top(ctx, e.book, symbol, core.Buy, e.cfg.SnapshotDepth)
	if err != nil {
		return BookSnapshot{}, err
	}
	sells, _, err := orderbook.Top(ctx, e.book, symbol, core.Sell, e.cfg.SnapshotDepth)
	if err != nil {
		return BookSnapshot{}, err
	}
	return BookSnapshot{
		Symbol:    symbol,
		Bids:      orderbook.Aggregate(core.Buy, buys, e.cfg.SnapshotLevels),
		Asks:      orderbook.Aggregate(core.Sell, sells, e.cfg.SnapshotLevels),
		Timestamp: e.clock.Now().UnixMilli(),
	}, nil
}

func (e *Engine) broadcastSnapshot(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SweepTimeout)
	defer cancel()
	snap, err := e.Snapshot(ctx, symbol)
	if err != nil {
		e.log.Warnw("snapshot_failed", "symbol", symbol, "err", err)
		return
	}
	e.stats.broadcasts.Add(1)
	e.publish(MarketChannel(symbol), EventOrderbookUpdate, snap)
}

// purge drops malformed or stale members from one side of a book
func (e *Engine) purge(ctx context.Context, symbol string, side core.Side, members []orderbook.Member, reason string) {
	if len(members) == 0 {
		return
	}
	var b orderbook.Batch
	key := orderbook.Key(symbol, side)
	for _, m := range members {
		b.Remove(key, m)
	}
	if err := e.book.Apply(ctx, &b); err != nil {
		e.log.Errorw("purge_failed", "symbol", symbol, "side", side, "count", len(members), "err", err)
		return
	}
	e.stats.stalePurged.Add(int64(len(members)))
	e.log.Warnw("book_entries_purged", "symbol", symbol, "side", side, "count", len(members), "reason", reason)
}

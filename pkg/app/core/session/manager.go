package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/auction"
	"github.com/uhyunpark/bursa/pkg/app/core/engine"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
	"github.com/uhyunpark/bursa/pkg/util"
)

type Timers struct {
	PreOpen    time.Duration `yaml:"pre_open"`
	Locked     time.Duration `yaml:"locked"`
	IEPRefresh time.Duration `yaml:"iep_refresh"`
}

func DefaultTimers() Timers {
	return Timers{
		PreOpen:    15 * time.Second,
		Locked:     5 * time.Second,
		IEPRefresh: time.Second,
	}
}

// Ledger is the part of the durable ledger the manager drives
type Ledger interface {
	ledger.SessionLedger
	PrevClose(ctx context.Context, stockID int64) (int64, error)
}

// Engine is what the manager asks of the matching engine at each transition
type Engine interface {
	RecomputeIEP(ctx context.Context, symbol string, publish bool) (auction.Result, bool, error)
	ExecuteAuction(ctx context.Context, symbol string) (engine.AuctionReport, error)
	Match(symbol string)
	PurgeBook(ctx context.Context, symbols []string) error
	ForceBroadcast(symbol string)
	PublishOrderStatus(o ledger.Order)
}

type Options struct {
	Timers           Timers
	DefaultPrevClose int64
	// OpTimeout bounds each timer-driven transition
	OpTimeout time.Duration
	Ledger    Ledger
	Book      orderbook.Store
	Registry  *market.Registry
	Engine    Engine
	State     *State
	Clock     util.Clock
	Logger    *zap.SugaredLogger
}

// Info is the admin view of the session
type Info struct {
	Status    core.SessionStatus `json:"status"`
	SessionID int64              `json:"sessionId,omitempty"`
	Number    int64              `json:"sessionNumber,omitempty"`
	StartedAt *time.Time         `json:"startedAt,omitempty"`
	// NextPhaseAt is when the running timer moves the session on
	NextPhaseAt *time.Time `json:"nextPhaseAt,omitempty"`
}

type Manager struct {
	timers    Timers
	prevClose int64
	opTimeout time.Duration
	ledger    Ledger
	book      orderbook.Store
	registry  *market.Registry
	engine    Engine
	state     *State
	clock     util.Clock
	log       *zap.SugaredLogger

	mu      sync.Mutex
	current *ledger.Session
	// gen invalidates timers armed for an earlier phase
	gen     uint64
	pending []util.Timer
	next    time.Time
}

func NewManager(opt Options) (*Manager, error) {
	if opt.Ledger == nil || opt.Book == nil || opt.Engine == nil {
		return nil, fmt.Errorf("session manager requires a ledger, a book store and an engine")
	}
	m := &Manager{
		timers:    opt.Timers,
		prevClose: opt.DefaultPrevClose,
		opTimeout: opt.OpTimeout,
		ledger:    opt.Ledger,
		book:      opt.Book,
		registry:  opt.Registry,
		engine:    opt.Engine,
		state:     opt.State,
		clock:     opt.Clock,
		log:       util.OrNop(opt.Logger),
	}
	def := DefaultTimers()
	if m.timers.PreOpen <= 0 {
		m.timers.PreOpen = def.PreOpen
	}
	if m.timers.Locked <= 0 {
		m.timers.Locked = def.Locked
	}
	if m.timers.IEPRefresh <= 0 {
		m.timers.IEPRefresh = def.IEPRefresh
	}
	if m.prevClose <= 0 {
		m.prevClose = 1000
	}
	if m.opTimeout <= 0 {
		m.opTimeout = 30 * time.Second
	}
	if m.registry == nil {
		m.registry = market.NewRegistry()
	}
	if m.state == nil {
		m.state = NewState(core.SessionClosed)
	}
	if m.clock == nil {
		m.clock = util.RealClock{}
	}
	return m, nil
}

func (m *Manager) Status() core.SessionStatus { return m.state.Status() }

func (m *Manager) State() *State { return m.state }

func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{Status: m.state.Status()}
	if m.current != nil {
		info.SessionID = m.current.ID
		info.Number = m.current.Number
		started := m.current.StartedAt
		info.StartedAt = &started
	}
	if !m.next.IsZero() {
		next := m.next
		info.NextPhaseAt = &next
	}
	return info
}

// Start loads listed instruments and resumes a session left running by a
// previous process. An auction phase restarts its timer from now.
func (m *Manager) Start(ctx context.Context) error {
	stocks, err := m.ledger.ActiveStocks(ctx)
	if err != nil {
		return fmt.Errorf("load stocks: %w", err)
	}
	for _, st := range stocks {
		prev, err := m.ledger.PrevClose(ctx, st.ID)
		if err != nil {
			return fmt.Errorf("prev close of %s: %w", st.Symbol, err)
		}
		if prev <= 0 {
			prev = m.prevClose
		}
		m.registry.Upsert(market.Instrument{
			StockID:   st.ID,
			Symbol:    st.Symbol,
			Name:      st.Name,
			Active:    true,
			PrevClose: prev,
			Bands:     pricing.ComputeBands(prev),
		})
	}

	sess, err := m.ledger.CurrentSession(ctx)
	if err != nil {
		return fmt.Errorf("load current session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = sess
	if sess == nil {
		m.state.set(core.SessionClosed)
		m.log.Infow("session_idle", "instruments", len(stocks))
		return nil
	}
	m.state.set(sess.Status)
	switch sess.Status {
	case core.SessionPreOpen:
		m.armLocked(m.timers.PreOpen, m.lock)
	case core.SessionLocked:
		m.armLocked(m.timers.Locked, m.goLive)
		m.armRefresh()
	}
	m.log.Infow("session_resumed", "session_id", sess.ID, "status", sess.Status, "instruments", len(stocks))
	return nil
}

// Open starts a new session in PRE_OPEN: fresh bands for every active
// instrument, migrated orders put back in the book, and the pre-open timer
// armed.
func (m *Manager) Open(ctx context.Context) (ledger.OpenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.state.Status(); st != core.SessionClosed && st != core.SessionBreak {
		return ledger.OpenResult{}, fmt.Errorf("%w: session is %s", ledger.ErrSessionActive, st)
	}
	res, err := m.ledger.OpenSession(ctx, m.clock.Now(), m.prevClose)
	if err != nil {
		return res, fmt.Errorf("open session: %w", err)
	}
	for _, d := range res.Daily {
		m.refreshInstrument(d)
	}

	symbols, err := m.restoreBook(ctx, res.Migrated)
	if err != nil {
		// the session row exists; orders stay in the ledger for the next open
		m.log.Errorw("order_migration_failed", "session_id", res.Session.ID, "err", err)
	}

	sess := res.Session
	m.current = &sess
	m.state.set(core.SessionPreOpen)
	m.gen++
	m.armLocked(m.timers.PreOpen, m.lock)

	for _, sym := range m.registry.ActiveSymbols() {
		if _, _, err := m.engine.RecomputeIEP(ctx, sym, true); err != nil {
			m.log.Warnw("iep_recompute_failed", "symbol", sym, "err", err)
		}
	}
	for _, sym := range symbols {
		m.engine.ForceBroadcast(sym)
	}
	m.log.Infow("session_opened",
		"session_id", sess.ID,
		"number", sess.Number,
		"instruments", len(res.Daily),
		"migrated", len(res.Migrated),
	)
	return res, nil
}

func (m *Manager) refreshInstrument(d ledger.DailyData) {
	if m.registry.Exists(d.Symbol) {
		if _, err := m.registry.SetDaily(d.Symbol, d.PrevClose); err == nil {
			_ = m.registry.SetActive(d.Symbol, true)
			return
		}
	}
	m.registry.Upsert(market.Instrument{
		StockID:   d.StockID,
		Symbol:    d.Symbol,
		Active:    true,
		PrevClose: d.PrevClose,
		Bands:     d.Bands,
	})
}

// restoreBook inserts migrated orders in one batch and returns the symbols
// that received entries
func (m *Manager) restoreBook(ctx context.Context, orders []ledger.Order) ([]string, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	var (
		b       orderbook.Batch
		symbols []string
		seen    = make(map[string]struct{})
	)
	for _, o := range orders {
		symbol := o.Symbol
		if symbol == "" {
			s, ok := m.registry.SymbolFor(o.StockID)
			if !ok {
				m.log.Warnw("migrated_order_unlisted", "order_id", o.ID, "stock_id", o.StockID)
				continue
			}
			symbol = s
		}
		e := orderbook.Entry{
			OrderID:   o.ID,
			Owner:     core.Real(o.UserID),
			StockID:   o.StockID,
			Symbol:    symbol,
			Side:      o.Side,
			Price:     o.Price,
			Quantity:  o.Quantity,
			Remaining: o.Remaining,
			Timestamp: o.Timestamp,
			RefPrice:  o.RefPrice,
		}
		payload, err := e.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode order %s: %w", o.ID, err)
		}
		b.Insert(orderbook.Key(symbol, o.Side), o.Price, payload)
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			symbols = append(symbols, symbol)
		}
	}
	if err := m.book.Apply(ctx, &b); err != nil {
		return nil, fmt.Errorf("insert migrated orders: %w", err)
	}
	return symbols, nil
}

// lock freezes the indicative price display. Runs from the pre-open timer.
func (m *Manager) lock() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	if err := m.setStatus(ctx, core.SessionLocked); err != nil {
		m.log.Errorw("session_lock_failed", "err", err)
		return
	}
	for _, sym := range m.registry.ActiveSymbols() {
		if _, _, err := m.engine.RecomputeIEP(ctx, sym, true); err != nil {
			m.log.Warnw("iep_recompute_failed", "symbol", sym, "err", err)
		}
	}

	m.mu.Lock()
	m.armLocked(m.timers.Locked, m.goLive)
	m.armRefresh()
	m.mu.Unlock()
	m.log.Infow("session_locked", "symbols", len(m.registry.ActiveSymbols()))
}

// goLive runs the opening cross for every symbol, then hands the book to
// continuous matching
func (m *Manager) goLive() {
	m.mu.Lock()
	m.gen++
	m.stopTimers()
	m.mu.Unlock()

	symbols := m.registry.ActiveSymbols()
	var executed int64
	for _, sym := range symbols {
		ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
		rep, err := m.engine.ExecuteAuction(ctx, sym)
		cancel()
		if err != nil {
			m.log.Errorw("auction_failed", "symbol", sym, "executed", rep.Executed, "err", err)
		}
		executed += rep.Executed
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	if err := m.setStatus(ctx, core.SessionOpen); err != nil {
		m.log.Errorw("session_open_failed", "err", err)
		return
	}
	for _, sym := range symbols {
		m.engine.Match(sym)
	}
	m.log.Infow("session_continuous", "symbols", len(symbols), "auction_volume", executed)
}

func (m *Manager) setStatus(ctx context.Context, st core.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ledger.ErrNoActiveSession
	}
	if err := m.ledger.SetSessionStatus(ctx, m.current.ID, st); err != nil {
		return err
	}
	m.current.Status = st
	m.state.set(st)
	return nil
}

// Close ends the session: every resting order is cancelled with buy-side
// refunds, every book is emptied, and owners are told.
func (m *Manager) Close(ctx context.Context) (ledger.CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status() == core.SessionClosed {
		return ledger.CloseResult{}, ledger.ErrNoActiveSession
	}
	res, err := m.ledger.CloseSession(ctx, m.clock.Now())
	if err != nil {
		return res, fmt.Errorf("close session: %w", err)
	}
	m.gen++
	m.stopTimers()
	m.current = nil
	m.state.set(core.SessionClosed)

	symbols := m.registry.ActiveSymbols()
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		seen[s] = struct{}{}
	}
	for _, o := range res.Canceled {
		if _, ok := seen[o.Symbol]; !ok && o.Symbol != "" {
			seen[o.Symbol] = struct{}{}
			symbols = append(symbols, o.Symbol)
		}
	}
	if err := m.engine.PurgeBook(ctx, symbols); err != nil {
		m.log.Errorw("book_purge_failed", "err", err)
	}
	for _, o := range res.Canceled {
		m.engine.PublishOrderStatus(o)
	}
	m.log.Infow("session_closed",
		"session_id", res.Session.ID,
		"canceled", len(res.Canceled),
		"refunded", res.Refunded,
	)
	return res, nil
}

// Stop disarms every timer without touching the ledger
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.stopTimers()
}

// armLocked schedules fn once for the current generation. Callers hold mu.
func (m *Manager) armLocked(d time.Duration, fn func()) {
	gen := m.gen
	m.next = m.clock.Now().Add(d)
	t := m.clock.AfterFunc(d, func() {
		if !m.live(gen) {
			return
		}
		fn()
	})
	m.pending = append(m.pending, t)
}

// armRefresh republishes the indicative price while LOCKED. Callers hold mu.
func (m *Manager) armRefresh() {
	gen := m.gen
	var tick func()
	tick = func() {
		if !m.live(gen) || m.state.Status() != core.SessionLocked {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
		for _, sym := range m.registry.ActiveSymbols() {
			if _, _, err := m.engine.RecomputeIEP(ctx, sym, true); err != nil {
				m.log.Warnw("iep_refresh_failed", "symbol", sym, "err", err)
			}
		}
		cancel()

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen == gen {
			m.pending = append(m.pending, m.clock.AfterFunc(m.timers.IEPRefresh, tick))
		}
	}
	m.pending = append(m.pending, m.clock.AfterFunc(m.timers.IEPRefresh, tick))
}

func (m *Manager) live(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) stopTimers() {
	for _, t := range m.pending {
		t.Stop()
	}
	m.pending = nil
	m.next = time.Time{}
}

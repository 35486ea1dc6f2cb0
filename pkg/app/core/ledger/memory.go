package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
)

type holdingKey struct {
	userID  string
	stockID int64
}

type dailyKey struct {
	stockID   int64
	sessionID int64
}

// Memory is a process-local Ledger. A single mutex stands in for the
// transaction and row locks of the relational ledger, so every method is
// atomic with respect to every other.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	stocks   map[int64]*Stock
	orders   map[string]*Order
	trades   []Trade
	holdings map[holdingKey]*Holding
	sessions []*Session
	daily    map[dailyKey]*DailyData
	closes   map[int64]int64 // stock id -> last close seen outside any session row
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		stocks:   make(map[int64]*Stock),
		orders:   make(map[string]*Order),
		holdings: make(map[holdingKey]*Holding),
		daily:    make(map[dailyKey]*DailyData),
		closes:   make(map[int64]int64),
		now:      time.Now,
	}
}

// ============================================================================
// Seeding
// ============================================================================

// AddStock lists an instrument
func (m *Memory) AddStock(s Stock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.stocks[s.ID] = &cp
}

// Deposit credits cash, creating the account if needed
func (m *Memory) Deposit(userID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(userID).Balance += amount
}

// SetHolding overwrites a user's position in a stock
func (m *Memory) SetHolding(userID string, stockID int64, qty int64, avg decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[holdingKey{userID, stockID}] = &Holding{UserID: userID, StockID: stockID, Quantity: qty, AvgPrice: avg}
}

// SetLastClose seeds the close used when no session row exists yet
func (m *Memory) SetLastClose(stockID, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes[stockID] = price
}

// Trades returns a copy of every recorded trade
func (m *Memory) Trades() []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Trade(nil), m.trades...)
}

func (m *Memory) account(userID string) *Account {
	acc, ok := m.accounts[userID]
	if !ok {
		acc = &Account{ID: userID}
		m.accounts[userID] = acc
	}
	return acc
}

func (m *Memory) current() *Session {
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if m.sessions[i].Status != core.SessionClosed {
			return m.sessions[i]
		}
	}
	return nil
}

func (m *Memory) latest() *Session {
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

// lastClose walks session rows newest first
func (m *Memory) lastClose(stockID int64) (int64, bool) {
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if d, ok := m.daily[dailyKey{stockID, m.sessions[i].ID}]; ok {
			if d.Close > 0 {
				return d.Close, true
			}
			return d.PrevClose, true
		}
	}
	c, ok := m.closes[stockID]
	return c, ok
}

// ============================================================================
// TradeLedger
// ============================================================================

func (m *Memory) ExecuteTrade(_ context.Context, req TradeRequest) (TradeResult, error) {
	if req.Quantity <= 0 || req.Price <= 0 {
		return TradeResult{}, fmt.Errorf("invalid trade %d@%d", req.Quantity, req.Price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	buy, err := m.lockLeg(req.Buy, core.Buy, req.Quantity)
	if err != nil {
		return TradeResult{}, err
	}
	sell, err := m.lockLeg(req.Sell, core.Sell, req.Quantity)
	if err != nil {
		return TradeResult{}, err
	}

	// Seller must still own the shares; checked before any write
	var sellerHolding *Holding
	if !req.Sell.Owner.IsMarketMaker() {
		sellerHolding = m.holdings[holdingKey{req.Sell.Owner.AccountID, req.StockID}]
		if sellerHolding == nil || sellerHolding.Quantity < req.Quantity {
			return TradeResult{}, fmt.Errorf("seller %s: %w", req.Sell.Owner.AccountID, ErrInsufficientHoldings)
		}
	}

	executedAt := req.ExecutedAt
	if executedAt.IsZero() {
		executedAt = m.now()
	}
	trade := Trade{
		ID:         uuid.NewString(),
		StockID:    req.StockID,
		Symbol:     req.Symbol,
		Price:      req.Price,
		Quantity:   req.Quantity,
		ExecutedAt: executedAt,
	}
	res := TradeResult{
		Buy:  LegResult{OrderID: req.Buy.OrderID, Owner: req.Buy.Owner},
		Sell: LegResult{OrderID: req.Sell.OrderID, Owner: req.Sell.Owner},
	}

	if buy != nil {
		id := buy.ID
		trade.BuyOrderID = &id
		buy.Remaining -= req.Quantity
		buy.Status = core.StatusFor(buy.Remaining)
		buy.UpdatedAt = executedAt
		res.Buy.Remaining, res.Buy.Status = buy.Remaining, buy.Status
	}
	if sell != nil {
		id := sell.ID
		trade.SellOrderID = &id
		sell.Remaining -= req.Quantity
		sell.Status = core.StatusFor(sell.Remaining)
		sell.UpdatedAt = executedAt
		res.Sell.Remaining, res.Sell.Status = sell.Remaining, sell.Status
	}

	if !req.Buy.Owner.IsMarketMaker() {
		buyer := req.Buy.Owner.AccountID
		key := holdingKey{buyer, req.StockID}
		h := m.holdings[key]
		if h == nil {
			h = &Holding{UserID: buyer, StockID: req.StockID}
			m.holdings[key] = h
		}
		h.AvgPrice = WeightedAverage(h.Quantity, h.AvgPrice, req.Quantity, req.Price)
		h.Quantity += req.Quantity
		if req.Buy.LimitPrice > req.Price {
			res.Buy.Refund = Cost(req.Buy.LimitPrice-req.Price, req.Quantity)
			m.account(buyer).Balance += res.Buy.Refund
		}
	}
	if sellerHolding != nil {
		m.account(req.Sell.Owner.AccountID).Balance += Cost(req.Price, req.Quantity)
		sellerHolding.Quantity -= req.Quantity
	}

	res.Daily = m.applyDaily(req.StockID, req.Symbol, req.Price, req.Quantity)
	m.trades = append(m.trades, trade)
	res.Trade = trade
	return res, nil
}

// lockLeg validates a real leg against the ledger; market-maker legs have no row
func (m *Memory) lockLeg(leg TradeLeg, side core.Side, qty int64) (*Order, error) {
	if leg.Owner.IsMarketMaker() {
		return nil, nil
	}
	o, ok := m.orders[leg.OrderID]
	if !ok {
		return nil, &StaleOrderError{OrderID: leg.OrderID}
	}
	if !o.Status.Active() || o.Side != side {
		return nil, &StaleOrderError{OrderID: leg.OrderID, Status: o.Status}
	}
	if o.Remaining < qty {
		return nil, &StaleOrderError{OrderID: leg.OrderID, Status: o.Status, Remaining: o.Remaining}
	}
	return o, nil
}

func (m *Memory) applyDaily(stockID int64, symbol string, price, qty int64) DailyData {
	sess := m.current()
	if sess == nil {
		sess = m.latest()
	}
	if sess == nil {
		d := DailyData{StockID: stockID, Symbol: symbol}
		d.Apply(price, qty)
		m.closes[stockID] = price
		return d
	}
	key := dailyKey{stockID, sess.ID}
	d, ok := m.daily[key]
	if !ok {
		prev, _ := m.lastClose(stockID)
		d = &DailyData{StockID: stockID, Symbol: symbol, SessionID: sess.ID, PrevClose: prev, Close: prev, Bands: pricing.ComputeBands(prev)}
		m.daily[key] = d
	}
	d.Apply(price, qty)
	return *d
}

func (m *Memory) PrevClose(_ context.Context, stockID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess := m.current(); sess != nil {
		if d, ok := m.daily[dailyKey{stockID, sess.ID}]; ok {
			return d.PrevClose, nil
		}
	}
	c, _ := m.lastClose(stockID)
	return c, nil
}

// ============================================================================
// SessionLedger
// ============================================================================

func (m *Memory) CurrentSession(context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.current(); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) ActiveStocks(context.Context) ([]Stock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeStocks(), nil
}

func (m *Memory) activeStocks() []Stock {
	out := make([]Stock, 0, len(m.stocks))
	for _, s := range m.stocks {
		if s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) OpenSession(_ context.Context, now time.Time, defaultPrevClose int64) (OpenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current() != nil {
		return OpenResult{}, ErrSessionActive
	}
	prev := m.latest()

	sess := &Session{ID: int64(len(m.sessions) + 1), Number: int64(len(m.sessions) + 1), Status: core.SessionPreOpen, StartedAt: now}

	var res OpenResult
	for _, st := range m.activeStocks() {
		prevClose, ok := m.lastClose(st.ID)
		if !ok || prevClose <= 0 {
			prevClose = defaultPrevClose
		}
		d := &DailyData{
			StockID:   st.ID,
			Symbol:    st.Symbol,
			SessionID: sess.ID,
			PrevClose: prevClose,
			Close:     prevClose,
			Bands:     pricing.ComputeBands(prevClose),
		}
		m.daily[dailyKey{st.ID, sess.ID}] = d
		res.Daily = append(res.Daily, *d)
	}
	m.sessions = append(m.sessions, sess)

	for _, o := range m.orders {
		if o.Status != core.StatusPending {
			continue
		}
		if o.SessionID != nil && (prev == nil || *o.SessionID != prev.ID) {
			continue
		}
		id := sess.ID
		o.SessionID = &id
		res.Migrated = append(res.Migrated, *o)
	}
	sort.Slice(res.Migrated, func(i, j int) bool { return res.Migrated[i].Timestamp < res.Migrated[j].Timestamp })

	res.Session = *sess
	return res, nil
}

func (m *Memory) SetSessionStatus(_ context.Context, sessionID int64, status core.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == sessionID {
			s.Status = status
			return nil
		}
	}
	return fmt.Errorf("session %d not found", sessionID)
}

func (m *Memory) CloseSession(_ context.Context, now time.Time) (CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.current()
	if sess == nil {
		return CloseResult{}, ErrNoActiveSession
	}
	sess.Status = core.SessionClosed
	ended := now
	sess.EndedAt = &ended

	var res CloseResult
	for _, o := range m.orders {
		if !o.Status.Active() {
			continue
		}
		if o.Side == core.Buy {
			refund := Cost(o.Price, o.Remaining)
			m.account(o.UserID).Balance += refund
			res.Refunded += refund
		}
		o.Status = core.StatusCanceled
		o.UpdatedAt = now
		res.Canceled = append(res.Canceled, *o)
	}
	sort.Slice(res.Canceled, func(i, j int) bool { return res.Canceled[i].Timestamp < res.Canceled[j].Timestamp })
	res.Session = *sess
	return res, nil
}

// ============================================================================
// OrderLedger
// ============================================================================

func (m *Memory) PlaceOrder(_ context.Context, req PlaceOrder) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stocks[req.StockID]; !ok {
		return Order{}, ErrStockNotFound
	}
	acc, ok := m.accounts[req.UserID]
	if !ok {
		return Order{}, ErrAccountNotFound
	}

	var ref *decimal.Decimal
	switch req.Side {
	case core.Buy:
		cost := Cost(req.Price, req.Quantity)
		if acc.Balance < cost {
			return Order{}, ErrInsufficientBalance
		}
		acc.Balance -= cost
	case core.Sell:
		h := m.holdings[holdingKey{req.UserID, req.StockID}]
		if h == nil || h.Quantity-m.queuedSells(req.UserID, req.StockID) < req.Quantity {
			return Order{}, ErrInsufficientHoldings
		}
		avg := h.AvgPrice
		ref = &avg
	}

	now := m.now()
	o := &Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		StockID:   req.StockID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Remaining: req.Quantity,
		Status:    core.StatusPending,
		Timestamp: req.Timestamp,
		RefPrice:  ref,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sess := m.current(); sess != nil {
		id := sess.ID
		o.SessionID = &id
	} else if sess := m.latest(); sess != nil {
		id := sess.ID
		o.SessionID = &id
	}
	m.orders[o.ID] = o
	return *o, nil
}

func (m *Memory) queuedSells(userID string, stockID int64) int64 {
	var n int64
	for _, o := range m.orders {
		if o.UserID == userID && o.StockID == stockID && o.Side == core.Sell && o.Status.Active() {
			n += o.Remaining
		}
	}
	return n
}

func (m *Memory) CancelOrder(_ context.Context, userID, orderID string) (Order, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.UserID != userID {
		return Order{}, 0, ErrOrderNotFound
	}
	if !o.Status.Active() {
		return Order{}, 0, fmt.Errorf("%w (status: %s)", ErrNotCancellable, o.Status)
	}
	var refund int64
	if o.Side == core.Buy {
		refund = Cost(o.Price, o.Remaining)
		m.account(userID).Balance += refund
	}
	o.Status = core.StatusCanceled
	o.UpdatedAt = m.now()
	return *o, refund, nil
}

func (m *Memory) GetOrder(_ context.Context, orderID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *o, nil
}

func (m *Memory) ActiveOrders(_ context.Context, userID string) ([]Order, error) {
	return m.userOrders(userID, 0, func(o *Order) bool { return o.Status.Active() }), nil
}

func (m *Memory) OrderHistory(_ context.Context, userID string, limit int) ([]Order, error) {
	return m.userOrders(userID, limit, func(*Order) bool { return true }), nil
}

func (m *Memory) userOrders(userID string, limit int, keep func(*Order) bool) []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0)
	for _, o := range m.orders {
		if o.UserID == userID && keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) Portfolio(_ context.Context, userID string) ([]Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Holding, 0)
	for k, h := range m.holdings {
		if k.userID != userID || h.Quantity <= 0 {
			continue
		}
		cp := *h
		if s, ok := m.stocks[k.stockID]; ok {
			cp.Symbol = s.Symbol
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockID < out[j].StockID })
	return out, nil
}

func (m *Memory) Account(_ context.Context, userID string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

func (m *Memory) DailyData(_ context.Context, stockID int64) (DailyData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if d, ok := m.daily[dailyKey{stockID, m.sessions[i].ID}]; ok {
			return *d, nil
		}
	}
	return DailyData{}, ErrStockNotFound
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) PoolStats() PoolStats       { return PoolStats{} }
func (m *Memory) Close() error               { return nil }

var _ Ledger = (*Memory)(nil)

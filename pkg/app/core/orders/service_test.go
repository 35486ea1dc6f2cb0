package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
	"github.com/uhyunpark/bursa/pkg/util"
)

type engineSpy struct {
	mu       sync.Mutex
	book     orderbook.Store
	placed   []string
	canceled []string
	statuses []ledger.Order
}

func (s *engineSpy) OnOrderPlaced(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, symbol)
}

func (s *engineSpy) OnOrderCanceled(ctx context.Context, symbol string, side core.Side, orderID string) error {
	s.mu.Lock()
	s.canceled = append(s.canceled, orderID)
	s.mu.Unlock()
	r, ok, err := orderbook.FindOrder(ctx, s.book, symbol, side, orderID)
	if err != nil || !ok {
		return err
	}
	return orderbook.RemoveExact(ctx, s.book, orderbook.Key(symbol, side), r.Member)
}

func (s *engineSpy) PublishOrderStatus(o ledger.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, o)
}

type phase struct{ status core.SessionStatus }

func (p *phase) Status() core.SessionStatus { return p.status }

type fixture struct {
	ctx    context.Context
	svc    *Service
	ledger *ledger.Memory
	book   *orderbook.MemoryStore
	engine *engineSpy
	phase  *phase
	clock  *util.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		ledger: ledger.NewMemory(),
		book:   orderbook.NewMemoryStore(),
		phase:  &phase{status: core.SessionOpen},
		clock:  util.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	f.engine = &engineSpy{book: f.book}
	f.ledger.AddStock(ledger.Stock{ID: 1, Symbol: "BBCA", Active: true})
	f.ledger.AddStock(ledger.Stock{ID: 2, Symbol: "GOTO", Active: false})
	f.ledger.Deposit("alice", 10_000_000)
	f.ledger.Deposit("bob", 0)
	f.ledger.SetHolding("bob", 1, 20, decimal.NewFromInt(900))

	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.Instrument{StockID: 1, Symbol: "BBCA", Active: true}))
	require.NoError(t, reg.Register(market.Instrument{StockID: 2, Symbol: "GOTO"}))
	_, err := reg.SetDaily("BBCA", 1000)
	require.NoError(t, err)

	f.svc, err = NewService(Options{
		Ledger:   f.ledger,
		Book:     f.book,
		Registry: reg,
		Engine:   f.engine,
		Phase:    f.phase,
		Clock:    f.clock,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) bookSize(t *testing.T, side core.Side) int64 {
	t.Helper()
	n, err := f.book.Count(f.ctx, orderbook.Key("BBCA", side))
	require.NoError(t, err)
	return n
}

func TestPlace_Validation(t *testing.T) {
	f := newFixture(t)
	valid := PlaceRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 1}

	tests := []struct {
		name   string
		mutate func(*PlaceRequest)
		want   error
	}{
		{"zero quantity", func(r *PlaceRequest) { r.Quantity = 0 }, ErrInvalidQuantity},
		{"negative price", func(r *PlaceRequest) { r.Price = -5 }, ErrInvalidPrice},
		{"bad side", func(r *PlaceRequest) { r.Side = "HOLD" }, ErrInvalidSide},
		{"no user", func(r *PlaceRequest) { r.UserID = "" }, ErrMissingUser},
		{"unknown symbol", func(r *PlaceRequest) { r.Symbol = "XXXX" }, ErrUnknownSymbol},
		{"inactive symbol", func(r *PlaceRequest) { r.Symbol = "GOTO" }, ErrUnknownSymbol},
		{"off tick", func(r *PlaceRequest) { r.Price = 1003 }, ErrInvalidTick},
		{"above ARA", func(r *PlaceRequest) { r.Price = 1255 }, ErrOutsideBand},
		{"below ARB", func(r *PlaceRequest) { r.Price = 745 }, ErrOutsideBand},
		{"insufficient balance", func(r *PlaceRequest) { r.Quantity = 1000 }, ledger.ErrInsufficientBalance},
		{"insufficient holdings", func(r *PlaceRequest) { r.UserID, r.Side, r.Quantity = "bob", core.Sell, 21 }, ledger.ErrInsufficientHoldings},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.svc.Place(f.ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, f.bookSize(t, core.Buy))
	assert.Empty(t, f.engine.placed)
}

func TestPlace_RestsAndTriggers(t *testing.T) {
	f := newFixture(t)

	p1, err := f.svc.Place(f.ctx, PlaceRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 2})
	require.NoError(t, err)
	p2, err := f.svc.Place(f.ctx, PlaceRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 2})
	require.NoError(t, err)

	assert.True(t, p1.InBook)
	assert.Equal(t, core.StatusPending, p1.Order.Status)
	// same clock reading still yields strictly increasing arrival times
	assert.Greater(t, p2.Order.Timestamp, p1.Order.Timestamp)
	assert.Equal(t, int64(2), f.bookSize(t, core.Buy))
	assert.Equal(t, []string{"BBCA", "BBCA"}, f.engine.placed)

	r, ok, err := orderbook.FindOrder(f.ctx, f.book, "BBCA", core.Buy, p1.Order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Real("alice"), r.Owner)
	assert.Equal(t, p1.Order.Timestamp, r.Timestamp)
}

func TestPlace_ClosedMarketDefersBook(t *testing.T) {
	f := newFixture(t)
	f.phase.status = core.SessionClosed

	p, err := f.svc.Place(f.ctx, PlaceRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 1})
	require.NoError(t, err)
	assert.False(t, p.InBook)
	assert.Zero(t, f.bookSize(t, core.Buy))
	assert.Empty(t, f.engine.placed)

	o, err := f.ledger.GetOrder(f.ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, o.Status)

	_, err = f.svc.Place(f.ctx, PlaceRequest{MarketMaker: true, Symbol: "BBCA", Side: core.Sell, Price: 1000, Quantity: 1})
	assert.ErrorIs(t, err, ErrMarketClosed)
}

func TestPlace_AuctionPhaseRestsOrder(t *testing.T) {
	f := newFixture(t)
	f.phase.status = core.SessionLocked

	p, err := f.svc.Place(f.ctx, PlaceRequest{UserID: "bob", Symbol: "BBCA", Side: core.Sell, Price: 1000, Quantity: 5})
	require.NoError(t, err)
	assert.True(t, p.InBook)
	assert.Equal(t, int64(1), f.bookSize(t, core.Sell))
}

func TestPlace_MarketMakerSkipsLedger(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Place(f.ctx, PlaceRequest{MarketMaker: true, Symbol: "BBCA", Side: core.Sell, Price: 1000, Quantity: 100})
	require.NoError(t, err)
	assert.True(t, p.InBook)
	assert.NotEmpty(t, p.Order.ID)

	_, err = f.ledger.GetOrder(f.ctx, p.Order.ID)
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)

	r, ok, err := orderbook.FindOrder(f.ctx, f.book, "BBCA", core.Sell, p.Order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.Owner.IsMarketMaker())

	require.NoError(t, f.svc.CancelMarketMaker(f.ctx, "BBCA", core.Sell, p.Order.ID))
	assert.Zero(t, f.bookSize(t, core.Sell))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.Place(f.ctx, PlaceRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 3})
	require.NoError(t, err)

	_, _, err = f.svc.Cancel(f.ctx, "bob", p.Order.ID)
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)

	o, refund, err := f.svc.Cancel(f.ctx, "alice", p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, o.Status)
	assert.Equal(t, ledger.Cost(1000, 3), refund)
	assert.Zero(t, f.bookSize(t, core.Buy))
	require.Len(t, f.engine.statuses, 1)
	assert.Equal(t, core.StatusCanceled, f.engine.statuses[0].Status)

	acc, err := f.ledger.Account(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), acc.Balance)

	// second cancel is rejected without side effects
	_, _, err = f.svc.Cancel(f.ctx, "alice", p.Order.ID)
	assert.ErrorIs(t, err, ledger.ErrNotCancellable)
	assert.Len(t, f.engine.statuses, 1)
}

type brokenBook struct {
	*orderbook.MemoryStore
}

func (brokenBook) Apply(context.Context, *orderbook.Batch) error {
	return errors.New("connection refused")
}

func TestPlace_BookFailureUnwindsLedger(t *testing.T) {
	f := newFixture(t)
	f.svc.book = brokenBook{f.book}

	_, err := f.svc.Place(f.ctx, PlaceRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, f.engine.placed)

	acc, err := f.ledger.Account(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), acc.Balance)
	active, err := f.ledger.ActiveOrders(f.ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, active)

	// the released holdings can be offered again
	_, err = f.svc.Place(f.ctx, PlaceRequest{UserID: "bob", Symbol: "BBCA", Side: core.Sell, Price: 1000, Quantity: 20})
	require.Error(t, err)
	f.svc.book = f.book
	_, err = f.svc.Place(f.ctx, PlaceRequest{UserID: "bob", Symbol: "BBCA", Side: core.Sell, Price: 1000, Quantity: 20})
	require.NoError(t, err)
}

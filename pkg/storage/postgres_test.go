package storage

import (
	"bufio"
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
)

func TestPostgresDSN(t *testing.T) {
	dsn, err := PostgresOption{
		User:             "exchange",
		Password:         "s3cret",
		Database:         "bursa",
		StatementTimeout: 10 * time.Second,
		IdleInTxTimeout:  30 * time.Second,
	}.dsn()
	require.NoError(t, err)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "localhost:5432", u.Host)
	assert.Equal(t, "/bursa", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "s3cret", pw)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "10000", u.Query().Get("statement_timeout"))
	assert.Equal(t, "30000", u.Query().Get("idle_in_transaction_session_timeout"))

	dsn, err = PostgresOption{ConnString: "postgres://x@y/z"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x@y/z", dsn)
}

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "trades.jsonl")
	j, err := NewFileJournal(path)
	require.NoError(t, err)

	buy := "b-1"
	at := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, j.Record(ledger.Trade{ID: "t1", Symbol: "BBCA", StockID: 1, BuyOrderID: &buy, Price: 1000, Quantity: 3, ExecutedAt: at}, false))
	require.NoError(t, j.Record(ledger.Trade{ID: "t2", Symbol: "BBCA", StockID: 1, Price: 900, Quantity: 20, ExecutedAt: at}, true))
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"tradeId":"t1","symbol":"BBCA","stockId":1,"buyOrderId":"b-1","sellOrderId":null,"price":1000,"quantity":3,"executedAt":"2023-11-14T22:13:20Z"}`, lines[0])
	assert.Contains(t, lines[1], `"auction":true`)

	assert.NoError(t, NewNopJournal().Record(ledger.Trade{}, false))
}

type pgFixture struct {
	ctx   context.Context
	pg    *Postgres
	alice string
	bob   string
}

// newPostgres runs against DATABASE_URL on a freshly truncated schema
func newPostgres(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pg, err := OpenPostgres(PostgresOption{ConnString: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	require.NoError(t, pg.Migrate(ctx))
	require.NoError(t, pg.db.Exec("TRUNCATE trades, orders, portfolios, daily_stock_data, trading_sessions, users, stocks RESTART IDENTITY CASCADE").Error)

	f := &pgFixture{ctx: ctx, pg: pg, alice: uuid.NewString(), bob: uuid.NewString()}
	require.NoError(t, pg.db.Create(&stockRow{ID: 1, Symbol: "BBCA", Name: "Bank Central Asia", IsActive: true}).Error)
	require.NoError(t, pg.db.Create(&[]userRow{
		{ID: f.alice, Username: "alice", BalanceRDN: 10_000_000},
		{ID: f.bob, Username: "bob"},
	}).Error)
	require.NoError(t, pg.db.Create(&portfolioRow{UserID: f.bob, StockID: 1, QuantityOwned: 50, AvgBuyPrice: decimal.NewFromInt(800)}).Error)
	require.NoError(t, pg.Ping(ctx))
	return f
}

func (f *pgFixture) place(t *testing.T, user string, side core.Side, price, qty, ts int64) ledger.Order {
	t.Helper()
	o, err := f.pg.PlaceOrder(f.ctx, ledger.PlaceOrder{
		UserID: user, StockID: 1, Symbol: "BBCA", Side: side, Price: price, Quantity: qty, Timestamp: ts,
	})
	require.NoError(t, err)
	return o
}

func (f *pgFixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	acc, err := f.pg.Account(f.ctx, user)
	require.NoError(t, err)
	return acc.Balance
}

func TestPostgres_ExecuteTrade(t *testing.T) {
	f := newPostgres(t)
	buy := f.place(t, f.alice, core.Buy, 1010, 10, 1)
	sell := f.place(t, f.bob, core.Sell, 1000, 4, 2)
	require.NotNil(t, sell.RefPrice)
	assert.True(t, sell.RefPrice.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, int64(10_000_000-1_010_000), f.balance(t, f.alice))

	_, err := f.pg.PlaceOrder(f.ctx, ledger.PlaceOrder{UserID: f.bob, StockID: 1, Side: core.Sell, Price: 1000, Quantity: 47, Timestamp: 3})
	assert.ErrorIs(t, err, ledger.ErrInsufficientHoldings)

	res, err := f.pg.ExecuteTrade(f.ctx, ledger.TradeRequest{
		StockID:    1,
		Symbol:     "BBCA",
		Buy:        ledger.TradeLeg{OrderID: buy.ID, Owner: core.Real(f.alice), LimitPrice: 1010},
		Sell:       ledger.TradeLeg{OrderID: sell.ID, Owner: core.Real(f.bob), LimitPrice: 1000},
		Price:      1000,
		Quantity:   4,
		ExecutedAt: time.Unix(1_700_000_000, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartial, res.Buy.Status)
	assert.Equal(t, int64(6), res.Buy.Remaining)
	assert.Equal(t, core.StatusMatched, res.Sell.Status)
	assert.Equal(t, ledger.Cost(10, 4), res.Buy.Refund)
	require.NotNil(t, res.Trade.BuyOrderID)
	require.NotNil(t, res.Trade.SellOrderID)

	assert.Equal(t, int64(10_000_000-1_010_000)+ledger.Cost(10, 4), f.balance(t, f.alice))
	assert.Equal(t, ledger.Cost(1000, 4), f.balance(t, f.bob))

	pf, err := f.pg.Portfolio(f.ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, pf, 1)
	assert.Equal(t, int64(4), pf[0].Quantity)
	assert.True(t, pf[0].AvgPrice.Equal(decimal.NewFromInt(1000)))
	pf, err = f.pg.Portfolio(f.ctx, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(46), pf[0].Quantity)

	o, err := f.pg.GetOrder(f.ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartial, o.Status)
	assert.Equal(t, "BBCA", o.Symbol)

	// a terminal order is stale and nothing is written
	_, err = f.pg.ExecuteTrade(f.ctx, ledger.TradeRequest{
		StockID:  1,
		Buy:      ledger.TradeLeg{OrderID: buy.ID, Owner: core.Real(f.alice), LimitPrice: 1010},
		Sell:     ledger.TradeLeg{OrderID: sell.ID, Owner: core.Real(f.bob), LimitPrice: 1000},
		Price:    1000,
		Quantity: 1,
	})
	stale, ok := ledger.IsStale(err)
	require.True(t, ok)
	assert.Equal(t, sell.ID, stale.OrderID)
	assert.False(t, stale.Live())

	// a live order asked for more than it has reports the ledger's figure
	_, err = f.pg.ExecuteTrade(f.ctx, ledger.TradeRequest{
		StockID:  1,
		Buy:      ledger.TradeLeg{OrderID: buy.ID, Owner: core.Real(f.alice), LimitPrice: 1010},
		Sell:     ledger.TradeLeg{OrderID: uuid.NewString(), Owner: core.MarketMaker(), LimitPrice: 1000},
		Price:    1000,
		Quantity: 10,
	})
	stale, ok = ledger.IsStale(err)
	require.True(t, ok)
	assert.True(t, stale.Live())
	assert.Equal(t, int64(6), stale.Remaining)

	// unknown ids are stale too
	_, err = f.pg.ExecuteTrade(f.ctx, ledger.TradeRequest{
		StockID:  1,
		Buy:      ledger.TradeLeg{OrderID: "not-a-uuid", Owner: core.Real(f.alice), LimitPrice: 1010},
		Sell:     ledger.TradeLeg{OrderID: uuid.NewString(), Owner: core.MarketMaker(), LimitPrice: 1000},
		Price:    1000,
		Quantity: 1,
	})
	_, ok = ledger.IsStale(err)
	assert.True(t, ok)

	active, err := f.pg.ActiveOrders(f.ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(6), active[0].Remaining)
}

func TestPostgres_CancelTwice(t *testing.T) {
	f := newPostgres(t)
	o := f.place(t, f.alice, core.Buy, 1000, 3, 1)

	_, _, err := f.pg.CancelOrder(f.ctx, f.bob, o.ID)
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
	_, _, err = f.pg.CancelOrder(f.ctx, f.alice, "nope")
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)

	canceled, refund, err := f.pg.CancelOrder(f.ctx, f.alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, canceled.Status)
	assert.Equal(t, ledger.Cost(1000, 3), refund)
	assert.Equal(t, int64(10_000_000), f.balance(t, f.alice))

	_, _, err = f.pg.CancelOrder(f.ctx, f.alice, o.ID)
	assert.ErrorIs(t, err, ledger.ErrNotCancellable)
	assert.Equal(t, int64(10_000_000), f.balance(t, f.alice))

	history, err := f.pg.OrderHistory(f.ctx, f.alice, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.StatusCanceled, history[0].Status)

	ps := f.pg.PoolStats()
	assert.Equal(t, 4, ps.MaxOpen)
	assert.GreaterOrEqual(t, ps.WaitCount, int64(0))
}

func TestPostgres_SessionLifecycle(t *testing.T) {
	f := newPostgres(t)
	sess, err := f.pg.CurrentSession(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	// placed while closed, carried into the next session
	waiting := f.place(t, f.alice, core.Buy, 1000, 2, 1)

	now := time.Unix(1_700_000_000, 0).UTC()
	open, err := f.pg.OpenSession(f.ctx, now, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), open.Session.Number)
	assert.Equal(t, core.SessionPreOpen, open.Session.Status)
	require.Len(t, open.Daily, 1)
	assert.Equal(t, int64(1000), open.Daily[0].PrevClose)
	assert.Equal(t, int64(1250), open.Daily[0].Bands.Upper)
	require.Len(t, open.Migrated, 1)
	assert.Equal(t, waiting.ID, open.Migrated[0].ID)
	assert.Equal(t, "BBCA", open.Migrated[0].Symbol)

	_, err = f.pg.OpenSession(f.ctx, now, 1000)
	assert.ErrorIs(t, err, ledger.ErrSessionActive)

	require.NoError(t, f.pg.SetSessionStatus(f.ctx, open.Session.ID, core.SessionOpen))
	sess, err = f.pg.CurrentSession(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, core.SessionOpen, sess.Status)

	sell := f.place(t, f.bob, core.Sell, 1100, 5, 2)
	prev, err := f.pg.PrevClose(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), prev)

	closed, err := f.pg.CloseSession(f.ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, core.SessionClosed, closed.Session.Status)
	assert.Equal(t, ledger.Cost(1000, 2), closed.Refunded)
	require.Len(t, closed.Canceled, 2)
	assert.Equal(t, waiting.ID, closed.Canceled[0].ID)
	assert.Equal(t, sell.ID, closed.Canceled[1].ID)
	assert.Equal(t, int64(10_000_000), f.balance(t, f.alice))

	_, err = f.pg.CloseSession(f.ctx, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ledger.ErrNoActiveSession)

	next, err := f.pg.OpenSession(f.ctx, now.Add(24*time.Hour), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Session.Number)
	assert.Empty(t, next.Migrated)
	require.Len(t, next.Daily, 1)
	assert.Equal(t, int64(1000), next.Daily[0].PrevClose)
}

package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/auction"
)

type phaseStub struct{ v atomic.Value }

func newPhase(s core.SessionStatus) *phaseStub {
	p := &phaseStub{}
	p.v.Store(s)
	return p
}

func (p *phaseStub) Status() core.SessionStatus { return p.v.Load().(core.SessionStatus) }

// 10@1000 20@900 50@800 against 5@700 15@900 30@1000 clears 20 lots at 900
func seedCallBook(t *testing.T, f *fixture) map[string]string {
	t.Helper()
	ids := map[string]string{}
	ids["alice"] = f.place(t, "alice", core.Buy, 1000, 10, 1).ID
	ids["carol"] = f.place(t, "carol", core.Buy, 900, 20, 2).ID
	ids["dave"] = f.place(t, "dave", core.Buy, 800, 50, 3).ID
	ids["bob"] = f.place(t, "bob", core.Sell, 700, 5, 4).ID
	ids["erin"] = f.place(t, "erin", core.Sell, 900, 15, 5).ID
	ids["frank"] = f.place(t, "frank", core.Sell, 1000, 30, 6).ID
	return ids
}

func TestCalculateIEP(t *testing.T) {
	f := newFixture(t, nil)
	_, ok, err := f.engine.CalculateIEP(f.ctx, symbol)
	require.NoError(t, err)
	assert.False(t, ok)

	seedCallBook(t, f)
	r, ok, err := f.engine.CalculateIEP(f.ctx, symbol)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, auction.Result{Price: 900, MatchedVolume: 20, Surplus: 10}, r)
}

func TestExecuteAuction(t *testing.T) {
	f := newFixture(t, nil)
	ids := seedCallBook(t, f)

	_, ok, err := f.engine.RecomputeIEP(f.ctx, symbol, true)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok = f.engine.IEP(symbol)
	require.True(t, ok)

	rep, err := f.engine.ExecuteAuction(f.ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, int64(900), rep.Price)
	assert.Equal(t, int64(20), rep.MatchedVolume)
	assert.Equal(t, int64(20), rep.Executed)
	assert.Equal(t, 3, rep.Trades)
	assert.Zero(t, rep.Skipped)

	var total int64
	for _, tr := range f.ledger.Trades() {
		assert.Equal(t, int64(900), tr.Price)
		total += tr.Quantity
	}
	assert.Equal(t, int64(20), total)

	want := map[string]struct {
		status    core.OrderStatus
		remaining int64
	}{
		"alice": {core.StatusMatched, 0},
		"carol": {core.StatusPartial, 10},
		"dave":  {core.StatusPending, 50},
		"bob":   {core.StatusMatched, 0},
		"erin":  {core.StatusMatched, 0},
		"frank": {core.StatusPending, 30},
	}
	for user, w := range want {
		o := f.order(t, ids[user])
		assert.Equal(t, w.status, o.Status, user)
		assert.Equal(t, w.remaining, o.Remaining, user)
	}

	buys := f.side(t, core.Buy)
	require.Len(t, buys, 2)
	assert.Equal(t, ids["carol"], buys[0].OrderID)
	assert.Equal(t, int64(10), buys[0].Remaining)
	asks := f.side(t, core.Sell)
	require.Len(t, asks, 1)
	assert.Equal(t, ids["frank"], asks[0].OrderID)

	_, ok = f.engine.IEP(symbol)
	assert.False(t, ok)
	assert.Equal(t, int64(3), f.engine.GetStats().AuctionTrades)

	require.Eventually(t, func() bool { return f.notes.count(EventIEPUpdate) == 2 }, waitFor, tick)
	f.notes.mu.Lock()
	var last IEPUpdate
	for _, e := range f.notes.events {
		if e.Type == EventIEPUpdate {
			last = e.Data.(IEPUpdate)
		}
	}
	f.notes.mu.Unlock()
	assert.Nil(t, last.IEP)
}

func TestExecuteAuction_SkipsStaleOrders(t *testing.T) {
	f := newFixture(t, nil)
	ids := seedCallBook(t, f)
	_, _, err := f.ledger.CancelOrder(f.ctx, "bob", ids["bob"])
	require.NoError(t, err)

	rep, err := f.engine.ExecuteAuction(f.ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, int64(15), rep.Executed)
	assert.Equal(t, BreakerClosed, f.engine.BreakerState(symbol))
}

func TestExecuteAuction_CorrectsEntryBehindLedger(t *testing.T) {
	f := newFixture(t, nil)
	buy := f.place(t, "alice", core.Buy, 1000, 10, 1)
	f.fillLedgerOnly(t, buy, 5)
	sell := f.place(t, "bob", core.Sell, 1000, 10, 2)

	rep, err := f.engine.ExecuteAuction(f.ctx, symbol)
	require.NoError(t, err)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, 1, rep.Trades)
	assert.Equal(t, int64(5), rep.Executed)

	assert.Equal(t, core.StatusMatched, f.order(t, buy.ID).Status)
	assert.Equal(t, int64(5), f.order(t, sell.ID).Remaining)
	assert.Empty(t, f.side(t, core.Buy))
}

func TestExecuteAuction_NoCross(t *testing.T) {
	f := newFixture(t, nil)
	f.place(t, "alice", core.Buy, 990, 5, 1)
	f.place(t, "bob", core.Sell, 1000, 5, 2)

	rep, err := f.engine.ExecuteAuction(f.ctx, symbol)
	require.NoError(t, err)
	assert.Zero(t, rep.Executed)
	assert.Empty(t, f.ledger.Trades())
}

func TestOnOrderPlaced_AuctionPhases(t *testing.T) {
	f := newFixture(t, nil)
	phase := newPhase(core.SessionPreOpen)
	f.engine.phase = phase
	seedCallBook(t, f)

	f.engine.OnOrderPlaced(symbol)
	r, ok := f.engine.IEP(symbol)
	require.True(t, ok)
	assert.Equal(t, int64(900), r.Price)
	require.Eventually(t, func() bool { return f.notes.count(EventIEPUpdate) == 1 }, waitFor, tick)

	phase.v.Store(core.SessionLocked)
	f.engine.OnOrderPlaced(symbol)
	f.engine.PublishIEP(symbol)
	require.Eventually(t, func() bool { return f.notes.count(EventIEPUpdate) == 2 }, waitFor, tick)

	// nothing trades before the auction runs
	assert.Empty(t, f.ledger.Trades())
}

func TestPurgeBook(t *testing.T) {
	f := newFixture(t, nil)
	seedCallBook(t, f)
	require.NoError(t, f.engine.PurgeBook(context.Background(), []string{symbol}))
	assert.Empty(t, f.side(t, core.Buy))
	assert.Empty(t, f.side(t, core.Sell))
	require.NoError(t, f.engine.PurgeBook(context.Background(), nil))
}

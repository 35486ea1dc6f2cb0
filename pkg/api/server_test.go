package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/engine"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
	"github.com/uhyunpark/bursa/pkg/app/core/orders"
	"github.com/uhyunpark/bursa/pkg/app/core/session"
	"github.com/uhyunpark/bursa/pkg/util"
)

type testServer struct {
	srv    *Server
	http   *httptest.Server
	ledger *ledger.Memory
	state  *session.State
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	led := ledger.NewMemory()
	led.AddStock(ledger.Stock{ID: 1, Symbol: "BBCA", Name: "Bank Central Asia", Active: true})
	led.SetLastClose(1, 1000)
	led.Deposit("alice", 10_000_000)
	led.Deposit("bob", 0)
	led.SetHolding("bob", 1, 50, decimal.NewFromInt(950))

	clock := util.NewManualClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	book := orderbook.NewMemoryStore()
	reg := market.NewRegistry()
	state := session.NewState(core.SessionClosed)
	hub := NewHub(nil)
	go hub.Run(ctx)

	eng, err := engine.New(engine.Options{
		Book:     book,
		Ledger:   led,
		Registry: reg,
		Phase:    state,
		Notifier: hub,
		Health:   led,
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	mgr, err := session.NewManager(session.Options{
		Ledger:   led,
		Book:     book,
		Registry: reg,
		Engine:   eng,
		State:    state,
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)
	require.NoError(t, mgr.Start(ctx))

	svc, err := orders.NewService(orders.Options{
		Ledger:   led,
		Book:     book,
		Registry: reg,
		Engine:   eng,
		Phase:    state,
		Clock:    clock,
	})
	require.NoError(t, err)

	srv, err := NewServer(Options{
		Orders:   svc,
		Queries:  led,
		Engine:   eng,
		Sessions: mgr,
		Registry: reg,
		Hub:      hub,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, http: ts, ledger: led, state: state}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) open(t *testing.T) {
	t.Helper()
	var res SessionOpenResponse
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/v1/admin/session/open", nil, &res))
	require.Equal(t, 1, res.Instruments)
}

func TestMarkets(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t)

	var list []MarketInfo
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/markets", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "BBCA", list[0].Symbol)
	assert.Equal(t, int64(1250), list[0].ARA)
	assert.Equal(t, int64(750), list[0].ARB)
	assert.Equal(t, int64(5), list[0].TickSize)
	assert.Equal(t, int64(100), list[0].LotSize)

	var detail MarketDetail
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/markets/BBCA", nil, &detail))
	require.NotNil(t, detail.Daily)
	assert.Equal(t, int64(1000), detail.Daily.PrevClose)

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/v1/markets/NOPE", nil, &e))
}

func TestPlaceOrder_ErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t)

	tests := []struct {
		name string
		req  PlaceOrderRequest
		want int
	}{
		{"off tick", PlaceOrderRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1001, Quantity: 1}, http.StatusBadRequest},
		{"outside band", PlaceOrderRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1500, Quantity: 1}, http.StatusBadRequest},
		{"no funds", PlaceOrderRequest{UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 500}, http.StatusBadRequest},
		{"unknown symbol", PlaceOrderRequest{UserID: "alice", Symbol: "ZZZZ", Side: core.Buy, Price: 1000, Quantity: 1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e ErrorResponse
			assert.Equal(t, tt.want, ts.do(t, "POST", "/api/v1/orders", tt.req, &e))
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestPlaceQueryCancel(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t)

	var placed PlaceOrderResponse
	code := ts.do(t, "POST", "/api/v1/orders", PlaceOrderRequest{
		UserID: "alice", Symbol: "BBCA", Side: core.Buy, Price: 1000, Quantity: 2,
	}, &placed)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "accepted", placed.Status)
	assert.True(t, placed.InBook)
	id := placed.Order.ID

	var snap engine.BookSnapshot
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/markets/BBCA/orderbook", nil, &snap))
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(1000), snap.Bids[0].Price)

	var got OrderInfo
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/orders/"+id, nil, &got))
	assert.Equal(t, core.StatusPending, got.Status)

	var active []OrderInfo
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/accounts/alice/orders", nil, &active))
	assert.Len(t, active, 1)

	var acc AccountInfo
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/accounts/alice", nil, &acc))
	assert.Equal(t, int64(10_000_000)-ledger.Cost(1000, 2), acc.Balance)

	var canceled CancelOrderResponse
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/v1/orders/cancel", CancelOrderRequest{UserID: "alice", OrderID: id}, &canceled))
	assert.Equal(t, core.StatusCanceled, canceled.Order.Status)
	assert.Equal(t, ledger.Cost(1000, 2), canceled.Refund)

	var e ErrorResponse
	assert.Equal(t, http.StatusConflict, ts.do(t, "POST", "/api/v1/orders/cancel", CancelOrderRequest{UserID: "alice", OrderID: id}, &e))
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/v1/orders/missing", nil, &e))

	var history []OrderInfo
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/accounts/alice/orders?status=all&limit=10", nil, &history))
	assert.Len(t, history, 1)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/api/v1/accounts/alice/orders?status=all&limit=x", nil, &e))
}

func TestPortfolioAndAccounts(t *testing.T) {
	ts := newTestServer(t)

	var holdings []HoldingInfo
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/accounts/bob/portfolio", nil, &holdings))
	require.Len(t, holdings, 1)
	assert.Equal(t, "BBCA", holdings[0].Symbol)
	assert.Equal(t, int64(50), holdings[0].Quantity)
	assert.True(t, decimal.NewFromInt(950).Equal(holdings[0].AvgPrice))

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/v1/accounts/nobody", nil, &e))
}

func TestSessionAdmin(t *testing.T) {
	ts := newTestServer(t)

	var e ErrorResponse
	assert.Equal(t, http.StatusConflict, ts.do(t, "POST", "/api/v1/admin/session/close", nil, &e))

	ts.open(t)
	assert.Equal(t, http.StatusConflict, ts.do(t, "POST", "/api/v1/admin/session/open", nil, &e))

	var info session.Info
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/admin/session", nil, &info))
	assert.Equal(t, core.SessionPreOpen, info.Status)
	assert.NotNil(t, info.NextPhaseAt)

	var closed SessionCloseResponse
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/v1/admin/session/close", nil, &closed))
	assert.Equal(t, core.SessionClosed, ts.state.Status())
}

func TestEngineAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t)

	var stats engine.Stats
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/admin/engine/stats", nil, &stats))

	var reset CircuitResetResponse
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/v1/admin/engine/circuit/reset?symbol=BBCA", nil, &reset))
	assert.Equal(t, []string{"BBCA"}, reset.Reset)

	var rep engine.BookReport
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/admin/engine/orderbook/BBCA/validate", nil, &rep))
	assert.False(t, rep.Crossed)
	assert.Zero(t, rep.Malformed)

	var health map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, ts.do(t, "POST", "/api/v1/admin/engine/broadcast/NOPE", nil, &e))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(orders.ErrInvalidTick))
	assert.Equal(t, http.StatusNotFound, statusFor(ledger.ErrOrderNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(orders.ErrMarketClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{engine.MarketChannel("BBCA")}}))
	hub := ts.srv.Hub()
	require.Eventually(t, func() bool { return hub.Subscribers(engine.MarketChannel("BBCA")) == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(engine.MarketChannel("TLKM"), engine.EventTrade, map[string]int{"ignored": 1})
	hub.Publish(engine.MarketChannel("BBCA"), engine.EventTrade, engine.TradeTick{Symbol: "BBCA", Price: 1000, Quantity: 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Channel string           `json:"channel"`
		Type    string           `json:"type"`
		Data    engine.TradeTick `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "market:BBCA", msg.Channel)
	assert.Equal(t, engine.EventTrade, msg.Type)
	assert.Equal(t, int64(3), msg.Data.Quantity)
}

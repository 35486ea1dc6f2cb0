package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/auction"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
)

// ==============================
// REST Response Types
// ==============================

// MarketInfo is a listed instrument with today's bands
type MarketInfo struct {
	Symbol    string `json:"symbol"`
	StockID   int64  `json:"stockId"`
	Name      string `json:"name,omitempty"`
	Active    bool   `json:"active"`
	PrevClose int64  `json:"prevClose"`
	ARA       int64  `json:"ara"`
	ARB       int64  `json:"arb"`
	TickSize  int64  `json:"tickSize"` // at previous close
	LotSize   int64  `json:"lotSize"`
}

func marketInfo(in market.Instrument) MarketInfo {
	return MarketInfo{
		Symbol:    in.Symbol,
		StockID:   in.StockID,
		Name:      in.Name,
		Active:    in.Active,
		PrevClose: in.PrevClose,
		ARA:       in.Bands.Upper,
		ARB:       in.Bands.Lower,
		TickSize:  pricing.TickSize(in.PrevClose),
		LotSize:   core.LotSize,
	}
}

// MarketDetail adds the session accumulators and the indicative price
type MarketDetail struct {
	MarketInfo
	Daily *DailyInfo      `json:"daily,omitempty"`
	IEP   *auction.Result `json:"iep"`
}

type DailyInfo struct {
	PrevClose int64 `json:"prevClose"`
	Open      int64 `json:"open,omitempty"`
	High      int64 `json:"high,omitempty"`
	Low       int64 `json:"low,omitempty"`
	Close     int64 `json:"close"`
	Volume    int64 `json:"volume"`
}

func dailyInfo(d ledger.DailyData) *DailyInfo {
	return &DailyInfo{
		PrevClose: d.PrevClose,
		Open:      d.Open,
		High:      d.High,
		Low:       d.Low,
		Close:     d.Close,
		Volume:    d.Volume,
	}
}

// OrderInfo represents an order (open or historical)
type OrderInfo struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId,omitempty"`
	Symbol    string           `json:"symbol"`
	Side      core.Side        `json:"side"`
	Price     int64            `json:"price"`
	Quantity  int64            `json:"quantity"`
	Filled    int64            `json:"filled"`
	Remaining int64            `json:"remaining"`
	Status    core.OrderStatus `json:"status"`
	Timestamp int64            `json:"timestamp"` // arrival, unix nanoseconds
	CreatedAt time.Time        `json:"createdAt"`
}

func orderInfo(o ledger.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Filled:    o.Quantity - o.Remaining,
		Remaining: o.Remaining,
		Status:    o.Status,
		Timestamp: o.Timestamp,
		CreatedAt: o.CreatedAt,
	}
}

type AccountInfo struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

type HoldingInfo struct {
	Symbol   string          `json:"symbol"`
	StockID  int64           `json:"stockId"`
	Quantity int64           `json:"quantity"` // lots
	AvgPrice decimal.Decimal `json:"avgPrice"`
}

type SessionOpenResponse struct {
	SessionID   int64 `json:"sessionId"`
	Number      int64 `json:"sessionNumber"`
	Instruments int   `json:"instruments"`
	Migrated    int   `json:"migrated"`
}

type SessionCloseResponse struct {
	SessionID int64 `json:"sessionId"`
	Canceled  int   `json:"canceled"`
	Refunded  int64 `json:"refunded"`
}

type CircuitResetResponse struct {
	Reset []string `json:"reset"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every pushed notification
type WSMessage struct {
	Channel string `json:"channel"` // "market:BBCA" or "user:<id>"
	Type    string `json:"type"`    // orderbook_update, trade, price_update, ...
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// ==============================
// REST Request Types
// ==============================

// PlaceOrderRequest is the payload for POST /api/v1/orders
type PlaceOrderRequest struct {
	UserID      string    `json:"userId"`
	Symbol      string    `json:"symbol"`
	Side        core.Side `json:"side"`
	Price       int64     `json:"price"`
	Quantity    int64     `json:"quantity"` // lots
	MarketMaker bool      `json:"marketMaker,omitempty"`
}

type PlaceOrderResponse struct {
	Status string    `json:"status"` // "accepted"
	InBook bool      `json:"inBook"`
	Order  OrderInfo `json:"order"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	UserID  string `json:"userId"`
	OrderID string `json:"orderId"`
}

type CancelOrderResponse struct {
	Order  OrderInfo `json:"order"`
	Refund int64     `json:"refund"`
}

// CancelMarketMakerRequest is the payload for POST /api/v1/mm/orders/cancel
type CancelMarketMakerRequest struct {
	Symbol  string    `json:"symbol"`
	Side    core.Side `json:"side"`
	OrderID string    `json:"orderId"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

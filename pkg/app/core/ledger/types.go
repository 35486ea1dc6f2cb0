package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrNotCancellable       = errors.New("order is not cancellable")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrAccountNotFound      = errors.New("account not found")
	ErrStockNotFound        = errors.New("stock not found")
	ErrSessionActive        = errors.New("a trading session is already running")
	ErrNoActiveSession      = errors.New("no active trading session")
)

// StaleOrderError means a book entry refers to an order the ledger no longer
// considers resting, or that has less remaining than the book claims. In the
// second case Remaining carries the ledger's figure and the order is still
// live.
type StaleOrderError struct {
	OrderID   string
	Status    core.OrderStatus
	Remaining int64
}

func (e *StaleOrderError) Error() string {
	switch {
	case e.Status == "":
		return fmt.Sprintf("order %s is stale: not found", e.OrderID)
	case e.Live():
		return fmt.Sprintf("order %s is stale: %d remaining in ledger", e.OrderID, e.Remaining)
	}
	return fmt.Sprintf("order %s is stale: status %s", e.OrderID, e.Status)
}

// Live reports whether the order still rests with a smaller remaining, in
// which case the book entry should be corrected rather than dropped
func (e *StaleOrderError) Live() bool {
	return e.Status.Active() && e.Remaining > 0
}

// IsStale extracts a StaleOrderError
func IsStale(err error) (*StaleOrderError, bool) {
	var s *StaleOrderError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

type Stock struct {
	ID     int64
	Symbol string
	Name   string
	Active bool
}

type Account struct {
	ID      string
	Balance int64
}

type Order struct {
	ID        string
	UserID    string
	StockID   int64
	Symbol    string
	SessionID *int64
	Side      core.Side
	Price     int64
	Quantity  int64
	Remaining int64
	Status    core.OrderStatus
	// Timestamp is the process-monotonic arrival instant in unix nanoseconds
	Timestamp int64
	RefPrice  *decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Trade struct {
	ID          string
	StockID     int64
	Symbol      string
	BuyOrderID  *string
	SellOrderID *string
	Price       int64
	Quantity    int64
	ExecutedAt  time.Time
}

type Holding struct {
	UserID   string
	StockID  int64
	Symbol   string
	Quantity int64
	AvgPrice decimal.Decimal
}

type Session struct {
	ID        int64
	Number    int64
	Status    core.SessionStatus
	StartedAt time.Time
	EndedAt   *time.Time
}

// DailyData is one instrument's accumulators for one session. Open, High and
// Low are zero until the first trade.
type DailyData struct {
	StockID   int64
	Symbol    string
	SessionID int64
	PrevClose int64
	Open      int64
	High      int64
	Low       int64
	Close     int64
	Volume    int64
	Bands     pricing.Bands
}

// Apply folds one trade into the accumulators
func (d *DailyData) Apply(price, qty int64) {
	if d.Open == 0 {
		d.Open = price
	}
	if price > d.High {
		d.High = price
	}
	if d.Low == 0 || price < d.Low {
		d.Low = price
	}
	d.Close = price
	d.Volume += qty
}

// TradeLeg is one side of a pairing as the book saw it
type TradeLeg struct {
	OrderID string
	Owner   core.Participant
	// LimitPrice is the order's own price, used for the buyer's price
	// improvement refund
	LimitPrice int64
}

type TradeRequest struct {
	StockID    int64
	Symbol     string
	Buy        TradeLeg
	Sell       TradeLeg
	Price      int64
	Quantity   int64
	ExecutedAt time.Time
}

type LegResult struct {
	OrderID   string
	Owner     core.Participant
	Remaining int64
	Status    core.OrderStatus
	// Refund is cash returned to the buyer for price improvement
	Refund int64
}

type TradeResult struct {
	Trade Trade
	Buy   LegResult
	Sell  LegResult
	Daily DailyData
}

// PlaceOrder is a validated order about to be persisted
type PlaceOrder struct {
	UserID    string
	StockID   int64
	Symbol    string
	Side      core.Side
	Price     int64
	Quantity  int64
	Timestamp int64
}

type OpenResult struct {
	Session  Session
	Daily    []DailyData
	Migrated []Order
}

type CloseResult struct {
	Session  Session
	Canceled []Order
	Refunded int64
}

type PoolStats struct {
	MaxOpen int `json:"maxOpen"`
	Open    int `json:"open"`
	InUse   int `json:"inUse"`
	Idle    int `json:"idle"`
	// WaitCount is the total number of waits for a connection since the
	// pool opened, not the current queue
	WaitCount int64 `json:"waitCount"`
}

// Cost is the cash value of qty lots at price
func Cost(price, qty int64) int64 { return price * qty * core.LotSize }

// WeightedAverage folds a buy of qty at price into an existing cost basis
func WeightedAverage(oldQty int64, oldAvg decimal.Decimal, qty, price int64) decimal.Decimal {
	total := oldQty + qty
	if total <= 0 {
		return decimal.Zero
	}
	num := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(decimal.NewFromInt(price * qty))
	return num.Div(decimal.NewFromInt(total)).Round(4)
}

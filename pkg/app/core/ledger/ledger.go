// Package ledger defines the durable ledger the exchange treats as the source
// of truth for orders, trades, balances, holdings and session rows.
package ledger

import (
	"context"
	"time"

	"github.com/uhyunpark/bursa/pkg/app/core"
)

// TradeLedger is what trade execution needs
type TradeLedger interface {
	// ExecuteTrade applies one matched slice in a single transaction with row
	// locks on both orders and both accounts. A *StaleOrderError is returned
	// when either real order is no longer resting with enough remaining.
	ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error)
	// PrevClose is the previous close for the instrument in the current
	// session, or the latest known close
	PrevClose(ctx context.Context, stockID int64) (int64, error)
}

// SessionLedger persists session rows and the bulk order moves around them
type SessionLedger interface {
	CurrentSession(ctx context.Context) (*Session, error)
	ActiveStocks(ctx context.Context) ([]Stock, error)
	OpenSession(ctx context.Context, now time.Time, defaultPrevClose int64) (OpenResult, error)
	SetSessionStatus(ctx context.Context, sessionID int64, status core.SessionStatus) error
	CloseSession(ctx context.Context, now time.Time) (CloseResult, error)
}

// OrderLedger backs the order service and read-only queries
type OrderLedger interface {
	PlaceOrder(ctx context.Context, req PlaceOrder) (Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (Order, int64, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ActiveOrders(ctx context.Context, userID string) ([]Order, error)
	OrderHistory(ctx context.Context, userID string, limit int) ([]Order, error)
	Portfolio(ctx context.Context, userID string) ([]Holding, error)
	Account(ctx context.Context, userID string) (Account, error)
	DailyData(ctx context.Context, stockID int64) (DailyData, error)
}

type Ledger interface {
	TradeLedger
	SessionLedger
	OrderLedger
	Ping(ctx context.Context) error
	PoolStats() PoolStats
	Close() error
}

package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
)

// Row types mirror the exchange schema. Only the columns the engine and the
// order service touch are mapped.

type userRow struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey"`
	Username   string    `gorm:"column:username;type:varchar(64);uniqueIndex"`
	BalanceRDN int64     `gorm:"column:balance_rdn;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (userRow) TableName() string { return "users" }

type stockRow struct {
	ID       int64  `gorm:"column:id;primaryKey"`
	Symbol   string `gorm:"column:symbol;type:varchar(16);uniqueIndex;not null"`
	Name     string `gorm:"column:name;type:varchar(128)"`
	IsActive bool   `gorm:"column:is_active;not null;default:true"`
}

func (stockRow) TableName() string { return "stocks" }

type orderRow struct {
	ID                string           `gorm:"column:id;type:uuid;primaryKey"`
	UserID            string           `gorm:"column:user_id;type:uuid;index;not null"`
	StockID           int64            `gorm:"column:stock_id;index;not null"`
	SessionID         *int64           `gorm:"column:session_id;index"`
	Type              string           `gorm:"column:type;type:varchar(4);not null"`
	Price             int64            `gorm:"column:price;not null"`
	Quantity          int64            `gorm:"column:quantity;not null"`
	RemainingQuantity int64            `gorm:"column:remaining_quantity;not null"`
	Status            string           `gorm:"column:status;type:varchar(16);index;not null"`
	ArrivalNs         int64            `gorm:"column:arrival_ns;not null"`
	AvgPriceAtOrder   *decimal.Decimal `gorm:"column:avg_price_at_order;type:numeric(20,4)"`
	CreatedAt         time.Time        `gorm:"column:created_at"`
	UpdatedAt         time.Time        `gorm:"column:updated_at"`
}

func (orderRow) TableName() string { return "orders" }

type orderWithSymbol struct {
	orderRow `gorm:"embedded"`
	Symbol   string `gorm:"column:symbol"`
}

func (o orderRow) toLedger(symbol string) ledger.Order {
	return ledger.Order{
		ID:        o.ID,
		UserID:    o.UserID,
		StockID:   o.StockID,
		Symbol:    symbol,
		SessionID: o.SessionID,
		Side:      core.Side(o.Type),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Remaining: o.RemainingQuantity,
		Status:    core.OrderStatus(o.Status),
		Timestamp: o.ArrivalNs,
		RefPrice:  o.AvgPriceAtOrder,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

type tradeRow struct {
	ID          string    `gorm:"column:id;type:uuid;primaryKey"`
	BuyOrderID  *string   `gorm:"column:buy_order_id;type:uuid"`
	SellOrderID *string   `gorm:"column:sell_order_id;type:uuid"`
	StockID     int64     `gorm:"column:stock_id;index;not null"`
	Price       int64     `gorm:"column:price;not null"`
	Quantity    int64     `gorm:"column:quantity;not null"`
	ExecutedAt  time.Time `gorm:"column:executed_at;not null"`
}

func (tradeRow) TableName() string { return "trades" }

type portfolioRow struct {
	UserID        string          `gorm:"column:user_id;type:uuid;primaryKey"`
	StockID       int64           `gorm:"column:stock_id;primaryKey"`
	QuantityOwned int64           `gorm:"column:quantity_owned;not null;default:0"`
	AvgBuyPrice   decimal.Decimal `gorm:"column:avg_buy_price;type:numeric(20,4);not null;default:0"`
}

func (portfolioRow) TableName() string { return "portfolios" }

type sessionRow struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	SessionNumber int64      `gorm:"column:session_number;not null"`
	Status        string     `gorm:"column:status;type:varchar(16);index;not null"`
	StartedAt     time.Time  `gorm:"column:started_at;not null"`
	EndedAt       *time.Time `gorm:"column:ended_at"`
}

func (sessionRow) TableName() string { return "trading_sessions" }

func (s sessionRow) toLedger() ledger.Session {
	return ledger.Session{
		ID:        s.ID,
		Number:    s.SessionNumber,
		Status:    core.SessionStatus(s.Status),
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
}

type dailyRow struct {
	StockID    int64 `gorm:"column:stock_id;primaryKey"`
	SessionID  int64 `gorm:"column:session_id;primaryKey"`
	PrevClose  int64 `gorm:"column:prev_close;not null"`
	OpenPrice  int64 `gorm:"column:open_price;not null;default:0"`
	HighPrice  int64 `gorm:"column:high_price;not null;default:0"`
	LowPrice   int64 `gorm:"column:low_price;not null;default:0"`
	ClosePrice int64 `gorm:"column:close_price;not null;default:0"`
	Volume     int64 `gorm:"column:volume;not null;default:0"`
	AraLimit   int64 `gorm:"column:ara_limit;not null"`
	ArbLimit   int64 `gorm:"column:arb_limit;not null"`
}

func (dailyRow) TableName() string { return "daily_stock_data" }

func (d dailyRow) toLedger(symbol string) ledger.DailyData {
	return ledger.DailyData{
		StockID:   d.StockID,
		Symbol:    symbol,
		SessionID: d.SessionID,
		PrevClose: d.PrevClose,
		Open:      d.OpenPrice,
		High:      d.HighPrice,
		Low:       d.LowPrice,
		Close:     d.ClosePrice,
		Volume:    d.Volume,
		Bands:     pricing.Bands{Upper: d.AraLimit, Lower: d.ArbLimit},
	}
}

func dailyFromLedger(d ledger.DailyData) dailyRow {
	return dailyRow{
		StockID:    d.StockID,
		SessionID:  d.SessionID,
		PrevClose:  d.PrevClose,
		OpenPrice:  d.Open,
		HighPrice:  d.High,
		LowPrice:   d.Low,
		ClosePrice: d.Close,
		Volume:     d.Volume,
		AraLimit:   d.Bands.Upper,
		ArbLimit:   d.Bands.Lower,
	}
}

func allModels() []any {
	return []any{
		&userRow{}, &stockRow{}, &orderRow{}, &tradeRow{},
		&portfolioRow{}, &sessionRow{}, &dailyRow{},
	}
}

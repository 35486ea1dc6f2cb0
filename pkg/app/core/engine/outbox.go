package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/auction"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

var (
	ErrOutboxFull   = errors.New("notification outbox full")
	ErrOutboxClosed = errors.New("notification outbox closed")
)

// Notifier is the pub/sub collaborator. Delivery is best effort.
type Notifier interface {
	Publish(channel, event string, data any)
}

type NopNotifier struct{}

func (NopNotifier) Publish(string, string, any) {}

const (
	EventOrderbookUpdate = "orderbook_update"
	EventTrade           = "trade"
	EventPriceUpdate     = "price_update"
	EventIEPUpdate       = "iep_update"
	EventOrderMatched    = "order_matched"
	EventOrderStatus     = "order_status"
)

func MarketChannel(symbol string) string { return "market:" + symbol }
func UserChannel(userID string) string   { return "user:" + userID }

// Event is one queued notification
type Event struct {
	Channel string
	Type    string
	Data    any
}

type BookSnapshot struct {
	Symbol    string                 `json:"symbol"`
	Bids      []orderbook.PriceLevel `json:"bids"`
	Asks      []orderbook.PriceLevel `json:"asks"`
	Timestamp int64                  `json:"timestamp"`
}

type TradeTick struct {
	TradeID   string `json:"tradeId"`
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Quantity  int64  `json:"quantity"`
	Auction   bool   `json:"auction,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type PriceUpdate struct {
	Symbol        string          `json:"symbol"`
	LastPrice     int64           `json:"lastPrice"`
	Change        int64           `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        int64           `json:"volume"`
}

// IEPUpdate carries a nil IEP when the indicative price is cleared
type IEPUpdate struct {
	Symbol string          `json:"symbol"`
	IEP    *auction.Result `json:"iep"`
}

type OrderMatched struct {
	OrderID   string           `json:"order_id"`
	TradeID   string           `json:"trade_id"`
	Symbol    string           `json:"symbol"`
	Side      core.Side        `json:"type"`
	Price     int64            `json:"price"`
	Quantity  int64            `json:"quantity"`
	Remaining int64            `json:"remaining_quantity"`
	Status    core.OrderStatus `json:"status"`
	Refund    int64            `json:"refund,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

type OrderStatusUpdate struct {
	OrderID         string           `json:"order_id"`
	Status          core.OrderStatus `json:"status"`
	Price           int64            `json:"price"`
	MatchedQuantity int64            `json:"matched_quantity"`
	Remaining       int64            `json:"remaining_quantity"`
	Symbol          string           `json:"symbol"`
	Side            core.Side        `json:"type"`
	Timestamp       int64            `json:"timestamp"`
}

// Outbox is a bounded, non-blocking queue of notifications appended after
// commit and drained by a single dispatcher goroutine.
type Outbox struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{ch: make(chan Event, capacity)}
}

// TryPublish enqueues without blocking
func (o *Outbox) TryPublish(e Event) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.ch <- e:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops accepting events; Run drains what is queued and returns
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (o *Outbox) Len() int { return len(o.ch) }

// Run consumes events until the context is done or the outbox is closed
func (o *Outbox) Run(ctx context.Context, n Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-o.ch:
			if !ok {
				return
			}
			n.Publish(e.Channel, e.Type, e.Data)
		}
	}
}

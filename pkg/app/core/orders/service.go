// Package orders is the order service: it validates placements against the
// price grid and the daily band, persists them, and hands them to the book.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/engine"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
	"github.com/uhyunpark/bursa/pkg/util"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be a positive number of lots")
	ErrInvalidPrice    = errors.New("price must be positive")
	ErrInvalidSide     = errors.New("side must be BUY or SELL")
	ErrUnknownSymbol   = errors.New("unknown or inactive symbol")
	ErrInvalidTick     = errors.New("price is not a multiple of the tick size")
	ErrOutsideBand     = errors.New("price outside the daily auto-rejection band")
	ErrMarketClosed    = errors.New("market is closed")
	ErrMissingUser     = errors.New("user id is required")
)

// Ledger is the order side of the durable ledger
type Ledger interface {
	PlaceOrder(ctx context.Context, req ledger.PlaceOrder) (ledger.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (ledger.Order, int64, error)
}

// Engine receives placement and cancel side effects
type Engine interface {
	OnOrderPlaced(symbol string)
	OnOrderCanceled(ctx context.Context, symbol string, side core.Side, orderID string) error
	PublishOrderStatus(o ledger.Order)
}

type PlaceRequest struct {
	UserID string
	// MarketMaker orders bypass the ledger entirely
	MarketMaker bool
	Symbol      string
	Side        core.Side
	Price       int64
	Quantity    int64
}

type Placed struct {
	Order ledger.Order
	// InBook is false while the market is closed; the order waits for the
	// next session's migration
	InBook bool
}

type Options struct {
	Ledger   Ledger
	Book     orderbook.Store
	Registry *market.Registry
	Engine   Engine
	Phase    engine.Phase
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

type Service struct {
	ledger   Ledger
	book     orderbook.Store
	registry *market.Registry
	engine   Engine
	phase    engine.Phase
	clock    util.Clock
	log      *zap.SugaredLogger

	mu   sync.Mutex
	last int64
}

func NewService(opt Options) (*Service, error) {
	if opt.Ledger == nil || opt.Book == nil || opt.Registry == nil || opt.Engine == nil || opt.Phase == nil {
		return nil, fmt.Errorf("order service requires a ledger, book, registry, engine and phase")
	}
	s := &Service{
		ledger:   opt.Ledger,
		book:     opt.Book,
		registry: opt.Registry,
		engine:   opt.Engine,
		phase:    opt.Phase,
		clock:    opt.Clock,
		log:      util.OrNop(opt.Logger),
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}
	return s, nil
}

// stamp returns a strictly increasing arrival time in unix nanoseconds
func (s *Service) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = max(s.clock.Now().UnixNano(), s.last+1)
	return s.last
}

func (s *Service) validate(req PlaceRequest) (market.Instrument, error) {
	if !req.MarketMaker && req.UserID == "" {
		return market.Instrument{}, ErrMissingUser
	}
	if !req.Side.Valid() {
		return market.Instrument{}, ErrInvalidSide
	}
	if req.Quantity <= 0 {
		return market.Instrument{}, ErrInvalidQuantity
	}
	if req.Price <= 0 {
		return market.Instrument{}, ErrInvalidPrice
	}
	in, err := s.registry.Get(req.Symbol)
	if err != nil || !in.Active {
		return in, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}
	if !pricing.IsValidTick(req.Price) {
		return in, fmt.Errorf("%w: %d (tick %d)", ErrInvalidTick, req.Price, pricing.TickSize(req.Price))
	}
	if in.Bands.Upper > 0 && !in.Bands.Contains(req.Price) {
		return in, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutsideBand, req.Price, in.Bands.Lower, in.Bands.Upper)
	}
	return in, nil
}

// Place validates, persists and rests an order. Matching outcomes arrive
// later through notifications, never in the return value.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (Placed, error) {
	in, err := s.validate(req)
	if err != nil {
		return Placed{}, err
	}
	phase := s.phase.Status()
	ts := s.stamp()

	var (
		o     ledger.Order
		owner core.Participant
	)
	if req.MarketMaker {
		// nothing would carry it over to the next session
		if !phase.AcceptsBook() {
			return Placed{}, ErrMarketClosed
		}
		now := s.clock.Now()
		o = ledger.Order{
			ID:        uuid.NewString(),
			StockID:   in.StockID,
			Symbol:    in.Symbol,
			Side:      req.Side,
			Price:     req.Price,
			Quantity:  req.Quantity,
			Remaining: req.Quantity,
			Status:    core.StatusPending,
			Timestamp: ts,
			CreatedAt: now,
			UpdatedAt: now,
		}
		owner = core.MarketMaker()
	} else {
		o, err = s.ledger.PlaceOrder(ctx, ledger.PlaceOrder{
			UserID:    req.UserID,
			StockID:   in.StockID,
			Symbol:    in.Symbol,
			Side:      req.Side,
			Price:     req.Price,
			Quantity:  req.Quantity,
			Timestamp: ts,
		})
		if err != nil {
			return Placed{}, err
		}
		owner = core.Real(o.UserID)
	}

	res := Placed{Order: o}
	if phase.AcceptsBook() {
		entry := orderbook.Entry{
			OrderID:   o.ID,
			Owner:     owner,
			StockID:   o.StockID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     o.Price,
			Quantity:  o.Quantity,
			Remaining: o.Remaining,
			Timestamp: o.Timestamp,
			RefPrice:  o.RefPrice,
		}
		if err := orderbook.Insert(ctx, s.book, entry); err != nil {
			s.log.Errorw("book_insert_failed", "order_id", o.ID, "symbol", o.Symbol, "err", err)
			err = fmt.Errorf("insert order %s into book: %w", o.ID, err)
			if !req.MarketMaker {
				err = s.unwind(ctx, o, err)
			}
			return Placed{}, err
		}
		res.InBook = true
		s.engine.OnOrderPlaced(o.Symbol)
	}

	s.log.Infow("order_placed",
		"order_id", o.ID,
		"owner", owner.String(),
		"symbol", o.Symbol,
		"side", o.Side,
		"price", o.Price,
		"quantity", o.Quantity,
		"phase", phase,
		"in_book", res.InBook,
	)
	return res, nil
}

// unwind cancels a ledger order that never reached the book, so the caller's
// failure leaves no reserve behind
func (s *Service) unwind(ctx context.Context, o ledger.Order, cause error) error {
	_, refund, err := s.ledger.CancelOrder(context.WithoutCancel(ctx), o.UserID, o.ID)
	if err != nil {
		s.log.Errorw("placement_unwind_failed", "order_id", o.ID, "user_id", o.UserID, "err", err)
		return errors.Join(cause, fmt.Errorf("cancel order %s: %w", o.ID, err))
	}
	s.log.Warnw("placement_unwound", "order_id", o.ID, "user_id", o.UserID, "refund", refund)
	return cause
}

// Cancel marks the order CANCELED in the ledger, refunding any buy-side
// reserve, and then removes its book entry
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (ledger.Order, int64, error) {
	if userID == "" {
		return ledger.Order{}, 0, ErrMissingUser
	}
	o, refund, err := s.ledger.CancelOrder(ctx, userID, orderID)
	if err != nil {
		return o, 0, err
	}

	symbol := o.Symbol
	if symbol == "" {
		symbol, _ = s.registry.SymbolFor(o.StockID)
	}
	if symbol != "" {
		// a leftover entry is purged as stale by the next sweep
		if err := s.engine.OnOrderCanceled(ctx, symbol, o.Side, o.ID); err != nil {
			s.log.Warnw("book_cancel_failed", "order_id", o.ID, "symbol", symbol, "err", err)
		}
	}
	s.engine.PublishOrderStatus(o)
	s.log.Infow("order_canceled", "order_id", o.ID, "user_id", userID, "symbol", symbol, "refund", refund)
	return o, refund, nil
}

// CancelMarketMaker pulls market-maker liquidity, which only lives in the book
func (s *Service) CancelMarketMaker(ctx context.Context, symbol string, side core.Side, orderID string) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	if !s.registry.Exists(symbol) {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return s.engine.OnOrderCanceled(ctx, symbol, side, orderID)
}

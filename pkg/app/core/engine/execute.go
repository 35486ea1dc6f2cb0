package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

type tradeInput struct {
	Buy      orderbook.Resting
	Sell     orderbook.Resting
	Price    int64
	Quantity int64
	Auction  bool
}

// tradeOutcome carries the ledger result and what is left resting of each
// side. A zero Remaining means the side left the book.
type tradeOutcome struct {
	Result   ledger.TradeResult
	BuyLeft  orderbook.Resting
	SellLeft orderbook.Resting
}

// execute commits one trade to the ledger, then replaces both book entries.
// The ledger always commits before the book changes. A stale order error
// from the ledger purges that entry, or corrects its remaining when the order
// is still live, and is returned unchanged so callers can tell it apart from
// a failure.
func (e *Engine) execute(ctx context.Context, in tradeInput) (tradeOutcome, error) {
	symbol := in.Buy.Symbol
	req := ledger.TradeRequest{
		StockID:    in.Buy.StockID,
		Symbol:     symbol,
		Buy:        ledger.TradeLeg{OrderID: in.Buy.OrderID, Owner: in.Buy.Owner, LimitPrice: in.Buy.Price},
		Sell:       ledger.TradeLeg{OrderID: in.Sell.OrderID, Owner: in.Sell.Owner, LimitPrice: in.Sell.Price},
		Price:      in.Price,
		Quantity:   in.Quantity,
		ExecutedAt: e.clock.Now(),
	}

	res, err := e.ledger.ExecuteTrade(ctx, req)
	if stale, ok := ledger.IsStale(err); ok {
		out := tradeOutcome{BuyLeft: in.Buy, SellLeft: in.Sell}
		switch stale.OrderID {
		case in.Buy.OrderID:
			out.BuyLeft = e.reconcile(ctx, in.Buy, stale)
		case in.Sell.OrderID:
			out.SellLeft = e.reconcile(ctx, in.Sell, stale)
		}
		return out, err
	}
	if err != nil {
		return tradeOutcome{}, fmt.Errorf("execute trade %s/%s: %w", in.Buy.OrderID, in.Sell.OrderID, err)
	}

	out := tradeOutcome{Result: res}
	var b orderbook.Batch
	out.BuyLeft, err = replaceEntry(&b, in.Buy, remainingAfter(in.Buy, res.Buy, in.Quantity))
	if err != nil {
		return out, err
	}
	out.SellLeft, err = replaceEntry(&b, in.Sell, remainingAfter(in.Sell, res.Sell, in.Quantity))
	if err != nil {
		return out, err
	}
	if err := e.book.Apply(ctx, &b); err != nil {
		// the ledger is ahead of the book now; the next sweep reconciles
		return out, fmt.Errorf("update book after trade %s: %w", res.Trade.ID, err)
	}

	e.stats.tradesExecuted.Add(1)
	if in.Auction {
		e.stats.auctionTrades.Add(1)
	}
	if e.journal != nil {
		if err := e.journal.Record(res.Trade, in.Auction); err != nil {
			e.log.Warnw("journal_write_failed", "trade_id", res.Trade.ID, "err", err)
		}
	}
	e.log.Infow("trade_executed",
		"symbol", symbol,
		"trade_id", res.Trade.ID,
		"price", in.Price,
		"quantity", in.Quantity,
		"buy_order", in.Buy.OrderID,
		"sell_order", in.Sell.OrderID,
		"auction", in.Auction,
	)
	e.notifyTrade(in, res)
	return out, nil
}

// reconcile brings a book entry in line with a stale ledger answer. Entries
// of live orders are re-inserted with the ledger's remaining and keep their
// arrival time; the rest are purged. The returned entry is the corrected one,
// or carries a zero Remaining when the caller should drop the order for now.
func (e *Engine) reconcile(ctx context.Context, r orderbook.Resting, stale *ledger.StaleOrderError) orderbook.Resting {
	if !stale.Live() || stale.Remaining >= r.Remaining {
		e.purge(ctx, r.Symbol, r.Side, []orderbook.Member{r.Member}, "stale:"+string(stale.Status))
		return orderbook.Resting{Entry: r.WithRemaining(0)}
	}
	var b orderbook.Batch
	next, err := replaceEntry(&b, r, stale.Remaining)
	if err == nil {
		err = e.book.Apply(ctx, &b)
	}
	if err != nil {
		e.log.Errorw("book_correct_failed", "symbol", r.Symbol, "order_id", r.OrderID, "err", err)
		return orderbook.Resting{Entry: r.WithRemaining(0)}
	}
	e.stats.staleCorrected.Add(1)
	e.log.Warnw("book_entry_corrected",
		"symbol", r.Symbol,
		"order_id", r.OrderID,
		"book_remaining", r.Remaining,
		"ledger_remaining", stale.Remaining,
	)
	return next
}

// remainingAfter prefers the ledger's figure for real orders
func remainingAfter(r orderbook.Resting, leg ledger.LegResult, qty int64) int64 {
	if r.Owner.IsMarketMaker() {
		return r.Remaining - qty
	}
	return leg.Remaining
}

func replaceEntry(b *orderbook.Batch, r orderbook.Resting, remaining int64) (orderbook.Resting, error) {
	key := orderbook.Key(r.Symbol, r.Side)
	b.Remove(key, r.Member)
	next := orderbook.Resting{Entry: r.WithRemaining(max(remaining, 0))}
	if remaining <= 0 {
		return next, nil
	}
	payload, err := next.Encode()
	if err != nil {
		return orderbook.Resting{}, fmt.Errorf("encode remainder of %s: %w", r.OrderID, err)
	}
	b.Insert(key, r.Price, payload)
	next.Member = orderbook.Member{Payload: payload, Price: r.Price}
	return next, nil
}

func (e *Engine) notifyTrade(in tradeInput, res ledger.TradeResult) {
	symbol := res.Trade.Symbol
	if symbol == "" {
		symbol = in.Buy.Symbol
	}
	ts := res.Trade.ExecutedAt.UnixMilli()
	market := MarketChannel(symbol)

	e.publish(market, EventTrade, TradeTick{
		TradeID:   res.Trade.ID,
		Symbol:    symbol,
		Price:     res.Trade.Price,
		Quantity:  res.Trade.Quantity,
		Auction:   in.Auction,
		Timestamp: ts,
	})

	d := res.Daily
	change := d.Close - d.PrevClose
	pct := decimal.Zero
	if d.PrevClose > 0 {
		pct = decimal.NewFromInt(change).Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(d.PrevClose)).Round(2)
	}
	e.publish(market, EventPriceUpdate, PriceUpdate{
		Symbol:        symbol,
		LastPrice:     d.Close,
		Change:        change,
		ChangePercent: pct,
		Volume:        d.Volume,
	})

	for _, leg := range []struct {
		side core.Side
		r    ledger.LegResult
	}{{core.Buy, res.Buy}, {core.Sell, res.Sell}} {
		if leg.r.Owner.IsMarketMaker() {
			continue
		}
		e.publish(UserChannel(leg.r.Owner.AccountID), EventOrderMatched, OrderMatched{
			OrderID:   leg.r.OrderID,
			TradeID:   res.Trade.ID,
			Symbol:    symbol,
			Side:      leg.side,
			Price:     res.Trade.Price,
			Quantity:  res.Trade.Quantity,
			Remaining: leg.r.Remaining,
			Status:    leg.r.Status,
			Refund:    leg.r.Refund,
			Timestamp: ts,
		})
	}
}

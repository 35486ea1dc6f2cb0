package engine

import (
	"context"
	"fmt"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/auction"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

// wholeBook reads both sides completely, purging malformed entries
func (e *Engine) wholeBook(ctx context.Context, symbol string) ([]orderbook.Resting, []orderbook.Resting, error) {
	buys, badBuys, err := orderbook.All(ctx, e.book, symbol, core.Buy)
	if err != nil {
		return nil, nil, err
	}
	sells, badSells, err := orderbook.All(ctx, e.book, symbol, core.Sell)
	if err != nil {
		return nil, nil, err
	}
	e.purge(ctx, symbol, core.Buy, badBuys, "malformed")
	e.purge(ctx, symbol, core.Sell, badSells, "malformed")
	return buys, sells, nil
}

func (e *Engine) prevClose(ctx context.Context, symbol string, stockID int64) int64 {
	if stockID > 0 {
		if p, err := e.ledger.PrevClose(ctx, stockID); err == nil && p > 0 {
			return p
		}
	}
	if in, err := e.registry.Get(symbol); err == nil {
		return in.PrevClose
	}
	return 0
}

func stockIDOf(sets ...[]orderbook.Resting) int64 {
	for _, set := range sets {
		for _, r := range set {
			if r.StockID > 0 {
				return r.StockID
			}
		}
	}
	return 0
}

// CalculateIEP computes the indicative equilibrium price over the whole book
func (e *Engine) CalculateIEP(ctx context.Context, symbol string) (auction.Result, bool, error) {
	buys, sells, err := e.wholeBook(ctx, symbol)
	if err != nil {
		return auction.Result{}, false, fmt.Errorf("read book %s: %w", symbol, err)
	}
	if len(buys) == 0 || len(sells) == 0 {
		return auction.Result{}, false, nil
	}
	stockID := stockIDOf(buys, sells)
	if in, err := e.registry.Get(symbol); err == nil {
		stockID = in.StockID
	}
	r, ok := auction.Calculate(buys, sells, e.prevClose(ctx, symbol, stockID))
	return r, ok, nil
}

// RecomputeIEP refreshes the stored indicative price and, when publish is
// set, notifies subscribers
func (e *Engine) RecomputeIEP(ctx context.Context, symbol string, publish bool) (auction.Result, bool, error) {
	r, ok, err := e.CalculateIEP(ctx, symbol)
	if err != nil {
		return r, false, err
	}
	e.mu.Lock()
	if ok {
		e.iep[symbol] = r
	} else {
		delete(e.iep, symbol)
	}
	e.mu.Unlock()

	if publish {
		e.publishIEP(symbol)
	}
	return r, ok, nil
}

// PublishIEP sends the stored indicative price as it stands
func (e *Engine) PublishIEP(symbol string) { e.publishIEP(symbol) }

func (e *Engine) publishIEP(symbol string) {
	upd := IEPUpdate{Symbol: symbol}
	if r, ok := e.IEP(symbol); ok {
		upd.IEP = &r
	}
	e.publish(MarketChannel(symbol), EventIEPUpdate, upd)
}

// IEP returns the displayed indicative price
func (e *Engine) IEP(symbol string) (auction.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.iep[symbol]
	return r, ok
}

// ClearIEP removes the displayed indicative price and publishes null
func (e *Engine) ClearIEP(symbol string) {
	e.mu.Lock()
	delete(e.iep, symbol)
	e.mu.Unlock()
	e.publishIEP(symbol)
}

// AuctionReport summarises one symbol's opening cross
type AuctionReport struct {
	Symbol        string `json:"symbol"`
	Price         int64  `json:"price,omitempty"`
	MatchedVolume int64  `json:"matchedVolume"`
	Executed      int64  `json:"executed"`
	Trades        int    `json:"trades"`
	Skipped       int    `json:"skipped"`
}

// ExecuteAuction crosses the book at a single clearing price. It holds the
// symbol lock so no sweep runs alongside it.
func (e *Engine) ExecuteAuction(ctx context.Context, symbol string) (AuctionReport, error) {
	rep := AuctionReport{Symbol: symbol}
	unlock, err := e.lockSymbol(ctx, symbol)
	if err != nil {
		return rep, err
	}
	defer unlock()
	defer func() {
		e.ClearIEP(symbol)
		e.ForceBroadcast(symbol)
	}()

	buys, sells, err := e.wholeBook(ctx, symbol)
	if err != nil {
		return rep, fmt.Errorf("read book %s: %w", symbol, err)
	}
	stockID := stockIDOf(buys, sells)
	if in, err := e.registry.Get(symbol); err == nil {
		stockID = in.StockID
	}
	r, ok := auction.Calculate(buys, sells, e.prevClose(ctx, symbol, stockID))
	if !ok || r.MatchedVolume <= 0 {
		e.log.Infow("auction_no_cross", "symbol", symbol)
		return rep, nil
	}
	rep.Price, rep.MatchedVolume = r.Price, r.MatchedVolume

	br := e.breakers.get(symbol)
	w := auction.NewWalk(buys, sells, r)
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		f, ok := w.Next()
		if !ok {
			break
		}
		out, err := e.execute(ctx, tradeInput{
			Buy:      f.Buy,
			Sell:     f.Sell,
			Price:    f.Price,
			Quantity: f.Quantity,
			Auction:  true,
		})
		if stale, ok := ledger.IsStale(err); ok {
			switch {
			case stale.OrderID == f.Buy.OrderID && out.BuyLeft.Remaining > 0:
				w.ReplaceBuy(out.BuyLeft)
			case stale.OrderID == f.Buy.OrderID:
				rep.Skipped++
				w.SkipBuy()
			case stale.OrderID == f.Sell.OrderID && out.SellLeft.Remaining > 0:
				w.ReplaceSell(out.SellLeft)
			default:
				rep.Skipped++
				w.SkipSell()
			}
			continue
		}
		if err != nil {
			e.fail(symbol, br, "auction_trade_failed", err)
			// remaining crossing interest is left to continuous matching
			rep.Executed = w.Done()
			return rep, err
		}
		w.Filled(f, out.BuyLeft, out.SellLeft)
		rep.Trades++
	}
	rep.Executed = w.Done()
	e.log.Infow("auction_executed",
		"symbol", symbol,
		"price", rep.Price,
		"matched_volume", rep.MatchedVolume,
		"executed", rep.Executed,
		"trades", rep.Trades,
		"skipped", rep.Skipped,
	)
	return rep, nil
}

// PurgeBook deletes both sides of every given symbol's book and clears any
// displayed indicative price
func (e *Engine) PurgeBook(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	keys := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		keys = append(keys, orderbook.Key(s, core.Buy), orderbook.Key(s, core.Sell))
	}
	if err := e.book.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("purge books: %w", err)
	}
	for _, s := range symbols {
		e.ClearIEP(s)
		e.ForceBroadcast(s)
	}
	e.log.Infow("books_purged", "symbols", len(symbols))
	return nil
}

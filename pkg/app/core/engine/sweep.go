package engine

import (
	"context"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

type sweepResult struct {
	iterations int
	trades     int
	failures   int
	stale      int
}

// sweep pairs the best bid and ask while they cross, one trade per
// iteration, for at most MaxIterations. The book is re-read and re-sorted on
// every iteration.
func (e *Engine) sweep(ctx context.Context, symbol string) sweepResult {
	var res sweepResult
	br := e.breakers.get(symbol)
	e.stats.sweepsProcessed.Add(1)

	defer func() {
		if res.failures == 0 && ctx.Err() == nil {
			br.RecordSuccess()
		}
		e.requestBroadcast(symbol)
	}()

	for res.iterations < e.cfg.MaxIterations {
		if ctx.Err() != nil {
			return res
		}
		res.iterations++

		buys, sells, err := e.topOfBook(ctx, symbol)
		if err != nil {
			e.fail(symbol, br, "book_read_failed", err)
			res.failures++
			if !br.CanProcess() {
				return res
			}
			continue
		}
		if len(buys) == 0 || len(sells) == 0 {
			return res
		}

		bid, ask := buys[0], sells[0]
		if bid.Price < ask.Price {
			return res
		}

		_, err = e.execute(ctx, tradeInput{
			Buy:      bid,
			Sell:     ask,
			Price:    makerPrice(bid, ask),
			Quantity: min(bid.Remaining, ask.Remaining),
		})
		if _, stale := ledger.IsStale(err); stale {
			res.stale++
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return res
			}
			e.fail(symbol, br, "trade_execution_failed", err)
			res.failures++
			if !br.CanProcess() {
				return res
			}
			continue
		}
		res.trades++
	}

	if res.iterations >= e.cfg.MaxIterations {
		e.log.Warnw("sweep_iteration_limit", "symbol", symbol, "iterations", res.iterations, "trades", res.trades)
		// the book may still cross; queue another pass behind this one
		e.Match(symbol)
	}
	return res
}

// topOfBook reads every entry at the best MatchDepth prices per side, purging
// anything that fails to parse
func (e *Engine) topOfBook(ctx context.Context, symbol string) ([]orderbook.Resting, []orderbook.Resting, error) {
	buys, badBuys, err := orderbook.Top(ctx, e.book, symbol, core.Buy, e.cfg.MatchDepth)
	if err != nil {
		return nil, nil, err
	}
	sells, badSells, err := orderbook.Top(ctx, e.book, symbol, core.Sell, e.cfg.MatchDepth)
	if err != nil {
		return nil, nil, err
	}
	e.purge(ctx, symbol, core.Buy, badBuys, "malformed")
	e.purge(ctx, symbol, core.Sell, badSells, "malformed")
	return buys, sells, nil
}

// makerPrice is the price of whichever order arrived first
func makerPrice(bid, ask orderbook.Resting) int64 {
	if bid.Timestamp != ask.Timestamp {
		if bid.Timestamp < ask.Timestamp {
			return bid.Price
		}
		return ask.Price
	}
	if bid.OrderID < ask.OrderID {
		return bid.Price
	}
	return ask.Price
}

func (e *Engine) fail(symbol string, br *Breaker, event string, err error) {
	e.stats.errors.Add(1)
	e.log.Errorw(event, "symbol", symbol, "err", err)
	if br.RecordFailure() {
		e.stats.circuitTrips.Add(1)
		e.log.Warnw("circuit_breaker_opened", "symbol", symbol, "failures", br.Snapshot().Failures)
	}
}

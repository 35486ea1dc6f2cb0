package engine

import (
	"context"
	"fmt"

	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

// Cleanup scans every book key and removes entries that no longer parse or
// carry non-positive remaining quantity. It returns how many were removed.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	keys, err := e.book.Keys(ctx, orderbook.KeyPattern)
	if err != nil {
		return 0, fmt.Errorf("list book keys: %w", err)
	}
	removed := 0
	for _, key := range keys {
		symbol, side, ok := orderbook.ParseKey(key)
		if !ok {
			continue
		}
		members, err := e.book.ScanAll(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("scan %s: %w", key, err)
		}
		_, malformed := orderbook.Parse(members)
		if len(malformed) == 0 {
			continue
		}
		e.purge(ctx, symbol, side, malformed, "cleanup")
		removed += len(malformed)
	}
	if removed > 0 {
		e.log.Infow("cleanup_completed", "keys", len(keys), "removed", removed)
	}
	return removed, nil
}

// BookReport is the result of validating one symbol's book
type BookReport struct {
	Symbol     string   `json:"symbol"`
	Bids       int      `json:"bids"`
	Asks       int      `json:"asks"`
	Malformed  int      `json:"malformed"`
	Duplicates []string `json:"duplicates,omitempty"`
	Crossed    bool     `json:"crossed"`
	BestBid    int64    `json:"bestBid,omitempty"`
	BestAsk    int64    `json:"bestAsk,omitempty"`
}

// ValidateBook inspects a symbol's book without changing it
func (e *Engine) ValidateBook(ctx context.Context, symbol string) (BookReport, error) {
	rep := BookReport{Symbol: symbol}
	var sides [2][]orderbook.Resting
	for i, side := range bookSides {
		members, err := e.book.ScanAll(ctx, orderbook.Key(symbol, side))
		if err != nil {
			return rep, err
		}
		valid, malformed := orderbook.Parse(members)
		rep.Malformed += len(malformed)
		seen := make(map[string]struct{}, len(valid))
		for _, r := range valid {
			if _, dup := seen[r.OrderID]; dup {
				rep.Duplicates = append(rep.Duplicates, r.OrderID)
			}
			seen[r.OrderID] = struct{}{}
		}
		orderbook.SortPriceTime(side, valid)
		sides[i] = valid
	}
	rep.Bids, rep.Asks = len(sides[0]), len(sides[1])
	if rep.Bids > 0 {
		rep.BestBid = sides[0][0].Price
	}
	if rep.Asks > 0 {
		rep.BestAsk = sides[1][0].Price
	}
	rep.Crossed = rep.Bids > 0 && rep.Asks > 0 && rep.BestBid >= rep.BestAsk
	return rep, nil
}

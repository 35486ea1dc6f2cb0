package orderbook

import (
	"sort"

	"github.com/uhyunpark/bursa/pkg/app/core"
)

// PriceLevel is the aggregate of every resting order at one exact price
type PriceLevel struct {
	Price    int64 `json:"price"`
	TotalQty int64 `json:"totalQty"`
	Count    int   `json:"count"`
}

// Aggregate groups entries by price, drops empty or non-positive levels and
// returns at most limit levels, bids high to low and asks low to high.
func Aggregate(side core.Side, rs []Resting, limit int) []PriceLevel {
	byPrice := make(map[int64]*PriceLevel)
	for _, r := range rs {
		lvl, ok := byPrice[r.Price]
		if !ok {
			lvl = &PriceLevel{Price: r.Price}
			byPrice[r.Price] = lvl
		}
		lvl.TotalQty += r.Remaining
		lvl.Count++
	}

	levels := make([]PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		if lvl.Price <= 0 || lvl.TotalQty <= 0 {
			continue
		}
		levels = append(levels, *lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == core.Buy {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	return levels
}

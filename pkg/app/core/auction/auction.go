// Package auction computes the single clearing price of a call auction and
// walks the crossing orders that trade at it.
package auction

import (
	"sort"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

// Result is the indicative equilibrium price
type Result struct {
	Price         int64 `json:"price"`
	MatchedVolume int64 `json:"matchedVolume"`
	Surplus       int64 `json:"surplus"`
}

// Candidate is the cumulative demand and supply at one price
type Candidate struct {
	Price  int64
	Demand int64
	Supply int64
}

func (c Candidate) Matched() int64 { return min(c.Demand, c.Supply) }

// Surplus is signed: positive means unfilled demand
func (c Candidate) Surplus() int64 { return c.Demand - c.Supply }

// Candidates evaluates every distinct price on either side, ascending
func Candidates(buys, sells []orderbook.Resting) []Candidate {
	seen := make(map[int64]struct{}, len(buys)+len(sells))
	prices := make([]int64, 0, len(buys)+len(sells))
	for _, set := range [][]orderbook.Resting{buys, sells} {
		for _, r := range set {
			if _, ok := seen[r.Price]; ok {
				continue
			}
			seen[r.Price] = struct{}{}
			prices = append(prices, r.Price)
		}
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })

	out := make([]Candidate, len(prices))
	for i, p := range prices {
		c := Candidate{Price: p}
		for _, b := range buys {
			if b.Price >= p {
				c.Demand += b.Remaining
			}
		}
		for _, s := range sells {
			if s.Price <= p {
				c.Supply += s.Remaining
			}
		}
		out[i] = c
	}
	return out
}

// Calculate picks the price with the largest matched volume, then the
// smallest absolute surplus, then the one nearest prevClose, then the lower
// price. ok is false when either side is empty or nothing crosses.
func Calculate(buys, sells []orderbook.Resting, prevClose int64) (Result, bool) {
	if len(buys) == 0 || len(sells) == 0 {
		return Result{}, false
	}

	var (
		best  Candidate
		found bool
	)
	for _, c := range Candidates(buys, sells) {
		if c.Matched() <= 0 {
			continue
		}
		if !found || better(c, best, prevClose) {
			best, found = c, true
		}
	}
	if !found {
		return Result{}, false
	}
	return Result{Price: best.Price, MatchedVolume: best.Matched(), Surplus: best.Surplus()}, true
}

func better(a, b Candidate, prevClose int64) bool {
	if a.Matched() != b.Matched() {
		return a.Matched() > b.Matched()
	}
	if sa, sb := abs(a.Surplus()), abs(b.Surplus()); sa != sb {
		return sa < sb
	}
	if da, db := abs(a.Price-prevClose), abs(b.Price-prevClose); da != db {
		return da < db
	}
	return a.Price < b.Price
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Fill is one pairing of the auction walk, always at the clearing price
type Fill struct {
	Buy      orderbook.Resting
	Sell     orderbook.Resting
	Price    int64
	Quantity int64
}

// Walk pairs eligible buys and sells in price-time order until the matched
// volume is reached. Orders at the clearing price itself are filled in time
// priority, so the marginal level may be left partially filled.
type Walk struct {
	price  int64
	target int64
	done   int64
	buys   []orderbook.Resting
	sells  []orderbook.Resting
	bi, si int
}

func NewWalk(buys, sells []orderbook.Resting, r Result) *Walk {
	w := &Walk{price: r.Price, target: r.MatchedVolume}
	for _, b := range buys {
		if b.Price >= r.Price && b.Remaining > 0 {
			w.buys = append(w.buys, b)
		}
	}
	for _, s := range sells {
		if s.Price <= r.Price && s.Remaining > 0 {
			w.sells = append(w.sells, s)
		}
	}
	orderbook.SortPriceTime(core.Buy, w.buys)
	orderbook.SortPriceTime(core.Sell, w.sells)
	return w
}

// Next returns the pairing to execute, or false when the walk is finished
func (w *Walk) Next() (Fill, bool) {
	if w.bi >= len(w.buys) || w.si >= len(w.sells) {
		return Fill{}, false
	}
	left := w.target - w.done
	if left <= 0 {
		return Fill{}, false
	}
	b, s := w.buys[w.bi], w.sells[w.si]
	return Fill{
		Buy:      b,
		Sell:     s,
		Price:    w.price,
		Quantity: min(b.Remaining, s.Remaining, left),
	}, true
}

// Filled records an executed fill. buyLeft and sellLeft are the re-inserted
// remainders; a zero Remaining means that side was fully consumed.
func (w *Walk) Filled(f Fill, buyLeft, sellLeft orderbook.Resting) {
	w.done += f.Quantity
	if buyLeft.Remaining > 0 {
		w.buys[w.bi] = buyLeft
	} else {
		w.bi++
	}
	if sellLeft.Remaining > 0 {
		w.sells[w.si] = sellLeft
	} else {
		w.si++
	}
}

// SkipBuy drops the current buy, e.g. after it was found stale
func (w *Walk) SkipBuy() {
	if w.bi < len(w.buys) {
		w.bi++
	}
}

func (w *Walk) SkipSell() {
	if w.si < len(w.sells) {
		w.si++
	}
}

// ReplaceBuy swaps the current buy for a corrected entry of the same order
func (w *Walk) ReplaceBuy(r orderbook.Resting) {
	if w.bi < len(w.buys) {
		w.buys[w.bi] = r
	}
}

func (w *Walk) ReplaceSell(r orderbook.Resting) {
	if w.si < len(w.sells) {
		w.sells[w.si] = r
	}
}

// Done is the quantity executed so far
func (w *Walk) Done() int64 { return w.done }

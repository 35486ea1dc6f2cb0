package auction

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

var seq int64

func order(side core.Side, qty, price int64) orderbook.Resting {
	seq++
	e := orderbook.Entry{
		OrderID:   fmt.Sprintf("%s-%d", side, seq),
		Owner:     core.Real("u"),
		Symbol:    "BBCA",
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		Timestamp: seq,
	}
	payload, _ := e.Encode()
	return orderbook.Resting{Entry: e, Member: orderbook.Member{Payload: payload, Price: price}}
}

func exampleBook() (buys, sells []orderbook.Resting) {
	buys = []orderbook.Resting{order(core.Buy, 10, 1000), order(core.Buy, 20, 900), order(core.Buy, 50, 800)}
	sells = []orderbook.Resting{order(core.Sell, 5, 700), order(core.Sell, 15, 900), order(core.Sell, 30, 1000)}
	return buys, sells
}

func TestCandidates(t *testing.T) {
	buys, sells := exampleBook()
	got := map[int64]int64{}
	for _, c := range Candidates(buys, sells) {
		got[c.Price] = c.Matched()
	}
	assert.Equal(t, map[int64]int64{700: 5, 800: 5, 900: 20, 1000: 10}, got)
}

func TestCalculate(t *testing.T) {
	buys, sells := exampleBook()
	r, ok := Calculate(buys, sells, 1000)
	require.True(t, ok)
	assert.Equal(t, Result{Price: 900, MatchedVolume: 20, Surplus: 10}, r)
}

func TestCalculate_NoCross(t *testing.T) {
	_, ok := Calculate(
		[]orderbook.Resting{order(core.Buy, 10, 900)},
		[]orderbook.Resting{order(core.Sell, 10, 950)},
		900,
	)
	assert.False(t, ok)

	_, ok = Calculate(nil, []orderbook.Resting{order(core.Sell, 10, 950)}, 900)
	assert.False(t, ok)
}

func TestCalculate_TieBreaks(t *testing.T) {
	tests := []struct {
		name      string
		buys      []orderbook.Resting
		sells     []orderbook.Resting
		prevClose int64
		want      int64
	}{
		{
			// 10 matches at both 1000 and 1010; surplus is 0 at both
			name:      "closest to previous close",
			buys:      []orderbook.Resting{order(core.Buy, 10, 1010)},
			sells:     []orderbook.Resting{order(core.Sell, 10, 1000)},
			prevClose: 1010,
			want:      1010,
		},
		{
			name:      "equidistant resolves to lower price",
			buys:      []orderbook.Resting{order(core.Buy, 10, 1010)},
			sells:     []orderbook.Resting{order(core.Sell, 10, 1000)},
			prevClose: 1005,
			want:      1000,
		},
		{
			// 10 matches at 1000 (surplus +10) and 1010 (surplus 0)
			name:      "smaller surplus",
			buys:      []orderbook.Resting{order(core.Buy, 10, 1010), order(core.Buy, 10, 1000)},
			sells:     []orderbook.Resting{order(core.Sell, 10, 1000)},
			prevClose: 1000,
			want:      1010,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := Calculate(tt.buys, tt.sells, tt.prevClose)
			require.True(t, ok)
			assert.Equal(t, tt.want, r.Price)
		})
	}
}

func TestWalk_ExecutesExactlyMatchedVolumeAtClearingPrice(t *testing.T) {
	buys, sells := exampleBook()
	r, ok := Calculate(buys, sells, 1000)
	require.True(t, ok)

	w := NewWalk(buys, sells, r)
	var total int64
	for {
		f, ok := w.Next()
		if !ok {
			break
		}
		assert.Equal(t, int64(900), f.Price)
		assert.GreaterOrEqual(t, f.Buy.Price, int64(900))
		assert.LessOrEqual(t, f.Sell.Price, int64(900))
		total += f.Quantity
		w.Filled(f, left(f.Buy, f.Quantity), left(f.Sell, f.Quantity))
	}
	assert.Equal(t, int64(20), total)
	assert.Equal(t, int64(20), w.Done())
}

func TestWalk_SkipStale(t *testing.T) {
	buys := []orderbook.Resting{order(core.Buy, 5, 1000), order(core.Buy, 5, 1000)}
	sells := []orderbook.Resting{order(core.Sell, 10, 1000)}
	w := NewWalk(buys, sells, Result{Price: 1000, MatchedVolume: 10})

	f, ok := w.Next()
	require.True(t, ok)
	assert.Equal(t, buys[0].OrderID, f.Buy.OrderID)
	w.SkipBuy()

	f, ok = w.Next()
	require.True(t, ok)
	assert.Equal(t, buys[1].OrderID, f.Buy.OrderID)
	assert.Equal(t, int64(5), f.Quantity)
	w.Filled(f, left(f.Buy, 5), left(f.Sell, 5))

	_, ok = w.Next()
	assert.False(t, ok)
	assert.Equal(t, int64(5), w.Done())
}

func left(r orderbook.Resting, filled int64) orderbook.Resting {
	r.Entry = r.WithRemaining(r.Remaining - filled)
	return r
}

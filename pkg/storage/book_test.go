package storage

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

func bookEntry(id string, side core.Side, price, qty, ts int64) orderbook.Entry {
	return orderbook.Entry{
		OrderID:   id,
		Owner:     core.Real("u-" + id),
		StockID:   1,
		Symbol:    "BBCA",
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		Timestamp: ts,
	}
}

// runStoreContract exercises the behaviour every book backend must share
func runStoreContract(t *testing.T, s orderbook.Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	buyKey := orderbook.Key("BBCA", core.Buy)
	sellKey := orderbook.Key("BBCA", core.Sell)

	for _, e := range []orderbook.Entry{
		bookEntry("b1", core.Buy, 990, 5, 3),
		bookEntry("b2", core.Buy, 1000, 5, 2),
		bookEntry("b3", core.Buy, 1000, 5, 1),
		bookEntry("s1", core.Sell, 1010, 5, 1),
		bookEntry("s2", core.Sell, 1005, 5, 2),
	} {
		require.NoError(t, orderbook.Insert(ctx, s, e))
	}

	n, err := s.Count(ctx, buyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	desc, err := s.RangeDesc(ctx, buyKey, 0, 2)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, int64(1000), desc[0].Price)
	assert.Equal(t, int64(1000), desc[1].Price)

	rest, err := s.RangeDesc(ctx, buyKey, 2, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(990), rest[0].Price)

	asc, err := s.RangeAsc(ctx, sellKey, 0, 1)
	require.NoError(t, err)
	require.Len(t, asc, 1)
	assert.Equal(t, int64(1005), asc[0].Price)

	top, _, err := orderbook.Top(ctx, s, "BBCA", core.Buy, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, []string{"b3", "b2", "b1"}, []string{top[0].OrderID, top[1].OrderID, top[2].OrderID})

	// partial fill: remove the exact member and reinsert in one batch
	var b orderbook.Batch
	b.Remove(buyKey, top[0].Member)
	next, err := top[0].WithRemaining(2).Encode()
	require.NoError(t, err)
	b.Insert(buyKey, top[0].Price, next)
	require.NoError(t, s.Apply(ctx, &b))

	top, _, err = orderbook.Top(ctx, s, "BBCA", core.Buy, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "b3", top[0].OrderID)
	assert.Equal(t, int64(2), top[0].Remaining)

	// a level wider than one page is still read whole
	for i := 0; i < 40; i++ {
		require.NoError(t, orderbook.Insert(ctx, s, bookEntry(fmt.Sprintf("w%02d", i), core.Buy, 1000, 1, int64(100+i))))
	}
	top, _, err = orderbook.Top(ctx, s, "BBCA", core.Buy, 1)
	require.NoError(t, err)
	require.Len(t, top, 42)
	assert.Equal(t, "b3", top[0].OrderID)
	assert.Equal(t, "b2", top[1].OrderID)
	for i := 0; i < 40; i++ {
		var wb orderbook.Batch
		wb.Remove(buyKey, top[i+2].Member)
		require.NoError(t, s.Apply(ctx, &wb))
	}

	// removing an absent member is a no-op
	require.NoError(t, orderbook.RemoveExact(ctx, s, buyKey, orderbook.Member{Payload: []byte("gone"), Price: 1}))
	n, err = s.Count(ctx, buyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	keys, err := s.Keys(ctx, orderbook.KeyPattern)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{buyKey, sellKey}, keys)

	keys, err = s.Keys(ctx, "orderbook:*:sell")
	require.NoError(t, err)
	assert.Equal(t, []string{sellKey}, keys)

	require.NoError(t, s.Delete(ctx, buyKey, sellKey))
	all, err := s.ScanAll(ctx, buyKey)
	require.NoError(t, err)
	assert.Empty(t, all)
	keys, err = s.Keys(ctx, orderbook.KeyPattern)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStoreContract_Memory(t *testing.T) {
	runStoreContract(t, orderbook.NewMemoryStore())
}

func TestStoreContract_Pebble(t *testing.T) {
	s, err := NewPebbleBook(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

func TestStoreContract_Redis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s := NewRedisBook(RedisOption{Addr: addr, DB: 15})
	defer s.Close()
	ctx := context.Background()
	keys, err := s.Keys(ctx, orderbook.KeyPattern)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, keys...))
	runStoreContract(t, s)
}

func TestPebbleBook_ReinsertReplacesScore(t *testing.T) {
	ctx := context.Background()
	s, err := NewPebbleBook(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	key := orderbook.Key("TLKM", core.Sell)
	var b orderbook.Batch
	b.Insert(key, 100, []byte("same"))
	b.Insert(key, 300, []byte("same"))
	require.NoError(t, s.Apply(ctx, &b))

	all, err := s.ScanAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(300), all[0].Price)

	// removal goes by payload, whatever price the caller passes
	require.NoError(t, orderbook.RemoveExact(ctx, s, key, orderbook.Member{Payload: []byte("same"), Price: 100}))
	n, err := s.Count(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPriceEncodingOrder(t *testing.T) {
	prices := []int64{-5, 0, 1, 99, 100, 1 << 40}
	for i := 1; i < len(prices); i++ {
		a, b := encodePrice(prices[i-1]), encodePrice(prices[i])
		assert.Less(t, string(a), string(b))
		assert.Equal(t, prices[i], decodePrice(b))
	}

	k := scoreKey("orderbook:BBCA:buy", 1234, []byte(`{"x":1}`))
	key, price, payload, err := splitScoreKey(k)
	require.NoError(t, err)
	assert.Equal(t, "orderbook:BBCA:buy", key)
	assert.Equal(t, int64(1234), price)
	assert.Equal(t, `{"x":1}`, string(payload))

	_, _, _, err = splitScoreKey([]byte("z:nosep"))
	assert.ErrorIs(t, err, errBadKey)
	assert.Equal(t, []byte("ab"), keyUpperBound([]byte("aa")))
}

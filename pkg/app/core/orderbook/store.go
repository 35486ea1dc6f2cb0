package orderbook

import (
	"context"
	"strings"

	"github.com/uhyunpark/bursa/pkg/app/core"
)

// KeyPattern matches every book key
const KeyPattern = "orderbook:*"

const keyPrefix = "orderbook:"

// Key is the store key holding one side of a symbol's book
func Key(symbol string, side core.Side) string {
	return keyPrefix + symbol + ":" + side.BookSuffix()
}

// ParseKey splits a book key back into symbol and side. Keys that do not end
// in a side suffix are not book keys.
func ParseKey(key string) (symbol string, side core.Side, ok bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, keyPrefix)
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", "", false
	}
	switch rest[i+1:] {
	case core.Buy.BookSuffix():
		return rest[:i], core.Buy, true
	case core.Sell.BookSuffix():
		return rest[:i], core.Sell, true
	}
	return "", "", false
}

// Member is one scored element of a book key. Payload identity is exact
// bytes; Price is the score.
type Member struct {
	Payload []byte
	Price   int64
}

type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpRemove
)

type Op struct {
	Kind    OpKind
	Key     string
	Price   int64
	Payload []byte
}

// Batch is an ordered list of mutations applied atomically by Store.Apply
type Batch struct {
	ops []Op
}

func (b *Batch) Insert(key string, price int64, payload []byte) {
	b.ops = append(b.ops, Op{Kind: OpInsert, Key: key, Price: price, Payload: payload})
}

// Remove drops the exact member; absent members are ignored
func (b *Batch) Remove(key string, m Member) {
	b.ops = append(b.ops, Op{Kind: OpRemove, Key: key, Price: m.Price, Payload: m.Payload})
}

func (b *Batch) Ops() []Op { return b.ops }
func (b *Batch) Len() int  { return len(b.ops) }

// Store is a sorted set per key, scored by price. Ordering among equal
// prices is whatever the backend does natively and must not be relied on:
// callers re-sort with SortBids/SortAsks.
type Store interface {
	// Apply runs every op of the batch atomically, in order
	Apply(ctx context.Context, b *Batch) error
	// RangeDesc returns up to count members from the highest price down,
	// skipping offset. count <= 0 means no limit.
	RangeDesc(ctx context.Context, key string, offset, count int) ([]Member, error)
	RangeAsc(ctx context.Context, key string, offset, count int) ([]Member, error)
	ScanAll(ctx context.Context, key string) ([]Member, error)
	// Keys enumerates keys matching a glob pattern
	Keys(ctx context.Context, pattern string) ([]string, error)
	Count(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Insert adds a single entry
func Insert(ctx context.Context, s Store, e Entry) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	var b Batch
	b.Insert(Key(e.Symbol, e.Side), e.Price, payload)
	return s.Apply(ctx, &b)
}

// RemoveExact removes one member. Missing members are a no-op.
func RemoveExact(ctx context.Context, s Store, key string, m Member) error {
	var b Batch
	b.Remove(key, m)
	return s.Apply(ctx, &b)
}

// FindOrder scans one side for the entry of an order id
func FindOrder(ctx context.Context, s Store, symbol string, side core.Side, orderID string) (Resting, bool, error) {
	members, err := s.ScanAll(ctx, Key(symbol, side))
	if err != nil {
		return Resting{}, false, err
	}
	valid, _ := Parse(members)
	for _, r := range valid {
		if r.OrderID == orderID {
			return r, true, nil
		}
	}
	return Resting{}, false, nil
}

// topPage is the smallest page Top reads per round trip
const topPage = 32

// Top fetches the best levels distinct prices of a side and returns every
// member at those prices, parsed and sorted by price-time priority, plus any
// malformed members encountered. The boundary price is always read in full,
// so time priority there never depends on the store's ordering of equal
// scores. levels <= 0 reads the whole side.
func Top(ctx context.Context, s Store, symbol string, side core.Side, levels int) ([]Resting, []Member, error) {
	if levels <= 0 {
		return All(ctx, s, symbol, side)
	}
	key := Key(symbol, side)
	rangeBest := s.RangeAsc
	if side == core.Buy {
		rangeBest = s.RangeDesc
	}

	page := max(levels, topPage)
	seen := make(map[string]struct{})
	var (
		members  []Member
		distinct int
		last     int64
	)
scan:
	for offset := 0; ; offset += page {
		batch, err := rangeBest(ctx, key, offset, page)
		if err != nil {
			return nil, nil, err
		}
		for _, m := range batch {
			if distinct == 0 || m.Price != last {
				if distinct == levels {
					break scan
				}
				distinct++
				last = m.Price
			}
			// a concurrent insert can shift a member across pages
			if _, dup := seen[string(m.Payload)]; dup {
				continue
			}
			seen[string(m.Payload)] = struct{}{}
			members = append(members, m)
		}
		if len(batch) < page {
			break
		}
	}

	valid, malformed := Parse(members)
	SortPriceTime(side, valid)
	return valid, malformed, nil
}

// All fetches a whole side, parsed and sorted
func All(ctx context.Context, s Store, symbol string, side core.Side) ([]Resting, []Member, error) {
	members, err := s.ScanAll(ctx, Key(symbol, side))
	if err != nil {
		return nil, nil, err
	}
	valid, malformed := Parse(members)
	SortPriceTime(side, valid)
	return valid, malformed, nil
}

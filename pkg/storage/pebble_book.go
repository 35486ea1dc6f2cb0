package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

// PebbleBook is an embedded orderbook.Store. Each book key is a sorted set
// laid out as score entries plus a payload index (see codec.go).
type PebbleBook struct {
	db *pebble.DB
	// serialises read-modify-write batches on the payload index
	mu sync.Mutex
}

func NewPebbleBook(dir string) (*PebbleBook, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble book: %w", err)
	}
	return &PebbleBook{db: db}, nil
}

func (s *PebbleBook) Close() error { return s.db.Close() }

func (s *PebbleBook) Ping(context.Context) error {
	_, closer, err := s.db.Get([]byte(prefixIndex))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (s *PebbleBook) Apply(ctx context.Context, b *orderbook.Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	for _, op := range b.Ops() {
		idx := indexKey(op.Key, op.Payload)
		old, found, err := lookupPrice(batch, idx)
		if err != nil {
			return err
		}
		switch op.Kind {
		case orderbook.OpInsert:
			if found {
				if err := batch.Delete(scoreKey(op.Key, old, op.Payload), nil); err != nil {
					return err
				}
			}
			if err := batch.Set(scoreKey(op.Key, op.Price, op.Payload), nil, nil); err != nil {
				return err
			}
			if err := batch.Set(idx, encodePrice(op.Price), nil); err != nil {
				return err
			}
		case orderbook.OpRemove:
			if !found {
				continue
			}
			if err := batch.Delete(scoreKey(op.Key, old, op.Payload), nil); err != nil {
				return err
			}
			if err := batch.Delete(idx, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}
	return batch.Commit(pebble.Sync)
}

func lookupPrice(r pebble.Reader, idx []byte) (int64, bool, error) {
	val, closer, err := r.Get(idx)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read index: %w", err)
	}
	defer closer.Close()
	if len(val) != priceLen {
		return 0, false, errBadKey
	}
	return decodePrice(val), true, nil
}

func (s *PebbleBook) RangeDesc(ctx context.Context, key string, offset, count int) ([]orderbook.Member, error) {
	return s.scan(ctx, key, offset, count, true)
}

func (s *PebbleBook) RangeAsc(ctx context.Context, key string, offset, count int) ([]orderbook.Member, error) {
	return s.scan(ctx, key, offset, count, false)
}

func (s *PebbleBook) ScanAll(ctx context.Context, key string) ([]orderbook.Member, error) {
	return s.scan(ctx, key, 0, 0, false)
}

func (s *PebbleBook) scan(ctx context.Context, key string, offset, count int, desc bool) ([]orderbook.Member, error) {
	prefix := scorePrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var (
		out     []orderbook.Member
		skipped int
	)
	valid := iter.First()
	step := iter.Next
	if desc {
		valid = iter.Last()
		step = iter.Prev
	}
	for ; valid; valid = step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skipped < offset {
			skipped++
			continue
		}
		_, price, payload, err := splitScoreKey(iter.Key())
		if err != nil {
			continue
		}
		out = append(out, orderbook.Member{Payload: payload, Price: price})
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, iter.Error()
}

// Keys walks distinct book keys, seeking past each one's members
func (s *PebbleBook) Keys(ctx context.Context, pattern string) ([]string, error) {
	lower := []byte(prefixScore)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for valid := iter.First(); valid; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, _, _, err := splitScoreKey(iter.Key())
		if err != nil {
			valid = iter.Next()
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
		valid = iter.SeekGE(keyUpperBound(scorePrefix(key)))
	}
	return out, iter.Error()
}

func (s *PebbleBook) Count(ctx context.Context, key string) (int64, error) {
	members, err := s.ScanAll(ctx, key)
	if err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

func (s *PebbleBook) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		sp := scorePrefix(key)
		if err := batch.DeleteRange(sp, keyUpperBound(sp), nil); err != nil {
			return err
		}
		ip := indexKey(key, nil)
		if err := batch.DeleteRange(ip, keyUpperBound(ip), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

var _ orderbook.Store = (*PebbleBook)(nil)

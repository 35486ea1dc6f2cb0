package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/bursa/pkg/app/core/orderbook"
)

type RedisOption struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisBook stores each book side as a ZSET scored by price
type RedisBook struct {
	rdb *redis.Client
}

func NewRedisBook(opt RedisOption) *RedisBook {
	return &RedisBook{rdb: redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
		PoolSize: opt.PoolSize,
	})}
}

func (s *RedisBook) Close() error { return s.rdb.Close() }

func (s *RedisBook) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Apply runs the batch inside MULTI/EXEC
func (s *RedisBook) Apply(ctx context.Context, b *orderbook.Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range b.Ops() {
			switch op.Kind {
			case orderbook.OpInsert:
				pipe.ZAdd(ctx, op.Key, redis.Z{Score: float64(op.Price), Member: string(op.Payload)})
			case orderbook.OpRemove:
				pipe.ZRem(ctx, op.Key, string(op.Payload))
			default:
				return fmt.Errorf("unknown op kind %d", op.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply book batch: %w", err)
	}
	return nil
}

func rangeBounds(offset, count int) (int64, int64) {
	start := int64(offset)
	if count <= 0 {
		return start, -1
	}
	return start, start + int64(count) - 1
}

func (s *RedisBook) RangeDesc(ctx context.Context, key string, offset, count int) ([]orderbook.Member, error) {
	start, stop := rangeBounds(offset, count)
	zs, err := s.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

func (s *RedisBook) RangeAsc(ctx context.Context, key string, offset, count int) ([]orderbook.Member, error) {
	start, stop := rangeBounds(offset, count)
	zs, err := s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

func (s *RedisBook) ScanAll(ctx context.Context, key string) ([]orderbook.Member, error) {
	return s.RangeAsc(ctx, key, 0, 0)
}

func toMembers(zs []redis.Z) []orderbook.Member {
	out := make([]orderbook.Member, 0, len(zs))
	for _, z := range zs {
		var payload []byte
		switch m := z.Member.(type) {
		case string:
			payload = []byte(m)
		case []byte:
			payload = m
		default:
			payload = []byte(fmt.Sprint(m))
		}
		out = append(out, orderbook.Member{Payload: payload, Price: int64(z.Score)})
	}
	return out
}

// Keys uses SCAN so it never blocks the server the way KEYS would
func (s *RedisBook) Keys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisBook) Count(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisBook) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

var _ orderbook.Store = (*RedisBook)(nil)

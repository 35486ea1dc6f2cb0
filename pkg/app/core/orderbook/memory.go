package orderbook

import (
	"bytes"
	"context"
	"path"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store with sorted-set semantics: one member per
// distinct payload, ordered by price then payload bytes.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]*sortedSet
}

type sortedSet struct {
	members []Member          // ascending by (price, payload)
	index   map[string]int64 // payload -> price
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]*sortedSet)}
}

func less(a, b Member) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return bytes.Compare(a.Payload, b.Payload) < 0
}

func (s *sortedSet) search(m Member) int {
	return sort.Search(len(s.members), func(i int) bool { return !less(s.members[i], m) })
}

func (s *sortedSet) remove(payload []byte) {
	price, ok := s.index[string(payload)]
	if !ok {
		return
	}
	i := s.search(Member{Payload: payload, Price: price})
	if i < len(s.members) && bytes.Equal(s.members[i].Payload, payload) {
		s.members = append(s.members[:i], s.members[i+1:]...)
	}
	delete(s.index, string(payload))
}

func (s *sortedSet) insert(m Member) {
	s.remove(m.Payload)
	m.Payload = append([]byte(nil), m.Payload...)
	i := s.search(m)
	s.members = append(s.members, Member{})
	copy(s.members[i+1:], s.members[i:])
	s.members[i] = m
	s.index[string(m.Payload)] = m.Price
}

func (ms *MemoryStore) Apply(_ context.Context, b *Batch) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, op := range b.Ops() {
		set, ok := ms.sets[op.Key]
		switch op.Kind {
		case OpInsert:
			if !ok {
				set = &sortedSet{index: make(map[string]int64)}
				ms.sets[op.Key] = set
			}
			set.insert(Member{Payload: op.Payload, Price: op.Price})
		case OpRemove:
			if !ok {
				continue
			}
			set.remove(op.Payload)
			if len(set.members) == 0 {
				delete(ms.sets, op.Key)
			}
		}
	}
	return nil
}

func (ms *MemoryStore) RangeAsc(_ context.Context, key string, offset, count int) ([]Member, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	set, ok := ms.sets[key]
	if !ok {
		return nil, nil
	}
	return window(set.members, offset, count, false), nil
}

func (ms *MemoryStore) RangeDesc(_ context.Context, key string, offset, count int) ([]Member, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	set, ok := ms.sets[key]
	if !ok {
		return nil, nil
	}
	return window(set.members, offset, count, true), nil
}

func (ms *MemoryStore) ScanAll(ctx context.Context, key string) ([]Member, error) {
	return ms.RangeAsc(ctx, key, 0, 0)
}

func (ms *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	keys := make([]string, 0, len(ms.sets))
	for k := range ms.sets {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (ms *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if set, ok := ms.sets[key]; ok {
		return int64(len(set.members)), nil
	}
	return 0, nil
}

func (ms *MemoryStore) Delete(_ context.Context, keys ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, k := range keys {
		delete(ms.sets, k)
	}
	return nil
}

func (ms *MemoryStore) Ping(context.Context) error { return nil }
func (ms *MemoryStore) Close() error               { return nil }

func window(members []Member, offset, count int, desc bool) []Member {
	n := len(members)
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return nil
	}
	end := n
	if count > 0 && offset+count < n {
		end = offset + count
	}
	out := make([]Member, 0, end-offset)
	for i := offset; i < end; i++ {
		j := i
		if desc {
			j = n - 1 - i
		}
		m := members[j]
		out = append(out, Member{Payload: append([]byte(nil), m.Payload...), Price: m.Price})
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// NewMemoryStorage 构建进程内缓存。每个 Store 底层是一个 simplelru：只用 Peek 读取，
// 因此链表顺序始终是写入顺序；capacity 是硬上限，超出时由 simplelru 丢弃最旧条目，
// 正常情况下淘汰策略会先把条目数压回 MaxEntries。
func NewMemoryStorage(capacity int) (Storage, error) {
	if capacity <= 0 {
		return nil, errors.New("memory capacity must be positive")
	}
	return &memoryStorage{
		capacity: capacity,
		stores:   make(map[string]*memoryStore),
	}, nil
}

type memoryStorage struct {
	capacity int

	mu     sync.Mutex
	stores map[string]*memoryStore
	order  []string
}

type memoryEntry struct {
	key  RequestKey
	resp StoredResponse
}

type memoryStore struct {
	name     string
	mu       sync.Mutex
	entries  *simplelru.LRU[string, memoryEntry]
	deleted  atomic.Bool
	overflow atomic.Int64
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.stores[name]; ok {
		return store, nil
	}

	store := &memoryStore{name: name}
	lru, err := simplelru.NewLRU[string, memoryEntry](s.capacity, nil)
	if err != nil {
		return nil, err
	}
	store.entries = lru
	s.stores[name] = store
	s.order = append(s.order, name)
	return store, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	store, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	store.deleted.Store(true)
	store.mu.Lock()
	store.entries.Purge()
	store.mu.Unlock()

	delete(s.stores, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry, ok := s.entries.Peek(key.String())
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	cloned := entry.resp.Clone()
	return &cloned, nil
}

func (s *memoryStore) Put(ctx context.Context, key RequestKey, resp StoredResponse) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	id := key.String()
	entry := memoryEntry{key: key, resp: resp.Clone()}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 覆盖写入：先删后加，key 移到最新位置。
	s.entries.Remove(id)
	if evicted := s.entries.Add(id, entry); evicted {
		s.overflow.Add(1)
	}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Remove(key.String()), nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.entries.Keys()
	keys := make([]RequestKey, 0, len(ids))
	for _, id := range ids {
		if entry, ok := s.entries.Peek(id); ok {
			keys = append(keys, entry.key)
		}
	}
	return keys, nil
}

// Overflow 返回因触及 capacity 硬上限而被丢弃的条目数。
func (s *memoryStore) Overflow() int64 {
	return s.overflow.Load()
}

func (s *memoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.deleted.Load() {
		return ErrStoreDeleted
	}
	return nil
}

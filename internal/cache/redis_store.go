package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

func init() {
	gob.Register(http.Header{})
}

// NewRedisStorage 构建共享型缓存，键布局：
//
//	<prefix>stores                 SET   已创建的缓存名
//	<prefix>store:<name>:entries   HASH  key.String() -> gob(StoredResponse)
//	<prefix>store:<name>:order     ZSET  key.String()，score 为写入序号
//	<prefix>store:<name>:seq       STRING 写入序号计数器
//
// 写入与删除均通过 MULTI/EXEC 保证 HASH 与 ZSET 一致。
func NewRedisStorage(client redis.UniversalClient, prefix string) Storage {
	return &redisStorage{
		client:  client,
		prefix:  prefix,
		handles: make(map[string]*redisStore),
	}
}

type redisStorage struct {
	client redis.UniversalClient
	prefix string

	mu      sync.Mutex
	handles map[string]*redisStore
}

type redisStore struct {
	name    string
	client  redis.UniversalClient
	entries string
	order   string
	seq     string
	deleted atomic.Bool
}

func (s *redisStorage) registryKey() string {
	return s.prefix + "stores"
}

func (s *redisStorage) storeKey(name, suffix string) string {
	return fmt.Sprintf("%sstore:%s:%s", s.prefix, name, suffix)
}

func (s *redisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.handles[name]; ok {
		return store, nil
	}
	if err := s.client.SAdd(ctx, s.registryKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("register store %s: %w", name, err)
	}

	store := &redisStore{
		name:    name,
		client:  s.client,
		entries: s.storeKey(name, "entries"),
		order:   s.storeKey(name, "order"),
		seq:     s.storeKey(name, "seq"),
	}
	s.handles[name] = store
	return store, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateStoreName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.handles[name]; ok {
		store.deleted.Store(true)
		delete(s.handles, name)
	}

	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.storeKey(name, "entries"), s.storeKey(name, "order"), s.storeKey(name, "seq"))
		removed = pipe.SRem(ctx, s.registryKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}

func (s *redisStore) Name() string {
	return s.name
}

func (s *redisStore) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	if s.deleted.Load() {
		return nil, ErrStoreDeleted
	}
	raw, err := s.client.HGet(ctx, s.entries, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var resp StoredResponse
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &resp, nil
}

func (s *redisStore) Put(ctx context.Context, key RequestKey, resp StoredResponse) error {
	if s.deleted.Load() {
		return ErrStoreDeleted
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.seq).Result()
	if err != nil {
		return err
	}
	field := key.String()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entries, field, buf.Bytes())
		pipe.ZAdd(ctx, s.order, redis.Z{Score: float64(seq), Member: field})
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if s.deleted.Load() {
		return false, ErrStoreDeleted
	}
	field := key.String()
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.entries, field)
		pipe.ZRem(ctx, s.order, field)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if s.deleted.Load() {
		return nil, ErrStoreDeleted
	}
	members, err := s.client.ZRange(ctx, s.order, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]RequestKey, 0, len(members))
	for _, member := range members {
		if key, ok := ParseRequestKey(member); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个缓存实例对应一个子目录：
//
//	<basePath>/<store>/<sha256(key)>.body   # 响应正文
//	<basePath>/<store>/<sha256(key)>.meta   # JSON 元数据（key、状态码、类型、写入序号）
//
// .meta 最后落盘，存在即代表条目完整。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		stores:   make(map[string]*fileStore),
	}, nil
}

// fileStorage 缓存已打开的句柄，保证同名 Store 共享写入序号与条目锁。
type fileStorage struct {
	basePath string

	mu     sync.Mutex
	stores map[string]*fileStore
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
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

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	store := &fileStore{
		name:  name,
		dir:   dir,
		locks: make(map[string]*entryLock),
	}
	maxSeq, err := store.scanMaxSeq()
	if err != nil {
		return nil, err
	}
	store.seq.Store(maxSeq)
	s.stores[name] = store
	return store, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateStoreName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateStoreName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.stores[name]; ok {
		store.deleted.Store(true)
		delete(s.stores, name)
	}

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

// fileStore 通过 entryLock 避免同一 key 并发写入。
type fileStore struct {
	name    string
	dir     string
	seq     atomic.Int64
	deleted atomic.Bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileMeta struct {
	Key      string              `json:"key"`
	Status   int                 `json:"status"`
	Type     string              `json:"type"`
	Header   map[string][]string `json:"header,omitempty"`
	Size     int64               `json:"size"`
	Seq      int64               `json:"seq"`
	StoredAt time.Time           `json:"stored_at"`
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	// 与 Put 共用条目锁，保证 meta 与 body 来自同一次写入。
	unlock := s.lockEntry(key)
	defer unlock()

	base := s.entryBase(key)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	if meta.Key != key.String() {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &StoredResponse{
		Status:   meta.Status,
		Type:     meta.Type,
		Header:   cloneHeaderMap(meta.Header),
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key RequestKey, resp StoredResponse) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	base := s.entryBase(key)
	written, err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body))
	if err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := fileMeta{
		Key:      key.String(),
		Status:   resp.Status,
		Type:     resp.Type,
		Header:   cloneHeaderMap(resp.Header),
		Size:     written,
		Seq:      s.seq.Add(1),
		StoredAt: storedAt,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := writeAtomic(ctx, base+metaSuffix, bytes.NewReader(payload)); err != nil {
		os.Remove(base + bodySuffix)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	base := s.entryBase(key)
	existed := true
	if err := os.Remove(base + metaSuffix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	metas, err := s.readAllMeta()
	if err != nil {
		return nil, err
	}
	keys := make([]RequestKey, 0, len(metas))
	for _, meta := range metas {
		if key, ok := ParseRequestKey(meta.Key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *fileStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.deleted.Load() {
		return ErrStoreDeleted
	}
	return nil
}

// readAllMeta 读取目录下全部元数据并按写入序号升序排列；损坏的 .meta 直接跳过。
func (s *fileStore) readAllMeta() ([]fileMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	metas := make([]fileMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		metas = append(metas, *meta)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].Seq < metas[j].Seq
	})
	return metas, nil
}

func (s *fileStore) scanMaxSeq() (int64, error) {
	metas, err := s.readAllMeta()
	if err != nil {
		return 0, err
	}
	if len(metas) == 0 {
		return 0, nil
	}
	return metas[len(metas)-1].Seq, nil
}

func (s *fileStore) lockEntry(key RequestKey) func() {
	id := key.String()
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryBase(key RequestKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

func readMeta(path string) (*fileMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

// writeAtomic 先写临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func cloneHeaderMap(src map[string][]string) map[string][]string {
	if src == nil {
		return nil
	}
	out := make(map[string][]string, len(src))
	for key, values := range src {
		out[key] = append([]string(nil), values...)
	}
	return out
}

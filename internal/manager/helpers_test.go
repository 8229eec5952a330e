package manager

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/fetch"
)

const testStore = "anime-images-v6"

// fakeFetcher 记录每次调用，并统计同时在途的请求数。
type fakeFetcher struct {
	delay   time.Duration
	respond func(req fetch.Request) (*fetch.Response, error)

	mu          sync.Mutex
	calls       []fetch.Request
	spans       map[string]fetchSpan
	inFlight    int
	maxInFlight int
}

// fetchSpan 记录一次 Fetch 的开始与结束时间。
type fetchSpan struct {
	start, end time.Time
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	if f.spans == nil {
		f.spans = make(map[string]fetchSpan)
	}
	f.spans[req.URL] = fetchSpan{start: time.Now()}
	f.calls = append(f.calls, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		span := f.spans[req.URL]
		span.end = time.Now()
		f.spans[req.URL] = span
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.respond != nil {
		return f.respond(req)
	}
	return imageResponse(req.URL, 200, fetch.TypeBasic), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) calledURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		urls = append(urls, call.URL)
	}
	return urls
}

func (f *fakeFetcher) span(target string) (fetchSpan, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	span, ok := f.spans[target]
	return span, ok
}

func (f *fakeFetcher) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func imageResponse(target string, status int, typ fetch.ResponseType) *fetch.Response {
	return &fetch.Response{
		Status: status,
		Type:   typ,
		Header: http.Header{"Content-Type": []string{"image/png"}},
		Body:   []byte("png:" + target),
		URL:    target,
	}
}

// faultyStorage 在真实 Storage 之上注入错误并统计 Keys 调用次数。
type faultyStorage struct {
	cache.Storage

	openErr   error
	matchErr  error
	putErr    error
	deleteErr map[string]error
	keysCalls atomic.Int32
	// keysDelay 在 Keys 取得快照后再等待，模拟读取元数据较慢的后端。
	keysDelay time.Duration
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyStore{Store: store, parent: s}, nil
}

func (s *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err, ok := s.deleteErr[name]; ok {
		return false, err
	}
	return s.Storage.Delete(ctx, name)
}

type faultyStore struct {
	cache.Store
	parent *faultyStorage
}

func (s *faultyStore) Match(ctx context.Context, key cache.RequestKey) (*cache.StoredResponse, error) {
	if s.parent.matchErr != nil {
		return nil, s.parent.matchErr
	}
	return s.Store.Match(ctx, key)
}

func (s *faultyStore) Put(ctx context.Context, key cache.RequestKey, resp cache.StoredResponse) error {
	if s.parent.putErr != nil {
		return s.parent.putErr
	}
	return s.Store.Put(ctx, key, resp)
}

func (s *faultyStore) Keys(ctx context.Context) ([]cache.RequestKey, error) {
	s.parent.keysCalls.Add(1)
	keys, err := s.Store.Keys(ctx)
	if s.parent.keysDelay > 0 {
		time.Sleep(s.parent.keysDelay)
	}
	return keys, err
}

func newMemoryStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewMemoryStorage(1000)
	if err != nil {
		t.Fatalf("memory storage error: %v", err)
	}
	return storage
}

func testOptions(storage cache.Storage, fetcher fetch.Fetcher) Options {
	origin, _ := url.Parse("https://img.example.com/")
	return Options{
		Storage:         storage,
		Fetcher:         fetcher,
		StoreName:       testStore,
		Origin:          origin,
		Limits:          cache.Limits{MaxEntries: 300, PruneBuffer: 25},
		WarmConcurrency: 6,
	}
}

// newActiveManager 构造并激活 Manager；测试结束前会等待后台任务完成。
func newActiveManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	mgr, err := New(opts)
	if err != nil {
		t.Fatalf("new manager error: %v", err)
	}
	if _, err := mgr.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	t.Cleanup(mgr.Wait)
	return mgr
}

func imageRequest(target string) fetch.Request {
	return fetch.Request{
		Method:      http.MethodGet,
		URL:         target,
		Destination: fetch.DestinationImage,
		Mode:        fetch.ModeCORS,
	}
}

func storeKeys(t *testing.T, storage cache.Storage) []cache.RequestKey {
	t.Helper()
	store, err := storage.Open(context.Background(), testStore)
	if err != nil {
		t.Fatalf("open store error: %v", err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	return keys
}

// Package manager implements the cache entry lifecycle: which image responses
// get stored, when stored entries are evicted, how batch warm-up requests are
// filtered and throttled, and which stores survive an activation. Transports
// (the Fiber proxy handler, the /-/messages route) call the exported methods;
// the package itself has no HTTP surface.
package manager

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/metrics"
)

// Options 汇总 Manager 的依赖与容量参数。
type Options struct {
	Storage cache.Storage
	Fetcher fetch.Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Recorder

	// StoreName 是带版本号的当前缓存名，Activate 会删除其余所有缓存。
	StoreName string
	// Origin 用于解析预热消息中的相对 URL，并作为同源判定依据。
	Origin *url.URL

	Limits          cache.Limits
	WarmConcurrency int
	// MaxObjectSize 限制单条快照大小，0 表示不限制。
	MaxObjectSize int64
}

// Manager 是拦截请求、预热消息与生命周期事件的统一入口。
type Manager struct {
	storage cache.Storage
	fetcher fetch.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Recorder

	storeName       string
	origin          *url.URL
	limits          cache.Limits
	warmConcurrency int
	maxObjectSize   int64

	state      atomic.Int32
	background sync.WaitGroup

	// pruneMu 保护 pruning：正在执行淘汰的缓存名 -> 执行期间是否又有新写入。
	pruneMu sync.Mutex
	pruning map[string]bool
}

// New 校验依赖并构造 Manager。
func New(opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := cache.ValidateStoreName(opts.StoreName); err != nil {
		return nil, err
	}
	if opts.Limits.MaxEntries <= 0 {
		return nil, errors.New("max entries must be positive")
	}
	if opts.Limits.PruneBuffer < 0 {
		return nil, errors.New("prune buffer must not be negative")
	}
	if opts.WarmConcurrency <= 0 {
		return nil, errors.New("warm concurrency must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}

	return &Manager{
		storage:         opts.Storage,
		fetcher:         opts.Fetcher,
		logger:          logger,
		metrics:         opts.Metrics,
		storeName:       opts.StoreName,
		origin:          opts.Origin,
		limits:          opts.Limits,
		warmConcurrency: opts.WarmConcurrency,
		maxObjectSize:   opts.MaxObjectSize,
		pruning:         make(map[string]bool),
	}, nil
}

// StoreName 返回当前缓存名。
func (m *Manager) StoreName() string {
	return m.storeName
}

// Wait 阻塞直到所有后台任务（淘汰、预热批次）结束，用于优雅退出与测试。
func (m *Manager) Wait() {
	m.background.Wait()
}

// Status 是 /-/status 输出的快照。
type Status struct {
	Store           string `json:"store"`
	State           string `json:"state"`
	Claimed         bool   `json:"claimed"`
	Entries         int    `json:"entries"`
	MaxEntries      int    `json:"max_entries"`
	PruneBuffer     int    `json:"prune_buffer"`
	WarmConcurrency int    `json:"warm_concurrency"`
}

// Status 读取当前缓存条目数与生命周期状态。
func (m *Manager) Status(ctx context.Context) (Status, error) {
	status := Status{
		Store:           m.storeName,
		State:           m.State().String(),
		Claimed:         m.Claimed(),
		MaxEntries:      m.limits.MaxEntries,
		PruneBuffer:     m.limits.PruneBuffer,
		WarmConcurrency: m.warmConcurrency,
	}
	store, err := m.currentStore(ctx)
	if err != nil {
		return status, err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return status, err
	}
	status.Entries = len(keys)
	return status, nil
}

func (m *Manager) currentStore(ctx context.Context) (cache.Store, error) {
	return m.storage.Open(ctx, m.storeName)
}

// spawn 启动一个不被调用方等待的后台任务。任务使用独立的 context，
// 不继承请求 context（Fiber 会在请求结束后回收它）。
func (m *Manager) spawn(task func(context.Context)) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		task(context.Background())
	}()
}

// schedulePrune 在写入成功后异步触发淘汰。同一缓存同时只有一轮淘汰在执行；
// 执行期间到达的写入会把该缓存标记为脏，当前一轮结束后再补跑一轮，
// 因此最后一次写入之后总有一轮完整的淘汰。
func (m *Manager) schedulePrune(store cache.Store) {
	name := store.Name()
	m.pruneMu.Lock()
	if _, running := m.pruning[name]; running {
		m.pruning[name] = true
		m.pruneMu.Unlock()
		return
	}
	m.pruning[name] = false
	m.pruneMu.Unlock()

	m.spawn(func(ctx context.Context) {
		for {
			_, _ = m.prune(ctx, store, "prune")

			m.pruneMu.Lock()
			if !m.pruning[name] {
				delete(m.pruning, name)
				m.pruneMu.Unlock()
				return
			}
			m.pruning[name] = false
			m.pruneMu.Unlock()
		}
	})
}

// prune 执行一轮淘汰并记录结果。
func (m *Manager) prune(ctx context.Context, store cache.Store, action string) (int, error) {
	removed, err := cache.MaybePrune(ctx, store, m.limits)
	m.metrics.ObservePrune(removed, err)

	fields := logging.StoreFields(action, store.Name())
	fields["removed"] = removed
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("cache_prune_failed")
		return removed, err
	}
	if removed > 0 {
		m.logger.WithFields(fields).Info("cache_pruned")
	}
	return removed, nil
}

func (m *Manager) storable(resp *fetch.Response) bool {
	if resp == nil {
		return false
	}
	if resp.Status != 200 && resp.Type != fetch.TypeOpaque {
		return false
	}
	if m.maxObjectSize > 0 && int64(len(resp.Body)) > m.maxObjectSize {
		return false
	}
	return true
}

func snapshotOf(resp *fetch.Response) cache.StoredResponse {
	return cache.StoredResponse{
		Status: resp.Status,
		Type:   string(resp.Type),
		Header: resp.Header,
		Body:   resp.Body,
	}.Clone()
}

func responseOf(key cache.RequestKey, stored *cache.StoredResponse) *fetch.Response {
	return &fetch.Response{
		Status: stored.Status,
		Type:   fetch.ResponseType(stored.Type),
		Header: stored.Header,
		Body:   stored.Body,
		URL:    key.URL,
	}
}

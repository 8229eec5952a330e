package manager

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/logging"
)

// Outcome 描述一次拦截请求的处理结果，同时用作 X-Image-Hub-Cache 的取值。
type Outcome string

const (
	// OutcomeBypass 请求未被拦截，直接转发。
	OutcomeBypass Outcome = "bypass"
	// OutcomeHit 命中缓存，没有网络访问。
	OutcomeHit Outcome = "hit"
	// OutcomeMiss 未命中且响应不可缓存（或写入失败）。
	OutcomeMiss Outcome = "miss"
	// OutcomeStored 未命中，响应已写入缓存。
	OutcomeStored Outcome = "stored"
)

// Intercepts 判断请求是否走缓存：必须已接管客户端、方法为 GET 且目标类型为 image。
func (m *Manager) Intercepts(req fetch.Request) bool {
	if !m.Claimed() {
		return false
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return strings.EqualFold(method, http.MethodGet) && req.Destination == fetch.DestinationImage
}

// Fetch 以缓存优先的方式处理一次读取请求。
// 命中直接返回快照；未命中时只发起一次网络请求，可缓存的响应写入后异步触发淘汰，
// 淘汰不会阻塞响应返回。网络错误原样返回给调用方。
func (m *Manager) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, Outcome, error) {
	if !m.Intercepts(req) {
		resp, err := m.fetcher.Fetch(ctx, req)
		if err != nil {
			m.metrics.ObserveUpstreamError()
			return nil, OutcomeBypass, err
		}
		m.metrics.ObserveRequest(string(OutcomeBypass))
		return resp, OutcomeBypass, nil
	}

	key := cache.NewRequestKey(req.Method, req.URL)
	store := m.lookupStore(ctx, key)
	if store != nil {
		stored, err := store.Match(ctx, key)
		switch {
		case err == nil:
			m.metrics.ObserveRequest(string(OutcomeHit))
			return responseOf(key, stored), OutcomeHit, nil
		case !errors.Is(err, cache.ErrNotFound):
			m.storeFailure("match", key, err)
		}
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		m.metrics.ObserveUpstreamError()
		return nil, OutcomeMiss, err
	}
	if store == nil || !m.storable(resp) {
		m.metrics.ObserveRequest(string(OutcomeMiss))
		return resp, OutcomeMiss, nil
	}

	// 客户端断开不应中断写入。
	if err := store.Put(context.WithoutCancel(ctx), key, snapshotOf(resp)); err != nil {
		m.storeFailure("put", key, err)
		m.metrics.ObserveRequest(string(OutcomeMiss))
		return resp, OutcomeMiss, nil
	}
	m.schedulePrune(store)
	m.metrics.ObserveRequest(string(OutcomeStored))
	return resp, OutcomeStored, nil
}

// lookupStore 打开当前缓存；失败时记录日志并返回 nil，请求退化为直接转发。
func (m *Manager) lookupStore(ctx context.Context, key cache.RequestKey) cache.Store {
	store, err := m.currentStore(ctx)
	if err != nil {
		m.storeFailure("open", key, err)
		return nil
	}
	return store
}

func (m *Manager) storeFailure(op string, key cache.RequestKey, err error) {
	m.metrics.ObserveStoreFailure(op)
	fields := logging.RequestFields(m.storeName, key.Method, key.URL, op)
	m.logger.WithFields(fields).WithError(err).Warn("cache_store_failed")
}

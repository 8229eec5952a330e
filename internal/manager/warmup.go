package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/logging"
)

// ActionCacheImages 是预热消息唯一识别的 action。
const ActionCacheImages = "cacheImages"

var imageURLPattern = regexp.MustCompile(`(?i)\.(png|jpe?g|webp|gif|avif|svg|bmp|ico)([?#].*)?$`)

// WarmOutcome 是单个预热 URL 的处理结果。
type WarmOutcome string

const (
	WarmCached  WarmOutcome = "cached"
	WarmStored  WarmOutcome = "stored"
	WarmSkipped WarmOutcome = "skipped"
	WarmFailed  WarmOutcome = "failed"
)

// WarmResult 记录单个 URL 的结果；失败不会中断批次，只记录在这里。
type WarmResult struct {
	URL     string
	Outcome WarmOutcome
	Status  int
	Err     error
}

// BatchSummary 汇总一次预热批次，顺序与候选 URL 一致。
type BatchSummary struct {
	Results  []WarmResult
	Pruned   int
	PruneErr error
}

// Count 返回指定结果的条目数。
func (s BatchSummary) Count(outcome WarmOutcome) int {
	n := 0
	for _, result := range s.Results {
		if result.Outcome == outcome {
			n++
		}
	}
	return n
}

// Candidates 丢弃空值、按首次出现去重，并只保留图片扩展名的 URL。
func Candidates(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		candidate := strings.TrimSpace(raw)
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		if !imageURLPattern.MatchString(candidate) {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// ParseMessage 解析 {"action":"cacheImages","urls":[...]}。
// 其他结构一律返回 false；urls 中的非字符串元素被忽略。
func ParseMessage(payload []byte) ([]string, bool) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil, false
	}
	msg := gjson.ParseBytes(payload)
	if !msg.IsObject() || msg.Get("action").String() != ActionCacheImages {
		return nil, false
	}
	list := msg.Get("urls")
	if !list.IsArray() {
		return nil, false
	}
	var urls []string
	for _, item := range list.Array() {
		if item.Type == gjson.String {
			urls = append(urls, item.Str)
		}
	}
	return urls, true
}

// HandleMessage 处理一条控制消息。合法消息会在后台启动预热并返回 true，
// 其余消息被静默忽略。预热不受调用方 context 取消的影响。
func (m *Manager) HandleMessage(payload []byte) bool {
	urls, ok := ParseMessage(payload)
	if !ok {
		return false
	}
	m.spawn(func(ctx context.Context) {
		m.WarmUp(ctx, urls)
	})
	return true
}

// WarmUp 按 warmConcurrency 分块预热：块内并发，块间串行，所有块结束后只淘汰一次。
func (m *Manager) WarmUp(ctx context.Context, urls []string) BatchSummary {
	candidates := Candidates(urls)
	summary := BatchSummary{Results: make([]WarmResult, len(candidates))}
	if len(candidates) == 0 {
		return summary
	}
	m.metrics.ObserveWarmBatch()

	fields := logging.StoreFields("warmup", m.storeName)
	store, err := m.currentStore(ctx)
	if err != nil {
		m.metrics.ObserveStoreFailure("open")
		m.logger.WithFields(fields).WithError(err).Warn("cache_warmup_failed")
		for i, candidate := range candidates {
			summary.Results[i] = WarmResult{URL: candidate, Outcome: WarmFailed, Err: err}
			m.metrics.ObserveWarmItem(string(WarmFailed))
		}
		return summary
	}

	for start := 0; start < len(candidates); start += m.warmConcurrency {
		end := min(start+m.warmConcurrency, len(candidates))
		var group errgroup.Group
		for i := start; i < end; i++ {
			group.Go(func() error {
				result := m.warmOne(ctx, store, candidates[i])
				m.metrics.ObserveWarmItem(string(result.Outcome))
				summary.Results[i] = result
				return nil
			})
		}
		_ = group.Wait()
	}

	summary.Pruned, summary.PruneErr = m.prune(ctx, store, "warmup_prune")

	fields["candidates"] = len(candidates)
	fields["stored"] = summary.Count(WarmStored)
	fields["cached"] = summary.Count(WarmCached)
	fields["skipped"] = summary.Count(WarmSkipped)
	fields["failed"] = summary.Count(WarmFailed)
	fields["pruned"] = summary.Pruned
	m.logger.WithFields(fields).Info("cache_warmup_done")
	return summary
}

func (m *Manager) warmOne(ctx context.Context, store cache.Store, candidate string) WarmResult {
	result := WarmResult{URL: candidate}
	target, err := m.resolve(candidate)
	if err != nil {
		result.Outcome, result.Err = WarmFailed, err
		return result
	}

	key := cache.NewRequestKey(http.MethodGet, target)
	if _, err := store.Match(ctx, key); err == nil {
		result.Outcome = WarmCached
		return result
	} else if !errors.Is(err, cache.ErrNotFound) {
		m.storeFailure("match", key, err)
	}

	resp, err := m.fetcher.Fetch(ctx, fetch.Request{
		Method:      http.MethodGet,
		URL:         target,
		Destination: fetch.DestinationImage,
		Mode:        fetch.ModeNoCORS,
	})
	if err != nil {
		result.Outcome, result.Err = WarmFailed, err
		return result
	}
	result.Status = resp.Status
	if !m.storable(resp) {
		result.Outcome = WarmSkipped
		return result
	}
	if err := store.Put(ctx, key, snapshotOf(resp)); err != nil {
		m.storeFailure("put", key, err)
		result.Outcome, result.Err = WarmFailed, err
		return result
	}
	result.Outcome = WarmStored
	return result
}

// resolve 把相对 URL 解析到上游 origin 下。
func (m *Manager) resolve(candidate string) (string, error) {
	ref, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", candidate, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if m.origin == nil {
		return "", fmt.Errorf("relative url %q without origin", candidate)
	}
	return m.origin.ResolveReference(ref).String(), nil
}

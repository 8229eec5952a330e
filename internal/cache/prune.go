package cache

import (
	"context"
	"errors"
	"fmt"
)

// Limits 描述缓存容量：稳定态 MaxEntries 条，允许临时超出 PruneBuffer 条。
type Limits struct {
	MaxEntries  int
	PruneBuffer int
}

// Threshold 返回触发淘汰的条目数，超过该值才会执行删除。
func (l Limits) Threshold() int {
	return l.MaxEntries + l.PruneBuffer
}

// MaybePrune 在条目数超过 Threshold 时按写入顺序删除最旧的 count-MaxEntries 条，
// 使 Store 回落到恰好 MaxEntries；否则不做任何操作。
// 单条删除失败不会中断本轮淘汰，所有失败合并后返回，返回的计数只包含实际删除的条目。
func MaybePrune(ctx context.Context, store Store, limits Limits) (int, error) {
	if store == nil {
		return 0, errors.New("store is nil")
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	if len(keys) <= limits.Threshold() {
		return 0, nil
	}

	excess := len(keys) - limits.MaxEntries
	removed := 0
	var errs []error
	for _, key := range keys[:excess] {
		ok, err := store.Delete(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

package manager

import (
	"context"
	"fmt"

	"github.com/any-hub/image-hub/internal/logging"
)

// State 是 Manager 的生命周期状态：new → installed → activated。
type State int32

const (
	StateNew State = iota
	StateInstalled
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalled:
		return "installed"
	case StateActivated:
		return "activated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Claimed 表示是否已接管客户端；接管前所有请求都不经过缓存。
func (m *Manager) Claimed() bool {
	return m.State() == StateActivated
}

// Install 打开当前缓存并立即进入待激活状态，不等待旧实例退出。
func (m *Manager) Install(ctx context.Context) error {
	if _, err := m.currentStore(ctx); err != nil {
		return fmt.Errorf("open store %s: %w", m.storeName, err)
	}
	m.state.CompareAndSwap(int32(StateNew), int32(StateInstalled))
	m.logger.WithFields(logging.StoreFields("install", m.storeName)).Info("cache_installed")
	return nil
}

// Activate 删除除当前缓存外的所有缓存，然后接管客户端。
// 单个缓存删除失败只记录日志；无法列出缓存名时返回错误且不接管。
// 未调用 Install 时会先隐式执行一次。
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if m.State() == StateNew {
		if err := m.Install(ctx); err != nil {
			return nil, err
		}
	}

	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	deleted := make([]string, 0, len(names))
	for _, name := range names {
		if name == m.storeName {
			continue
		}
		fields := logging.StoreFields("activate", name)
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			m.metrics.ObserveStoreFailure("delete_store")
			m.logger.WithFields(fields).WithError(err).Warn("cache_store_delete_failed")
			continue
		}
		if ok {
			deleted = append(deleted, name)
			m.metrics.ObserveStoreDeleted()
			m.logger.WithFields(fields).Info("cache_store_deleted")
		}
	}

	m.state.Store(int32(StateActivated))
	fields := logging.StoreFields("activate", m.storeName)
	fields["deleted"] = len(deleted)
	m.logger.WithFields(fields).Info("cache_activated")
	return deleted, nil
}

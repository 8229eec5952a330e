package cache

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Storage 管理一组具名缓存实例。Open 在名称不存在时隐式创建，Delete 会销毁实例内所有条目。
type Storage interface {
	// Open 返回名称对应的 Store，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Names 列出当前存在的缓存名称。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存实例，返回实例此前是否存在。已发出的 Store 句柄随之失效。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放驱动占用的资源（文件句柄、Redis 连接等）。
	Close() error
}

// Store 是单个缓存实例，条目按写入顺序排列（最旧在前）。
type Store interface {
	Name() string

	// Match 精确匹配 key，未命中返回 ErrNotFound。返回值是独立副本，调用方可随意修改。
	Match(ctx context.Context, key RequestKey) (*StoredResponse, error)

	// Put 写入快照；同一 key 的再次写入会覆盖旧值并移动到最新位置。
	Put(ctx context.Context, key RequestKey, resp StoredResponse) error

	// Delete 删除条目，返回条目此前是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 按写入顺序（最旧在前）返回全部 key。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 由请求方法与 URL 唯一确定一个缓存条目。
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey 规范化 method（大写，缺省 GET）并去掉 URL 中的 fragment。
func NewRequestKey(method, rawURL string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	rawURL = strings.TrimSpace(rawURL)
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	return RequestKey{Method: method, URL: rawURL}
}

// String 输出 "GET https://host/path" 形式，同时作为各驱动的存储字段名。
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// ParseRequestKey 是 String 的逆操作。
func ParseRequestKey(raw string) (RequestKey, bool) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rawURL == "" {
		return RequestKey{}, false
	}
	return RequestKey{Method: method, URL: rawURL}, true
}

// StoredResponse 是写入时刻的响应快照。
type StoredResponse struct {
	Status   int         `json:"status"`
	Type     string      `json:"type"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝 Header 与 Body，写入与读取两侧都依赖它隔离调用方的后续修改。
func (r StoredResponse) Clone() StoredResponse {
	cloned := r
	if r.Header != nil {
		cloned.Header = r.Header.Clone()
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

var storeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateStoreName 拒绝可能逃逸存储目录或破坏 Redis key 结构的名称。
func ValidateStoreName(name string) error {
	if !storeNamePattern.MatchString(name) || name == "." || name == ".." {
		return ErrInvalidStoreName
	}
	return nil
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示句柄对应的缓存实例已被删除。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrInvalidStoreName 表示缓存名不合法。
	ErrInvalidStoreName = errors.New("invalid cache store name")
)

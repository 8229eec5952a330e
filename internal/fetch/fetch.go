// Package fetch performs single upstream fetches on behalf of the cache
// manager. It never retries and never caches; it only executes the request,
// buffers the body and classifies the response as basic, cors or opaque the
// way a browser would for the configured origin.
package fetch

import (
	"context"
	"net/http"
)

// Mode 决定跨源请求的处理方式。
type Mode string

const (
	ModeCORS   Mode = "cors"
	ModeNoCORS Mode = "no-cors"
)

// ResponseType 描述响应的可见性分类。
type ResponseType string

const (
	// TypeBasic 同源响应。
	TypeBasic ResponseType = "basic"
	// TypeCORS 以 cors 模式获取的跨源响应。
	TypeCORS ResponseType = "cors"
	// TypeOpaque 以 no-cors 模式获取的跨源响应，状态码被视为不可信但默认有效。
	TypeOpaque ResponseType = "opaque"
)

// DestinationImage 对应 Sec-Fetch-Dest: image。
const DestinationImage = "image"

// Request 是拦截边界上的一次读取请求。
type Request struct {
	Method      string
	URL         string
	Destination string
	Mode        Mode
	Header      http.Header
	Body        []byte
}

// Response 是已完整读取正文的上游响应。
type Response struct {
	Status int
	Type   ResponseType
	Header http.Header
	Body   []byte
	URL    string
}

// Clone 深拷贝 Header 与 Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.Header != nil {
		cloned.Header = r.Header.Clone()
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Fetcher 执行一次网络请求。实现不得重试，错误原样返回给调用方。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

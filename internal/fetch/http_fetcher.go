package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// noCORSHeaders 是 no-cors 模式下允许携带的请求头，其余头部一律丢弃。
var noCORSHeaders = map[string]struct{}{
	"Accept":           {},
	"Accept-Language":  {},
	"Content-Language": {},
}

// HTTPFetcher 基于共享 http.Client 执行请求；origin 用于判定同源/跨源。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher 构造 HTTPFetcher，origin 通常是配置中的 Upstream。
func NewHTTPFetcher(client *http.Client, origin *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, origin: origin}
}

// Fetch 执行一次请求并完整读取正文。超时依赖 http.Client.Timeout。
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	target.Fragment = ""

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		if req.Mode == ModeNoCORS {
			if _, ok := noCORSHeaders[textproto.CanonicalMIMEHeaderKey(key)]; !ok {
				continue
			}
		}
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := resp.Header.Clone()
	header.Del("Content-Length")

	finalURL := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		Status: resp.StatusCode,
		Type:   f.classify(target, req.Mode),
		Header: header,
		Body:   payload,
		URL:    finalURL,
	}, nil
}

func (f *HTTPFetcher) classify(target *url.URL, mode Mode) ResponseType {
	if SameOrigin(target, f.origin) {
		return TypeBasic
	}
	if mode == ModeNoCORS {
		return TypeOpaque
	}
	return TypeCORS
}

// SameOrigin 比较 scheme + host + port，默认端口视为相同。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

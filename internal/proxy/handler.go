// Package proxy translates Fiber requests into fetch requests for the cache
// manager and writes the resulting responses back to the client.
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/manager"
	"github.com/any-hub/image-hub/internal/server"
)

// HeaderCache 标记响应来源：hit / stored / miss / bypass。
const HeaderCache = "X-Image-Hub-Cache"

// Gate 是 Handler 依赖的缓存入口，由 manager.Manager 实现。
type Gate interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, manager.Outcome, error)
	StoreName() string
}

// Handler 把每个请求交给 Gate：图片 GET 走缓存优先，其余请求直接转发上游。
type Handler struct {
	gate     Gate
	upstream *url.URL
	logger   *logrus.Logger
}

// NewHandler constructs a proxy handler for a single upstream origin.
func NewHandler(gate Gate, upstream *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		gate:     gate,
		upstream: upstream,
		logger:   logger,
	}
}

// Handle 实现 server.ProxyHandler。上游网络错误返回 502，其余情况原样回写上游或缓存响应。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	target := resolveUpstreamURL(h.upstream, c)

	req := fetch.Request{
		Method:      c.Method(),
		URL:         target.String(),
		Destination: strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Dest"))),
		Mode:        requestMode(c),
		Header:      buildUpstreamHeaders(c),
		Body:        append([]byte(nil), c.Body()...),
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, outcome, err := h.gate.Fetch(ctx, req)
	if err != nil {
		h.logResult(req, requestID, outcome, 0, started, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	h.logResult(req, requestID, outcome, resp.Status, started, nil)
	return writeResponse(c, resp, outcome, requestID)
}

func writeResponse(c fiber.Ctx, resp *fetch.Response, outcome manager.Outcome, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCache, string(outcome))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	status := resp.Status
	if status <= 0 {
		status = fiber.StatusOK
	}
	c.Status(status)
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req fetch.Request,
	requestID string,
	outcome manager.Outcome,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(h.gate.StoreName(), req.Method, req.URL, string(outcome))
	fields["action"] = "proxy"
	fields["destination"] = req.Destination
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestMode(c fiber.Ctx) fetch.Mode {
	if strings.EqualFold(strings.TrimSpace(c.Get("Sec-Fetch-Mode")), string(fetch.ModeNoCORS)) {
		return fetch.ModeNoCORS
	}
	return fetch.ModeCORS
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}

// resolveUpstreamURL 把请求路径拼接到上游 base 之后，保留 base 自带的路径前缀。
func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	target := base.JoinPath(clean)
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""
	return target
}

func buildUpstreamHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del("Host")
	header.Del("Content-Length")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())
	return header
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 回写上游头部；Content-Length 由 Fiber 根据正文重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

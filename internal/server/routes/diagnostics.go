// Package routes registers the /-/ control and diagnostics endpoints on the
// Fiber app built by package server.
package routes

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/manager"
)

// CacheManager 是诊断接口依赖的缓存管理能力，由 manager.Manager 实现。
type CacheManager interface {
	HandleMessage(payload []byte) bool
	Status(ctx context.Context) (manager.Status, error)
}

// Options 汇总诊断路由的依赖；Metrics 为空时不注册 /-/metrics。
type Options struct {
	Manager CacheManager
	Metrics http.Handler
	Logger  *logrus.Logger
}

// RegisterDiagnosticsRoutes 暴露 /-/messages（预热消息）、/-/status 与 /-/metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Manager == nil {
		return
	}

	// 消息通道不向发送方反馈格式错误，统一返回 202。
	app.Post("/-/messages", func(c fiber.Ctx) error {
		accepted := opts.Manager.HandleMessage(append([]byte(nil), c.Body()...))
		if opts.Logger != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":   "message",
				"accepted": accepted,
				"bytes":    len(c.Body()),
			}).Debug("control message received")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": accepted})
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := opts.Manager.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":  "store_unavailable",
				"status": status,
			})
		}
		return c.JSON(status)
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
}

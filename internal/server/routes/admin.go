package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"
)

// Flusher 是 /cache/clear 依赖的最小缓存能力。
type Flusher interface {
	FlushAll(ctx context.Context) error
}

// ClearRecorder 记录清缓存结果，可为 nil。
type ClearRecorder interface {
	RecordCacheClear(err error)
}

// AdminOptions 汇总管理端点依赖。
type AdminOptions struct {
	Store   Flusher
	Logger  *logrus.Logger
	Metrics ClearRecorder
	Timeout time.Duration
}

// RegisterAdminRoutes 暴露 GET /health 与 POST /cache/clear。
func RegisterAdminRoutes(app *fiber.App, opts AdminOptions) {
	if app == nil {
		return
	}

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	app.Post("/cache/clear", func(c fiber.Ctx) error {
		if opts.Store == nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache store unavailable"})
		}

		ctx := context.Background()
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		err := opts.Store.FlushAll(ctx)
		if opts.Metrics != nil {
			opts.Metrics.RecordCacheClear(err)
		}
		if err != nil {
			if opts.Logger != nil {
				opts.Logger.WithError(err).WithField("action", "cache_clear").Error("cache_clear_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if opts.Logger != nil {
			opts.Logger.WithField("action", "cache_clear").Info("cache_cleared")
		}
		return c.JSON(fiber.Map{"status": "cache cleared"})
	})
}

// RegisterMetricsRoute 在 path 上挂载 Prometheus handler；path 为空时不注册。
func RegisterMetricsRoute(app *fiber.App, path string, handler http.Handler) {
	if app == nil || path == "" || handler == nil {
		return
	}
	app.Get(path, adaptor.HTTPHandler(handler))
}

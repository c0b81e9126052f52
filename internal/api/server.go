package api

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"discosat/internal/config"
	"discosat/internal/coordinator"
	"discosat/internal/monitor"
)

// Server 把 coordinator 暴露为 HTTP 接口。不做鉴权，信任调用方。
type Server struct {
	app    *fiber.App
	config *config.Config
	engine *coordinator.Engine
	logger *slog.Logger

	monitor *monitor.Monitor
}

func NewServer(cfg *config.Config, engine *coordinator.Engine, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s := &Server{
		app:    app,
		config: cfg,
		engine: engine,
		logger: logger,
	}

	// 请求日志
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()
		if err != nil {
			// 先写出错误响应，下面才能拿到最终状态码
			if herr := errorHandler(c, err); herr != nil {
				return herr
			}
		}

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", c.Method(),
				"path", c.Path(),
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
			)
		}
		return nil
	})

	app.Get("/healthz", s.healthz)

	sensors := app.Group("/sensors")
	s.registerSensorRoutes(sensors)

	jobs := app.Group("/fixedjobs")
	s.registerJobRoutes(jobs)

	return s
}

// SetMonitor 深度健康检查里附带任务统计
func (s *Server) SetMonitor(m *monitor.Monitor) {
	s.monitor = m
}

// App 测试用
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen() error {
	addr := s.config.Server.Addr()
	log.Printf("[API] Listening on %s", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) healthz(c *fiber.Ctx) error {
	if c.Query("deep") != "true" {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	storeStatus := "ok"
	if _, err := s.engine.Devices.Exists(ctx, "healthz"); err != nil {
		storeStatus = "error"
	}
	status := "ok"
	if storeStatus != "ok" {
		status = "error"
	}
	resp := fiber.Map{"status": status, "store": storeStatus}
	if s.monitor != nil {
		resp["jobs"] = s.monitor.Summary()
		resp["overdue"] = s.monitor.Overdue()
	}
	return c.JSON(resp)
}

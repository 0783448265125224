package handler

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"api-proxy/internal/config"
	"api-proxy/internal/metrics"
	"api-proxy/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any(service.APIPrefix+"*", proxy.Handle)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

// RegisterStatic serves cfg.Static.Dir for every path outside /api/. When the
// directory holds the index document, unmatched paths fall back to it.
func RegisterStatic(e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if cfg.Static.Disabled {
		return
	}

	info, err := os.Stat(cfg.Static.Dir)
	if err != nil || !info.IsDir() {
		logger.Warn("static directory not found; serving API routes only", "dir", cfg.Static.Dir)
		return
	}

	_, err = os.Stat(filepath.Join(cfg.Static.Dir, cfg.Static.Index))
	fallback := err == nil

	e.Use(echomw.StaticWithConfig(echomw.StaticConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, service.APIPrefix)
		},
		Root:  cfg.Static.Dir,
		Index: cfg.Static.Index,
		HTML5: fallback,
	}))

	logger.Info("serving static files", "dir", cfg.Static.Dir, "index_fallback", fallback)
}

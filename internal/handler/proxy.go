package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"api-proxy/internal/client"
	"api-proxy/internal/metrics"
	"api-proxy/internal/model"
	"api-proxy/internal/service"
)

// Client-facing messages for failures that must not leak internal detail.
const (
	msgBadGateway    = "Bad Gateway: No response from upstream server."
	msgInternalError = "Internal Server Error while proxying."
)

// ProxyHandler forwards /api/ requests to the upstream of their namespace.
type ProxyHandler struct {
	service *service.ProxyService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request and relays the buffered upstream response.
// Every failure is turned into a JSON error body; Handle only returns an
// error when writing the response itself fails.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	namespace, remaining, _ := service.SplitPath(req.URL.EscapedPath())

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Namespace:     namespace,
		RemainingPath: remaining,
		RawQuery:      service.QueryString(req.URL),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	h.record(resp.Outcome())

	if resp.Outcome() == model.OutcomeUpstreamError {
		h.logger.Warn("upstream returned error status",
			"namespace", namespace,
			"status", resp.StatusCode,
		)
	}

	contentType := resp.Header.Get(echo.HeaderContentType)
	for key, vals := range resp.Header {
		if key == echo.HeaderContentType {
			continue
		}
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	if len(resp.Body) == 0 {
		if contentType != "" {
			c.Response().Header().Set(echo.HeaderContentType, contentType)
		}
		return c.NoContent(resp.StatusCode)
	}
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(resp.StatusCode, contentType, resp.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	outcome := service.Classify(err)
	h.record(outcome)

	path := c.Request().URL.Path

	switch outcome {
	case model.OutcomeRouteNotFound:
		h.logger.Info("route not found", "path", path)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})

	case model.OutcomeNetworkFailure:
		h.logger.Error("proxy error",
			"outcome", outcome.String(),
			"err", sanitizeError(err),
			"path", path,
		)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": msgBadGateway,
		})

	default:
		h.logger.Error("proxy error",
			"outcome", outcome.String(),
			"err", sanitizeError(err),
			"path", path,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": msgInternalError,
		})
	}
}

func (h *ProxyHandler) record(o model.Outcome) {
	if h.metrics != nil {
		h.metrics.Outcomes.WithLabelValues(o.String()).Inc()
	}
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return client.Redact(err.Error())
}

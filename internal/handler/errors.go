package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// NewErrorHandler returns an echo.HTTPErrorHandler that writes framework
// errors (body limit, unknown route, recovered panics) in the same
// {"error": ...} shape the proxy handler uses.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := msgInternalError

		var he *echo.HTTPError
		if errors.As(err, &he) {
			if inner, ok := he.Internal.(*echo.HTTPError); ok {
				he = inner
			}
			code = he.Code
			if code != http.StatusInternalServerError {
				msg = fmt.Sprint(he.Message)
			}
		} else {
			logger.Error("unhandled error",
				"err", sanitizeError(err),
				"path", c.Request().URL.Path,
			)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, map[string]string{"error": msg})
		}
		if werr != nil {
			logger.Error("write error response", "err", werr)
		}
	}
}

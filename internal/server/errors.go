package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// NotFoundJSON returns an HTTP error handler that keeps every error,
// including router 404s and auth failures, in the JSON error envelope.
func NotFoundJSON() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.JSON(he.Code, ErrorResponse{
				Error: http.StatusText(he.Code),
				Code:  he.Code,
			})
			return
		}

		_ = c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  http.StatusInternalServerError,
		})
	}
}

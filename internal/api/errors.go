package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"citas/internal/models"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	"grid_violation":             http.StatusBadRequest,
	"business_hours_violation":   http.StatusBadRequest,
	"invalid_request":            http.StatusBadRequest,
	"exact_conflict":             http.StatusConflict,
	"room_conflict":              http.StatusConflict,
	"no_availability_configured": http.StatusUnprocessableEntity,
	"invalid_combination":        http.StatusUnprocessableEntity,
	"invalid_transition":         http.StatusUnprocessableEntity,
	"invalid_window":             http.StatusUnprocessableEntity,
	"not_found":                  http.StatusNotFound,
	"transient":                  http.StatusServiceUnavailable,
}

func badRequest(field, msg string) error {
	return models.Reject(models.ErrInvalidRequest, field, "%s", msg)
}

// StatusFor maps err to its HTTP status and response body.
func StatusFor(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return he.Code, ErrorResponse{Code: "http_error", Message: msg}
	}

	code := models.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		return http.StatusInternalServerError, ErrorResponse{Code: "internal", Message: "internal server error"}
	}
	resp := ErrorResponse{Code: code, Message: err.Error()}
	if r, ok := models.AsRejection(err); ok {
		resp.Field = r.Field
		resp.Message = r.Message
	}
	return status, resp
}

// ErrorHandler renders rejections as JSON and logs unexpected failures.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := StatusFor(err)
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}
		if status == http.StatusServiceUnavailable {
			c.Response().Header().Set("Retry-After", "1")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}

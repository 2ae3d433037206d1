package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/arke-institute/pinax/pkg/extractor"
	"github.com/arke-institute/pinax/pkg/llmgateway"
	"github.com/arke-institute/pinax/pkg/store"
)

// mapExtractError maps an Extract() failure to an HTTP status (spec §7
// "Unparseable content -> ParseError" / "Network or non-2xx model
// response -> LLMError" both surface as internal failures to a
// synchronous caller, since there is no retry budget to fall back on
// outside the chunk worker).
func mapExtractError(err error) *echo.HTTPError {
	var parseErr *extractor.ParseError
	var llmErr *llmgateway.LLMError
	switch {
	case errors.As(err, &parseErr):
		return echo.NewHTTPError(http.StatusInternalServerError, "model response was not valid JSON: "+err.Error())
	case errors.As(err, &llmErr):
		return echo.NewHTTPError(http.StatusInternalServerError, "model gateway error: "+err.Error())
	default:
		slog.Error("unexpected extraction error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

// mapDispatchError maps a dispatcher lookup failure to an HTTP status.
func mapDispatchError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "chunk not found")
	}
	slog.Error("unexpected dispatcher error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// jsonErrorHandler replaces Echo's default HTML/plain error renderer so
// every error response is shaped {error, timestamp} (spec §7 "500 with
// {error, timestamp?}").
func jsonErrorHandler(err error, c *echo.Context) {
	code := http.StatusInternalServerError
	message := "internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if s, ok := he.Message.(string); ok {
			message = s
		}
	}

	if c.Response().Committed {
		return
	}

	body := &ErrorResponse{Error: message}
	if code >= http.StatusInternalServerError {
		body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if writeErr := c.JSON(code, body); writeErr != nil {
		slog.Error("failed to write error response", "error", writeErr)
	}
}

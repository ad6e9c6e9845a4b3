package api

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ServerOptions tunes the HTTP surface.
type ServerOptions struct {
	// RatePerSecond caps requests per client IP; zero disables the limit.
	RatePerSecond float64
	Burst         int
	BodyLimit     string
}

// NewServer builds the echo instance serving h under /api/v1.
func NewServer(h *Handler, opts ServerOptions, logger *zerolog.Logger) *echo.Echo {
	l := logger.With().Str("component", "http").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(l)

	e.Use(Recovery(l))
	e.Use(RequestID())
	e.Use(Logger(l))
	if opts.BodyLimit == "" {
		opts.BodyLimit = "64K"
	}
	e.Use(echomw.BodyLimit(opts.BodyLimit))
	if opts.RatePerSecond > 0 {
		e.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(opts.RatePerSecond),
			Burst: opts.Burst,
		})))
	}

	h.RegisterRoutes(e.Group("/api/v1"))
	return e
}

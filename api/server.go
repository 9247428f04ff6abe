package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
)

// NewServer returns an echo instance with the middleware stack and every
// route registered.
func NewServer(b Board, opts Options) *echo.Echo {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(RequestLogMiddleware(opts.Logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding, IdempotencyHeader},
	}))
	e.Use(GzipRequestMiddleware())
	Register(e, b, opts)
	return e
}

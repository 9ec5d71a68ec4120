package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// NewRouter builds the top-level Echo instance and wires every Control API
// route onto it. Grounded on cmd/orchestrator/main.go's setupEcho/
// setupMiddleware.
func NewRouter(h *ExecutionHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	h.Register(e)
	return e
}

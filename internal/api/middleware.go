package api

import (
	"github.com/labstack/echo/v4"
)

const usernameContextKey = "username"

// ExtractUsername lifts the X-User-ID header into the request context.
// Grounded on cmd/orchestrator/middleware/auth.go's ExtractUsername; an
// absent header is left to each handler to default (most treat it as
// "system", matching the teacher's ExecuteWorkflow fallback).
func ExtractUsername() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if username := c.Request().Header.Get("X-User-ID"); username != "" {
				c.Set(usernameContextKey, username)
			}
			return next(c)
		}
	}
}

func username(c echo.Context) string {
	if u, ok := c.Get(usernameContextKey).(string); ok && u != "" {
		return u
	}
	return "system"
}

package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// RelayPathPrefix is the provider callback surface. It is authenticated only
// by the unguessable code in the path.
const RelayPathPrefix = "/webhooks/relay/"

// AuthSkipper reports whether the request bypasses authentication and tenant
// resolution.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

func IsPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, RelayPathPrefix)
}

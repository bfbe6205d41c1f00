package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders must not travel end to end through a proxy (RFC 9110
// section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request, including any the Connection header nominates,
// and sets defensive response headers. The response headers are set before
// the handler runs so they survive streamed responses, which commit the
// header block on the first write.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			for _, nominated := range h.Values("Connection") {
				for _, name := range strings.Split(nominated, ",") {
					if name = strings.TrimSpace(name); name != "" {
						h.Del(name)
					}
				}
			}
			for _, name := range hopByHopHeaders {
				h.Del(name)
			}

			res := c.Response().Header()
			res.Set("X-Content-Type-Options", "nosniff")
			res.Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}

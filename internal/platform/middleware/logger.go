package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. SOAP requests also carry the action
// so ITI transactions can be told apart on a shared path prefix.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			if action := soapAction(req.Header.Get("SOAPAction"), req.Header.Get(echo.HeaderContentType)); action != "" {
				evt = evt.Str("soap_action", action)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Int64("bytes_in", req.ContentLength).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

// soapAction reads the SOAP 1.1 header, falling back to the SOAP 1.2
// action parameter of the content type.
func soapAction(header, contentType string) string {
	if a := strings.Trim(header, `"`); a != "" {
		return a
	}
	for _, part := range strings.Split(contentType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "action") {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

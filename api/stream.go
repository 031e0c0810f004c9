package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// streamKeepAliveInterval paces SSE comment lines so idle proxies do
// not reap quiet connections.
const streamKeepAliveInterval = 25 * time.Second

// streamEvents serves committed board changes as server-sent events.
// EventSource cannot set request headers, so the bearer token may
// arrive as a token query parameter instead. The stream ends when the
// client disconnects or the board is closed.
func streamEvents(boards BoardSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := actorFromHeader(c, auth); err != nil {
			return unauthorized(c)
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		// Subscribe before committing the response: once the client sees
		// headers, no committed change can slip past the stream.
		sub := eng.Subscribe()
		defer eng.Unsubscribe(sub)
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request().Context()
		keepAlive := time.NewTicker(streamKeepAliveInterval)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-keepAlive.C:
				if _, err := c.Response().Write([]byte(": keep-alive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case evt, open := <-sub:
				if !open {
					return nil
				}
				data, err := sonic.Marshal(evt)
				if err != nil {
					logger.WithError(err).Warn("change event encode failed")
					continue
				}
				if _, err := c.Response().Write([]byte("event: change\ndata: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(data); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

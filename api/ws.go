package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	socketWriteWait  = 5 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = 30 * time.Second
	socketReadLimit  = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced at the echo level; allow the upgrade itself.
		return true
	},
}

// serveBoardSocket upgrades the connection and relays committed board
// changes as JSON text frames. The client is not expected to send
// anything; its reader is drained only to observe close and pong
// frames.
func serveBoardSocket(boards BoardSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := actorFromHeader(c, auth); err != nil {
			return unauthorized(c)
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}

		// Subscribe before the upgrade handshake: once the client sees 101,
		// no committed change can slip past the socket.
		sub := eng.Subscribe()
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			eng.Unsubscribe(sub)
			logger.WithError(err).Warn("websocket upgrade failed")
			return nil
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(socketReadLimit)
			conn.SetReadDeadline(time.Now().Add(socketPongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(socketPongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		defer func() {
			eng.Unsubscribe(sub)
			_ = conn.Close()
		}()

		ping := time.NewTicker(socketPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
					return nil
				}
			case evt, open := <-sub:
				if !open {
					conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "board closed"))
					return nil
				}
				data, err := sonic.Marshal(evt)
				if err != nil {
					logger.WithError(err).Warn("change event encode failed")
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return nil
				}
			}
		}
	}
}

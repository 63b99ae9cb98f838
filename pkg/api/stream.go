package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/arzzra/webphone/pkg/logging"
)

const writeWait = 5 * time.Second

// stream отправляет снимки PhoneState в WebSocket по мере изменений.
// Первый кадр содержит текущее состояние.
func (s *Server) stream(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn(ctx, "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	updates, cancel := s.cfg.Phone.Subscribe()
	defer cancel()

	// входящие кадры не ожидаются, чтение нужно для обработки close и pong
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case st, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				s.logger.Debug(ctx, "websocket write failed", logging.Err(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

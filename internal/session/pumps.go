package session

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 4096
)

// readPump drains the socket and routes each frame through handleFrame. It
// owns the disconnect path: whatever ends the read loop triggers cleanup.
func (s *Session) readPump() {
	defer func() {
		s.cancel()

		// Let the writer flush and emit the close frame before the
		// socket goes away.
		select {
		case <-s.writerDone:
		case <-time.After(5 * time.Second):
			slog.Warn("Timeout waiting for write pump", "sessionID", s.id, "userID", s.userID)
		}

		s.cleanup()

		if err := s.conn.Close(); err != nil {
			slog.Debug("Error closing connection", "sessionID", s.id, "userID", s.userID, "error", err)
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				// Client-initiated close: keep the original code/reason.
				s.closeMu.Lock()
				s.closeCode = ce.Code
				if ce.Text != "" {
					s.closeReason = ce.Text
				}
				s.closeMu.Unlock()
				slog.Debug("Connection closed by peer", "sessionID", s.id, "userID", s.userID, "code", ce.Code)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				// Transport error: close with a fixed internal-error code.
				s.closeMu.Lock()
				s.closeCode = websocket.CloseInternalServerErr
				s.closeReason = "transport error"
				s.closeMu.Unlock()
				slog.Error("WebSocket error", "sessionID", s.id, "userID", s.userID, "error", err)
			}
			return
		}

		s.handleFrame(data)
	}
}

// writePump writes queued deliveries and pings, and emits the close frame
// once the session shuts down.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// A failed write to a stale socket is swallowed; the read
				// side notices the dead connection and runs cleanup.
				slog.Debug("Write failed", "sessionID", s.id, "userID", s.userID, "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("Ping failed", "sessionID", s.id, "userID", s.userID, "error", err)
				return
			}

		case <-s.ctx.Done():
			// Flush whatever was queued before the shutdown, then say goodbye.
			for {
				select {
				case payload := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			code, reason := s.closeFrame()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

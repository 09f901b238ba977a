package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/gateway"
	"chat-realtime/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// gatewaySocket wraps one gorilla conn for the shared-hub deployment. Writes
// come from pub/sub goroutines concurrently, so they are serialized here.
type gatewaySocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
	dead int32
}

func (s *gatewaySocket) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *gatewaySocket) Alive() bool {
	return atomic.LoadInt32(&s.dead) == 0
}

func (s *gatewaySocket) markDead() {
	atomic.StoreInt32(&s.dead, 1)
}

// GatewayHandlers is the HTTP surface of the shared-hub deployment: one
// gateway coordinates all sockets instead of per-user session actors.
type GatewayHandlers struct {
	gw     *gateway.Gateway
	source *gateway.RedisEventSource
}

func NewGatewayHandlers(gw *gateway.Gateway, source *gateway.RedisEventSource) *GatewayHandlers {
	return &GatewayHandlers{gw: gw, source: source}
}

// HandleWebSocket upgrades an authenticated request and serves the frame loop
// inline; the gateway owns all shared state.
func (h *GatewayHandlers) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket connection", "userID", userID, "error", err)
		return
	}

	sock := &gatewaySocket{conn: conn}
	h.gw.Connect(userID, sock)
	defer func() {
		sock.markDead()
		h.gw.Disconnect(userID)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Keep the read deadline fed while the client is idle.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(54 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sock.mu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				sock.mu.Unlock()
				if err != nil {
					return
				}
			case <-pingDone:
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket error", "userID", userID, "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			h.reply(sock, protocol.NewError("invalid message format"))
			continue
		}

		switch env.Type {
		case protocol.TypeJoinThread, protocol.TypeLeaveThread:
			var ref protocol.ThreadRef
			if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.ThreadID == "" {
				h.reply(sock, protocol.NewError("missing threadId"))
				continue
			}
			if env.Type == protocol.TypeJoinThread {
				if err := h.gw.Join(ctx, userID, ref.ThreadID); err != nil {
					slog.Error("Gateway join failed", "userID", userID, "threadID", ref.ThreadID, "error", err)
					h.reply(sock, protocol.NewError("failed to join thread"))
					continue
				}
				h.reply(sock, protocol.NewJoinedThread(ref.ThreadID))
			} else {
				if err := h.gw.Leave(ctx, userID, ref.ThreadID); err != nil {
					h.reply(sock, protocol.NewError("failed to leave thread"))
					continue
				}
				h.reply(sock, protocol.NewLeftThread(ref.ThreadID))
			}

		default:
			h.reply(sock, protocol.NewError("unknown message type: "+env.Type.String()))
		}
	}
}

func (h *GatewayHandlers) reply(sock *gatewaySocket, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := sock.Write(data); err != nil {
		slog.Debug("Reply dropped", "error", err)
	}
}

// HandleBroadcast publishes a persisted message event to the thread's channel;
// every gateway instance subscribed to the thread fans it out locally.
func (h *GatewayHandlers) HandleBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Message.ThreadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing threadId"})
		return
	}

	var env *protocol.Envelope
	switch req.Event {
	case "message.created":
		env = protocol.NewMessageEvent(&req.Message)
	case "message.deleted":
		env = protocol.NewMessageDeletedEvent(req.Message.ID, req.Message.ThreadID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event: " + req.Event})
		return
	}

	payload, err := env.Encode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.source.Publish(c.Request.Context(), req.Message.ThreadID, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "published"})
}

// HandleSnapshot exposes the gateway's operator view.
func (h *GatewayHandlers) HandleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.gw.Snapshot())
}

func (h *GatewayHandlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// NewGatewayRouter assembles the shared-hub deployment's routes.
func NewGatewayRouter(handlers *GatewayHandlers, resolver *auth.Resolver) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", handlers.HandleHealth)

	api := engine.Group("/api/v1")
	api.GET("/ws", WSAuth(resolver), handlers.HandleWebSocket)

	internal := engine.Group("/internal/v1")
	internal.POST("/broadcast", handlers.HandleBroadcast)
	internal.GET("/debug/fanout", handlers.HandleSnapshot)

	return engine
}

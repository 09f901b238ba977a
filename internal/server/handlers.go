package server

import (
	"context"
	"net/http"
	"sort"

	"log/slog"

	"chat-realtime/internal/protocol"
	"chat-realtime/internal/registry"
	"chat-realtime/internal/session"
	"chat-realtime/internal/store"
	"chat-realtime/internal/topic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, implement proper origin checking
		return true
	},
}

// topicDirectory narrows *topic.Table to the session's Directory contract.
type topicDirectory struct {
	table *topic.Table
}

func (d topicDirectory) Ensure(ctx context.Context, threadID string) (session.Topic, error) {
	t, err := d.table.Ensure(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PresenceStore is the presence view the HTTP surface needs: the session
// flips it on connect/disconnect and the snapshot reads it back.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	OnlineUsers(ctx context.Context) ([]string, error)
}

// Handlers owns the HTTP surface of the fan-out core.
type Handlers struct {
	reg         *registry.Registry
	table       *topic.Table
	attachments *store.AttachmentStore
	access      *store.AccessChecker
	presence    PresenceStore
	publisher   session.Publisher
}

func NewHandlers(
	reg *registry.Registry,
	table *topic.Table,
	attachments *store.AttachmentStore,
	access *store.AccessChecker,
	presence PresenceStore,
	publisher session.Publisher,
) *Handlers {
	return &Handlers{
		reg:         reg,
		table:       table,
		attachments: attachments,
		access:      access,
		presence:    presence,
		publisher:   publisher,
	}
}

// HandleWebSocket upgrades an authenticated request and starts the session
// actor for the user.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
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

	sess := session.New(conn, userID, session.Config{
		Topics:      topicDirectory{table: h.table},
		Attachments: h.attachments,
		Access:      h.access,
		Publisher:   h.publisher,
		Presence:    h.presence,
		Registry:    h.reg,
	})
	sess.Start()
}

// BroadcastRequest is the payload the message pipeline posts after the store
// confirms a write. Deleted events carry only the id and thread.
type BroadcastRequest struct {
	Event   string                     `json:"event" binding:"required"`
	Message protocol.NewMessagePayload `json:"message" binding:"required"`
}

// HandleBroadcast routes a persisted message event to the thread's topic.
func (h *Handlers) HandleBroadcast(c *gin.Context) {
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
	if err := h.table.Broadcast(c.Request.Context(), req.Message.ThreadID, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// fanoutSnapshot is the read-only operator view of the fan-out state.
type fanoutSnapshot struct {
	ConnectedUserCount int                       `json:"connectedUserCount"`
	Topics             []topic.ThreadSubscribers `json:"topics"`
	UserThreads        []userThreads             `json:"userThreads"`
	OnlineUserIDs      []string                  `json:"onlineUserIds"`
}

type userThreads struct {
	UserID  string   `json:"userId"`
	Threads []string `json:"threads"`
}

// HandleSnapshot assembles the debug view from the registry and topic table.
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	handles := h.reg.Snapshot()
	users := make([]userThreads, 0, len(handles))
	for _, handle := range handles {
		users = append(users, userThreads{
			UserID:  handle.UserID(),
			Threads: handle.Threads(),
		})
	}

	online, err := h.presence.OnlineUsers(c.Request.Context())
	if err != nil {
		slog.Error("Failed to read online users", "error", err)
	}
	sort.Strings(online)

	c.JSON(http.StatusOK, fanoutSnapshot{
		ConnectedUserCount: h.reg.Len(),
		Topics:             h.table.Snapshot(),
		UserThreads:        users,
		OnlineUserIDs:      online,
	})
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

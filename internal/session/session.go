package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"chat-realtime/internal/protocol"
	"chat-realtime/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Session states.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosed
)

// Topic is the thread-side contract a session talks to when joining or
// leaving.
type Topic interface {
	Subscribe(ctx context.Context, userID string) error
	Unsubscribe(ctx context.Context, userID string) error
}

// Directory resolves a thread identifier to its topic actor, creating it on
// first access.
type Directory interface {
	Ensure(ctx context.Context, threadID string) (Topic, error)
}

// AttachmentStore persists the session's small resumable snapshot.
type AttachmentStore interface {
	Put(ctx context.Context, userID string, data []byte) error
	Get(ctx context.Context, userID string) ([]byte, error)
}

// AccessChecker is the delegated authorization collaborator consulted before
// a join takes effect.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, threadID string) error
}

// Publisher hands client-sent content to the message pipeline. The canonical
// message-creation path lives outside this process; this is the optional
// socket path only.
type Publisher interface {
	PublishMessage(ctx context.Context, senderID, threadID, content string) error
}

// Presence marks users online/offline for the debug surface.
type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// Conn is the slice of *websocket.Conn the session uses; narrowed so tests
// can substitute a fake socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// attachment is the serialized snapshot that survives a suspension. Nothing
// else about a session may be assumed to survive.
type attachment struct {
	UserID  string   `json:"userId"`
	Threads []string `json:"threads"`
}

// Session is the actor owning one user's live socket. Inbound client frames
// are processed one at a time by the read pump; deliveries from topics are
// queued onto the send channel and written by the write pump.
type Session struct {
	id     string
	userID string
	conn   Conn
	send   chan []byte

	joined   map[string]struct{}
	joinedMu sync.RWMutex

	topics      Directory
	attachments AttachmentStore
	access      AccessChecker
	publisher   Publisher
	presence    Presence
	reg         *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc

	state       int32
	cleanedUp   int32
	displaced   int32
	closeCode   int
	closeReason string
	closeMu     sync.Mutex

	writerDone chan struct{}
}

// Config carries the session's collaborators.
type Config struct {
	Topics      Directory
	Attachments AttachmentStore
	Access      AccessChecker
	Publisher   Publisher
	Presence    Presence
	Registry    *registry.Registry
}

func New(conn Conn, userID string, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:          uuid.New().String(),
		userID:      userID,
		conn:        conn,
		send:        make(chan []byte, 256),
		joined:      make(map[string]struct{}),
		topics:      cfg.Topics,
		attachments: cfg.Attachments,
		access:      cfg.Access,
		publisher:   cfg.Publisher,
		presence:    cfg.Presence,
		reg:         cfg.Registry,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateConnecting,
		closeCode:   websocket.CloseNormalClosure,
		closeReason: "connection closed",
		writerDone:  make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) State() int32 {
	return atomic.LoadInt32(&s.state)
}

// Threads returns the session's joined thread set.
func (s *Session) Threads() []string {
	s.joinedMu.RLock()
	defer s.joinedMu.RUnlock()

	threads := make([]string, 0, len(s.joined))
	for threadID := range s.joined {
		threads = append(threads, threadID)
	}
	sort.Strings(threads)
	return threads
}

func (s *Session) isJoined(threadID string) bool {
	s.joinedMu.RLock()
	defer s.joinedMu.RUnlock()
	_, ok := s.joined[threadID]
	return ok
}

// Start restores any prior attachment, installs the session in the registry
// (displacing a previous connection for the same user) and starts the pumps.
func (s *Session) Start() {
	if data, err := s.attachments.Get(s.ctx, s.userID); err != nil {
		slog.Error("Failed to load session attachment", "userID", s.userID, "error", err)
	} else if data != nil {
		var att attachment
		if err := json.Unmarshal(data, &att); err != nil {
			slog.Error("Corrupt session attachment", "userID", s.userID, "error", err)
		} else {
			for _, threadID := range att.Threads {
				s.joined[threadID] = struct{}{}
			}
			if len(att.Threads) > 0 {
				slog.Info("Session resumed from attachment", "userID", s.userID, "threads", len(att.Threads))
			}
		}
	}

	prev, _ := s.reg.Register(s)
	if prevSess, ok := prev.(*Session); ok {
		prevSess.displace()
	}

	if err := s.presence.SetOnline(s.ctx, s.userID); err != nil {
		slog.Error("Failed to mark user online", "userID", s.userID, "error", err)
	}

	atomic.StoreInt32(&s.state, StateOpen)
	slog.Info("Session open", "sessionID", s.id, "userID", s.userID)

	go s.writePump()
	go s.readPump()
}

// Deliver queues a payload for the socket. Failures are the caller's to
// ignore: a stale session reports an error but is never force-closed by a
// failed delivery.
func (s *Session) Deliver(payload []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
		slog.Warn("Send buffer full, dropping delivery", "sessionID", s.id, "userID", s.userID)
		return ErrSendBufferFull
	}
}

func (s *Session) sendEnvelope(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		slog.Error("Failed to encode envelope", "sessionID", s.id, "type", env.Type, "error", err)
		return
	}
	if err := s.Deliver(data); err != nil {
		slog.Debug("Reply dropped", "sessionID", s.id, "type", env.Type, "error", err)
	}
}

func (s *Session) sendError(message string) {
	s.sendEnvelope(protocol.NewError(message))
}

// handleFrame routes one inbound client frame. Protocol errors are answered
// with ERROR and leave all state untouched.
func (s *Session) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.sendError("invalid message format")
		return
	}

	if !env.Type.IsClient() {
		s.sendError("unknown message type: " + env.Type.String())
		return
	}

	switch env.Type {
	case protocol.TypeJoinThread:
		var ref protocol.ThreadRef
		if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.ThreadID == "" {
			s.sendError("missing threadId")
			return
		}
		s.handleJoin(s.ctx, ref.ThreadID)

	case protocol.TypeLeaveThread:
		var ref protocol.ThreadRef
		if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.ThreadID == "" {
			s.sendError("missing threadId")
			return
		}
		s.handleLeave(s.ctx, ref.ThreadID)

	case protocol.TypeSendMessage:
		var msg protocol.SendMessagePayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ThreadID == "" {
			s.sendError("missing threadId")
			return
		}
		s.handleSend(s.ctx, msg)
	}
}

func (s *Session) handleJoin(ctx context.Context, threadID string) {
	if s.isJoined(threadID) {
		// Idempotent join: ack again, change nothing.
		s.sendEnvelope(protocol.NewJoinedThread(threadID))
		return
	}

	if err := s.access.CanAccess(ctx, s.userID, threadID); err != nil {
		slog.Debug("Join rejected", "userID", s.userID, "threadID", threadID, "error", err)
		s.sendError("cannot join thread: " + err.Error())
		return
	}

	t, err := s.topics.Ensure(ctx, threadID)
	if err != nil {
		s.sendError("thread unavailable")
		return
	}
	if err := t.Subscribe(ctx, s.userID); err != nil {
		slog.Error("Subscribe failed", "userID", s.userID, "threadID", threadID, "error", err)
		s.sendError("failed to join thread")
		return
	}

	if err := s.persistJoined(ctx, threadID, true); err != nil {
		// Keep both sides in lock step: undo the topic registration.
		if uerr := t.Unsubscribe(ctx, s.userID); uerr != nil {
			slog.Error("Rollback unsubscribe failed", "userID", s.userID, "threadID", threadID, "error", uerr)
		}
		s.sendError("failed to persist session state")
		return
	}

	s.joinedMu.Lock()
	s.joined[threadID] = struct{}{}
	s.joinedMu.Unlock()

	s.sendEnvelope(protocol.NewJoinedThread(threadID))
	slog.Info("Thread joined", "userID", s.userID, "threadID", threadID)
}

func (s *Session) handleLeave(ctx context.Context, threadID string) {
	if !s.isJoined(threadID) {
		// Idempotent leave.
		s.sendEnvelope(protocol.NewLeftThread(threadID))
		return
	}

	t, err := s.topics.Ensure(ctx, threadID)
	if err != nil {
		s.sendError("thread unavailable")
		return
	}
	if err := t.Unsubscribe(ctx, s.userID); err != nil {
		slog.Error("Unsubscribe failed", "userID", s.userID, "threadID", threadID, "error", err)
		s.sendError("failed to leave thread")
		return
	}

	if err := s.persistJoined(ctx, threadID, false); err != nil {
		if serr := t.Subscribe(ctx, s.userID); serr != nil {
			slog.Error("Rollback subscribe failed", "userID", s.userID, "threadID", threadID, "error", serr)
		}
		s.sendError("failed to persist session state")
		return
	}

	s.joinedMu.Lock()
	delete(s.joined, threadID)
	s.joinedMu.Unlock()

	s.sendEnvelope(protocol.NewLeftThread(threadID))
	slog.Info("Thread left", "userID", s.userID, "threadID", threadID)
}

func (s *Session) handleSend(ctx context.Context, msg protocol.SendMessagePayload) {
	if s.publisher == nil {
		s.sendError("sending messages over the socket is not enabled")
		return
	}
	if err := s.publisher.PublishMessage(ctx, s.userID, msg.ThreadID, msg.Content); err != nil {
		slog.Error("Publish failed", "userID", s.userID, "threadID", msg.ThreadID, "error", err)
		s.sendError("failed to send message")
	}
}

// persistJoined writes the attachment reflecting the candidate joined set
// (current set plus/minus threadID) before the in-memory set changes.
func (s *Session) persistJoined(ctx context.Context, threadID string, add bool) error {
	s.joinedMu.RLock()
	threads := make([]string, 0, len(s.joined)+1)
	for id := range s.joined {
		if !add && id == threadID {
			continue
		}
		threads = append(threads, id)
	}
	s.joinedMu.RUnlock()
	if add {
		threads = append(threads, threadID)
	}
	sort.Strings(threads)

	data, err := json.Marshal(attachment{UserID: s.userID, Threads: threads})
	if err != nil {
		return err
	}
	return s.attachments.Put(ctx, s.userID, data)
}

// cleanup runs the disconnect path exactly once: unsubscribe from every
// joined topic concurrently, clear and persist state, release the registry
// entry and mark the user offline.
func (s *Session) cleanup() {
	if !atomic.CompareAndSwapInt32(&s.cleanedUp, 0, 1) {
		return
	}
	atomic.StoreInt32(&s.state, StateClosed)

	// A displaced session no longer owns the user's durable state: the
	// successor restored the attachment and keeps the topic subscriptions and
	// presence, so only the local map is dropped here.
	if atomic.LoadInt32(&s.displaced) == 1 {
		s.joinedMu.Lock()
		s.joined = make(map[string]struct{})
		s.joinedMu.Unlock()

		s.reg.Remove(s.userID, s)

		slog.Info("Session closed", "sessionID", s.id, "userID", s.userID, "displaced", true)
		return
	}

	ctx := context.Background()

	s.joinedMu.Lock()
	threads := make([]string, 0, len(s.joined))
	for threadID := range s.joined {
		threads = append(threads, threadID)
	}
	s.joined = make(map[string]struct{})
	s.joinedMu.Unlock()

	var wg sync.WaitGroup
	for _, threadID := range threads {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			t, err := s.topics.Ensure(ctx, threadID)
			if err != nil {
				slog.Error("Cleanup: topic unavailable", "userID", s.userID, "threadID", threadID, "error", err)
				return
			}
			if err := t.Unsubscribe(ctx, s.userID); err != nil {
				slog.Error("Cleanup: unsubscribe failed", "userID", s.userID, "threadID", threadID, "error", err)
			}
		}(threadID)
	}
	wg.Wait()

	if data, err := json.Marshal(attachment{UserID: s.userID, Threads: []string{}}); err == nil {
		if err := s.attachments.Put(ctx, s.userID, data); err != nil {
			slog.Error("Cleanup: attachment persist failed", "userID", s.userID, "error", err)
		}
	}

	s.reg.Remove(s.userID, s)

	if err := s.presence.SetOffline(ctx, s.userID); err != nil {
		slog.Error("Cleanup: failed to mark user offline", "userID", s.userID, "error", err)
	}

	slog.Info("Session closed", "sessionID", s.id, "userID", s.userID, "threadsCleaned", len(threads))
}

// displace shuts the session down on behalf of a successor that has taken
// over the user's registry entry. The successor owns the attachment, topic
// subscriptions, and presence from this point on, so cleanup must leave them
// alone.
func (s *Session) displace() {
	atomic.StoreInt32(&s.displaced, 1)
	s.shutdown(websocket.CloseNormalClosure, "session replaced by new connection")
}

// shutdown closes the session with the given close code and reason. Safe to
// call from any goroutine.
func (s *Session) shutdown(code int, reason string) {
	s.closeMu.Lock()
	s.closeCode = code
	s.closeReason = reason
	s.closeMu.Unlock()
	s.cancel()

	// A blocked read only returns once the socket closes; give the writer a
	// moment to emit the close frame first.
	go func() {
		select {
		case <-s.writerDone:
		case <-time.After(writeWait):
		}
		s.conn.Close()
	}()
}

func (s *Session) closeFrame() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

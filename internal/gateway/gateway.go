package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"

	"log/slog"
)

var ErrNotConnected = errors.New("user is not connected")

// Socket is the gateway's view of one user's live connection.
type Socket interface {
	Write(payload []byte) error
	Alive() bool
}

// Subscription is a handle on one upstream registration.
type Subscription interface {
	Close() error
}

// EventSource is the external feed of thread events (Redis pub/sub in
// production). The gateway holds at most one subscription per thread.
type EventSource interface {
	Subscribe(ctx context.Context, threadID string, handler func(payload []byte)) (Subscription, error)
}

// Gateway is the in-process fan-out coordinator: one shared table of user
// sockets and joined-thread sets, with exactly one upstream subscription per
// thread no matter how many local users are interested. Used when sessions
// and topics are not independently addressable actors.
type Gateway struct {
	mu       sync.RWMutex
	socks    map[string]Socket
	joined   map[string]map[string]struct{}
	upstream map[string]Subscription
	source   EventSource
}

func New(source EventSource) *Gateway {
	return &Gateway{
		socks:    make(map[string]Socket),
		joined:   make(map[string]map[string]struct{}),
		upstream: make(map[string]Subscription),
		source:   source,
	}
}

// Connect installs the user's socket. A reconnect replaces the previous
// connection outright, releasing whatever it had joined.
func (g *Gateway) Connect(userID string, sock Socket) {
	g.Disconnect(userID)

	g.mu.Lock()
	g.socks[userID] = sock
	g.joined[userID] = make(map[string]struct{})
	g.mu.Unlock()

	slog.Info("Gateway: user connected", "userID", userID)
}

// Disconnect drops the user and dereferences every thread they had joined,
// closing upstream subscriptions that lost their last local subscriber.
func (g *Gateway) Disconnect(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	threads, ok := g.joined[userID]
	if !ok {
		return
	}
	delete(g.socks, userID)
	delete(g.joined, userID)

	for threadID := range threads {
		g.dropUpstreamIfUnused(threadID)
	}

	slog.Info("Gateway: user disconnected", "userID", userID, "threadsReleased", len(threads))
}

// Join subscribes the user to a thread. The first local subscriber for a
// thread registers exactly one upstream subscription; later joiners reuse it.
// The registration round-trip runs outside the lock so an in-flight subscribe
// never stalls fan-out or connection churn.
func (g *Gateway) Join(ctx context.Context, userID, threadID string) error {
	g.mu.Lock()
	threads, ok := g.joined[userID]
	if !ok {
		g.mu.Unlock()
		return ErrNotConnected
	}
	if _, already := threads[threadID]; already {
		g.mu.Unlock()
		return nil
	}
	if _, registered := g.upstream[threadID]; registered {
		threads[threadID] = struct{}{}
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	sub, err := g.source.Subscribe(ctx, threadID, func(payload []byte) {
		g.handleEvent(threadID, payload)
	})
	if err != nil {
		return err
	}

	// Re-check under the lock: the user may have disconnected, or another
	// joiner may have won the registration race.
	g.mu.Lock()
	var stale Subscription
	threads, ok = g.joined[userID]
	if !ok {
		stale = sub
	} else if _, registered := g.upstream[threadID]; registered {
		stale = sub
		threads[threadID] = struct{}{}
	} else {
		g.upstream[threadID] = sub
		threads[threadID] = struct{}{}
		slog.Debug("Gateway: upstream registered", "threadID", threadID)
	}
	g.mu.Unlock()

	if stale != nil {
		if err := stale.Close(); err != nil {
			slog.Error("Gateway: duplicate upstream close failed", "threadID", threadID, "error", err)
		}
	}
	if !ok {
		return ErrNotConnected
	}
	return nil
}

// Leave unsubscribes the user from a thread, deregistering the upstream
// subscription only when no local user still wants the thread.
func (g *Gateway) Leave(ctx context.Context, userID, threadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	threads, ok := g.joined[userID]
	if !ok {
		return ErrNotConnected
	}
	if _, joined := threads[threadID]; !joined {
		return nil
	}
	delete(threads, threadID)

	g.dropUpstreamIfUnused(threadID)
	return nil
}

// dropUpstreamIfUnused closes the thread's upstream subscription when no
// remaining user has the thread in their joined set. Scans all users; user
// and thread counts stay small relative to one process's socket capacity.
// Callers must hold g.mu.
func (g *Gateway) dropUpstreamIfUnused(threadID string) {
	for _, threads := range g.joined {
		if _, ok := threads[threadID]; ok {
			return
		}
	}
	if sub, ok := g.upstream[threadID]; ok {
		if err := sub.Close(); err != nil {
			slog.Error("Gateway: upstream close failed", "threadID", threadID, "error", err)
		}
		delete(g.upstream, threadID)
		slog.Debug("Gateway: upstream deregistered", "threadID", threadID)
	}
}

// handleEvent pushes one upstream event to every local user joined to the
// thread whose socket is still live. Write failures are swallowed.
func (g *Gateway) handleEvent(threadID string, payload []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for userID, threads := range g.joined {
		if _, ok := threads[threadID]; !ok {
			continue
		}
		sock, ok := g.socks[userID]
		if !ok || !sock.Alive() {
			continue
		}
		if err := sock.Write(payload); err != nil {
			slog.Debug("Gateway: write failed", "userID", userID, "threadID", threadID, "error", err)
		}
	}
}

// UserThreads is one row of the introspection snapshot.
type UserThreads struct {
	UserID  string   `json:"userId"`
	Threads []string `json:"threads"`
}

// ThreadUsers is one row of the introspection snapshot.
type ThreadUsers struct {
	ThreadID          string   `json:"threadId"`
	SubscriberUserIDs []string `json:"subscriberUserIds"`
}

// Snapshot is the read-only operator view of the gateway state.
type Snapshot struct {
	ConnectedUserCount int           `json:"connectedUserCount"`
	Topics             []ThreadUsers `json:"topics"`
	UserThreads        []UserThreads `json:"userThreads"`
}

func (g *Gateway) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	byThread := make(map[string][]string)
	users := make([]UserThreads, 0, len(g.joined))
	for userID, threads := range g.joined {
		list := make([]string, 0, len(threads))
		for threadID := range threads {
			list = append(list, threadID)
			byThread[threadID] = append(byThread[threadID], userID)
		}
		sort.Strings(list)
		users = append(users, UserThreads{UserID: userID, Threads: list})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	topics := make([]ThreadUsers, 0, len(byThread))
	for threadID, userIDs := range byThread {
		sort.Strings(userIDs)
		topics = append(topics, ThreadUsers{ThreadID: threadID, SubscriberUserIDs: userIDs})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].ThreadID < topics[j].ThreadID })

	return Snapshot{
		ConnectedUserCount: len(g.socks),
		Topics:             topics,
		UserThreads:        users,
	}
}

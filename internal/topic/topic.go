package topic

import (
	"context"
	"errors"
	"sync"

	"log/slog"
)

var ErrTopicStopped = errors.New("topic stopped")

// Deliverer is the delivery endpoint a broadcast forwards to, one per
// subscribed user. Implemented by the session actor via the registry.
type Deliverer interface {
	Deliver(payload []byte) error
}

// ResolverFunc maps a user identity to its live delivery endpoint. Users
// without a live session simply resolve to nothing.
type ResolverFunc func(userID string) (Deliverer, bool)

// SubscriberStore is the durable backing for a topic's subscriber set.
type SubscriberStore interface {
	Add(ctx context.Context, threadID, userID string) error
	Remove(ctx context.Context, threadID, userID string) error
	Members(ctx context.Context, threadID string) ([]string, error)
}

type subReq struct {
	ctx    context.Context
	userID string
	add    bool
	reply  chan error
}

type castReq struct {
	payload []byte
	reply   chan error
}

type snapReq struct {
	reply chan []string
}

// Topic is the actor owning one thread's subscriber set. All operations on
// the same topic are serialized through its mailbox; a broadcast issued after
// a completed subscribe is therefore guaranteed to see that subscriber.
type Topic struct {
	threadID string
	subs     map[string]struct{}

	store   SubscriberStore
	resolve ResolverFunc

	sub  chan subReq
	cast chan castReq
	snap chan snapReq
	quit chan struct{}
	once sync.Once
}

func newTopic(threadID string, store SubscriberStore, resolve ResolverFunc, seed []string) *Topic {
	subs := make(map[string]struct{}, len(seed))
	for _, userID := range seed {
		subs[userID] = struct{}{}
	}
	return &Topic{
		threadID: threadID,
		subs:     subs,
		store:    store,
		resolve:  resolve,
		sub:      make(chan subReq, 32),
		cast:     make(chan castReq, 32),
		snap:     make(chan snapReq, 8),
		quit:     make(chan struct{}),
	}
}

func (t *Topic) run() {
	for {
		select {
		case req := <-t.sub:
			req.reply <- t.handleSub(req)

		case req := <-t.cast:
			t.handleCast(req.payload)
			req.reply <- nil

		case req := <-t.snap:
			req.reply <- t.subscribers()

		case <-t.quit:
			return
		}
	}
}

func (t *Topic) handleSub(req subReq) error {
	if req.add {
		if _, ok := t.subs[req.userID]; ok {
			return nil
		}
		// Durable write before the in-memory set changes; a failed write
		// leaves both sides untouched.
		if err := t.store.Add(req.ctx, t.threadID, req.userID); err != nil {
			return err
		}
		t.subs[req.userID] = struct{}{}
		slog.Debug("Subscriber added", "threadID", t.threadID, "userID", req.userID)
		return nil
	}

	if _, ok := t.subs[req.userID]; !ok {
		return nil
	}
	if err := t.store.Remove(req.ctx, t.threadID, req.userID); err != nil {
		return err
	}
	delete(t.subs, req.userID)
	slog.Debug("Subscriber removed", "threadID", t.threadID, "userID", req.userID)
	return nil
}

// handleCast delivers the payload to every current subscriber's session,
// concurrently, and returns once every attempt has settled. A failed or
// unresolvable delivery never affects the other subscribers.
func (t *Topic) handleCast(payload []byte) {
	if len(t.subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for userID := range t.subs {
		target, ok := t.resolve(userID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(userID string, target Deliverer) {
			defer wg.Done()
			if err := target.Deliver(payload); err != nil {
				slog.Debug("Delivery failed", "threadID", t.threadID, "userID", userID, "error", err)
			}
		}(userID, target)
	}
	wg.Wait()
}

func (t *Topic) subscribers() []string {
	out := make([]string, 0, len(t.subs))
	for userID := range t.subs {
		out = append(out, userID)
	}
	return out
}

func (t *Topic) ThreadID() string {
	return t.threadID
}

// Subscribe adds userID to the subscriber set, persisting before success.
// Subscribing an existing subscriber is a successful no-op.
func (t *Topic) Subscribe(ctx context.Context, userID string) error {
	return t.sendSub(ctx, userID, true)
}

// Unsubscribe removes userID, persisting before success. Unknown users are a
// successful no-op.
func (t *Topic) Unsubscribe(ctx context.Context, userID string) error {
	return t.sendSub(ctx, userID, false)
}

func (t *Topic) sendSub(ctx context.Context, userID string, add bool) error {
	req := subReq{ctx: ctx, userID: userID, add: add, reply: make(chan error, 1)}
	select {
	case t.sub <- req:
	case <-t.quit:
		return ErrTopicStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-t.quit:
		return ErrTopicStopped
	}
}

// Broadcast forwards payload to every current subscriber and returns after
// all delivery attempts have settled. An empty subscriber set is a no-op that
// still reports success.
func (t *Topic) Broadcast(ctx context.Context, payload []byte) error {
	req := castReq{payload: payload, reply: make(chan error, 1)}
	select {
	case t.cast <- req:
	case <-t.quit:
		return ErrTopicStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-t.quit:
		return ErrTopicStopped
	}
}

// Subscribers returns a point-in-time copy of the subscriber set.
func (t *Topic) Subscribers() []string {
	req := snapReq{reply: make(chan []string, 1)}
	select {
	case t.snap <- req:
	case <-t.quit:
		return nil
	}
	select {
	case subs := <-req.reply:
		return subs
	case <-t.quit:
		return nil
	}
}

func (t *Topic) stop() {
	t.once.Do(func() {
		close(t.quit)
	})
}

package topic

import (
	"context"
	"sync"

	"log/slog"
)

// Table is the directory of topic actors, one per thread that has ever had a
// subscriber in this process. Topics are created lazily on first access and
// seeded from the durable subscriber store, so a reloaded topic resumes with
// the set it last persisted. Empty topics stay resident.
type Table struct {
	mu      sync.Mutex
	topics  map[string]*Topic
	store   SubscriberStore
	resolve ResolverFunc
}

func NewTable(store SubscriberStore, resolve ResolverFunc) *Table {
	return &Table{
		topics:  make(map[string]*Topic),
		store:   store,
		resolve: resolve,
	}
}

// Ensure returns the topic actor for threadID, creating and seeding it on
// first access.
func (tb *Table) Ensure(ctx context.Context, threadID string) (*Topic, error) {
	tb.mu.Lock()
	if t, ok := tb.topics[threadID]; ok {
		tb.mu.Unlock()
		return t, nil
	}
	tb.mu.Unlock()

	// Seed outside the lock; the store call may block.
	seed, err := tb.store.Members(ctx, threadID)
	if err != nil {
		return nil, err
	}
	t := newTopic(threadID, tb.store, tb.resolve, seed)

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if existing, ok := tb.topics[threadID]; ok {
		// Lost the race to another creator.
		return existing, nil
	}
	tb.topics[threadID] = t
	go t.run()
	slog.Debug("Topic created", "threadID", threadID, "seeded", len(seed))
	return t, nil
}

// Lookup returns the topic actor if it is already resident.
func (tb *Table) Lookup(threadID string) (*Topic, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.topics[threadID]
	return t, ok
}

// Broadcast routes a fully-formed payload to the thread's topic actor. Used
// by the message pipeline once the store has confirmed a write.
func (tb *Table) Broadcast(ctx context.Context, threadID string, payload []byte) error {
	t, err := tb.Ensure(ctx, threadID)
	if err != nil {
		return err
	}
	return t.Broadcast(ctx, payload)
}

// ThreadSubscribers is one row of the introspection snapshot.
type ThreadSubscribers struct {
	ThreadID          string   `json:"threadId"`
	SubscriberUserIDs []string `json:"subscriberUserIds"`
}

// Snapshot returns the subscriber sets of all resident topics.
func (tb *Table) Snapshot() []ThreadSubscribers {
	tb.mu.Lock()
	topics := make([]*Topic, 0, len(tb.topics))
	for _, t := range tb.topics {
		topics = append(topics, t)
	}
	tb.mu.Unlock()

	out := make([]ThreadSubscribers, 0, len(topics))
	for _, t := range topics {
		out = append(out, ThreadSubscribers{
			ThreadID:          t.ThreadID(),
			SubscriberUserIDs: t.Subscribers(),
		})
	}
	return out
}

// Close stops every resident topic actor.
func (tb *Table) Close() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, t := range tb.topics {
		t.stop()
	}
}

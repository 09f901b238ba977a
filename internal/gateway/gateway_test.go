package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	subs     map[string]*fakeSub
	subCalls map[string]int
	err      error

	// When set, Subscribe signals entered and parks until release closes.
	entered chan struct{}
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		handlers: make(map[string]func([]byte)),
		subs:     make(map[string]*fakeSub),
		subCalls: make(map[string]int),
	}
}

func (s *fakeSource) Subscribe(ctx context.Context, threadID string, handler func(payload []byte)) (Subscription, error) {
	if s.release != nil {
		s.entered <- struct{}{}
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subCalls[threadID]++
	if s.err != nil {
		return nil, s.err
	}
	sub := &fakeSub{}
	s.handlers[threadID] = handler
	s.subs[threadID] = sub
	return sub, nil
}

// emit simulates one upstream event arriving on the thread's channel.
func (s *fakeSource) emit(threadID string, payload []byte) {
	s.mu.Lock()
	handler := s.handlers[threadID]
	s.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func (s *fakeSource) calls(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subCalls[threadID]
}

type fakeSocket struct {
	mu     sync.Mutex
	writes [][]byte
	dead   bool
	err    error
}

func (s *fakeSocket) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, payload)
	return nil
}

func (s *fakeSocket) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func TestGatewayUpstreamRefcount(t *testing.T) {
	ctx := context.Background()

	t.Run("SingleUpstreamForManyJoiners", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		for _, userID := range []string{"a", "b", "c"} {
			gw.Connect(userID, &fakeSocket{})
			require.NoError(t, gw.Join(ctx, userID, "t1"))
		}

		assert.Equal(t, 1, source.calls("t1"), "later joiners must reuse the first subscription")
	})

	t.Run("UpstreamHeldUntilLastLeaver", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		gw.Connect("a", &fakeSocket{})
		gw.Connect("b", &fakeSocket{})
		require.NoError(t, gw.Join(ctx, "a", "t1"))
		require.NoError(t, gw.Join(ctx, "b", "t1"))

		require.NoError(t, gw.Leave(ctx, "a", "t1"))
		assert.False(t, source.subs["t1"].isClosed(), "one subscriber remains")

		require.NoError(t, gw.Leave(ctx, "b", "t1"))
		assert.True(t, source.subs["t1"].isClosed(), "last leaver releases the upstream")
	})

	t.Run("RejoinAfterReleaseResubscribes", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		gw.Connect("a", &fakeSocket{})
		require.NoError(t, gw.Join(ctx, "a", "t1"))
		require.NoError(t, gw.Leave(ctx, "a", "t1"))
		require.NoError(t, gw.Join(ctx, "a", "t1"))

		assert.Equal(t, 2, source.calls("t1"))
	})

	t.Run("IdempotentJoinDoesNotResubscribe", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		gw.Connect("a", &fakeSocket{})
		require.NoError(t, gw.Join(ctx, "a", "t1"))
		require.NoError(t, gw.Join(ctx, "a", "t1"))

		assert.Equal(t, 1, source.calls("t1"))
	})

	t.Run("SubscribeFailureLeavesNoTrace", func(t *testing.T) {
		source := newFakeSource()
		source.err = errors.New("redis down")
		gw := New(source)

		gw.Connect("a", &fakeSocket{})
		require.Error(t, gw.Join(ctx, "a", "t1"))

		snap := gw.Snapshot()
		require.Len(t, snap.UserThreads, 1)
		assert.Empty(t, snap.UserThreads[0].Threads)
		assert.Empty(t, snap.Topics)
	})

	t.Run("JoinWithoutConnect", func(t *testing.T) {
		gw := New(newFakeSource())
		assert.ErrorIs(t, gw.Join(ctx, "ghost", "t1"), ErrNotConnected)
		assert.ErrorIs(t, gw.Leave(ctx, "ghost", "t1"), ErrNotConnected)
	})

	t.Run("SlowSubscribeDoesNotBlockFanOut", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		recv := &fakeSocket{}
		gw.Connect("a", &fakeSocket{})
		gw.Connect("b", recv)
		require.NoError(t, gw.Join(ctx, "b", "t2"))

		source.entered = make(chan struct{}, 1)
		source.release = make(chan struct{})

		done := make(chan error, 1)
		go func() { done <- gw.Join(ctx, "a", "t1") }()
		<-source.entered

		// Fan-out and connection churn proceed while the registration round
		// trip is in flight.
		source.emit("t2", []byte("event"))
		assert.Equal(t, 1, recv.count())
		gw.Connect("c", &fakeSocket{})
		assert.Equal(t, 3, gw.Snapshot().ConnectedUserCount)

		close(source.release)
		require.NoError(t, <-done)
		assert.Equal(t, 1, source.calls("t1"))
	})

	t.Run("DisconnectDuringSubscribe", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		gw.Connect("a", &fakeSocket{})

		source.entered = make(chan struct{}, 1)
		source.release = make(chan struct{})

		done := make(chan error, 1)
		go func() { done <- gw.Join(ctx, "a", "t1") }()
		<-source.entered

		gw.Disconnect("a")
		close(source.release)

		assert.ErrorIs(t, <-done, ErrNotConnected)
		assert.True(t, source.subs["t1"].isClosed(), "orphaned registration must be released")
		assert.Empty(t, gw.Snapshot().Topics)
	})
}

func TestGatewayDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("ReleasesAllThreads", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		gw.Connect("a", &fakeSocket{})
		require.NoError(t, gw.Join(ctx, "a", "t1"))
		require.NoError(t, gw.Join(ctx, "a", "t2"))

		gw.Disconnect("a")

		assert.True(t, source.subs["t1"].isClosed())
		assert.True(t, source.subs["t2"].isClosed())
		assert.Zero(t, gw.Snapshot().ConnectedUserCount)
	})

	t.Run("SharedThreadSurvivesOneDisconnect", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		gw.Connect("a", &fakeSocket{})
		gw.Connect("b", &fakeSocket{})
		require.NoError(t, gw.Join(ctx, "a", "t1"))
		require.NoError(t, gw.Join(ctx, "b", "t1"))

		gw.Disconnect("a")
		assert.False(t, source.subs["t1"].isClosed())
	})

	t.Run("ReconnectReplaces", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		old := &fakeSocket{}
		gw.Connect("a", old)
		require.NoError(t, gw.Join(ctx, "a", "t1"))

		fresh := &fakeSocket{}
		gw.Connect("a", fresh)

		// The replacement starts with an empty joined set and the stale
		// socket no longer receives anything.
		snap := gw.Snapshot()
		assert.Equal(t, 1, snap.ConnectedUserCount)
		require.Len(t, snap.UserThreads, 1)
		assert.Empty(t, snap.UserThreads[0].Threads)

		require.NoError(t, gw.Join(ctx, "a", "t1"))
		source.emit("t1", []byte("event"))
		assert.Zero(t, old.count())
		assert.Equal(t, 1, fresh.count())
	})
}

func TestGatewayFanOut(t *testing.T) {
	ctx := context.Background()

	t.Run("OnlyJoinedUsersReceive", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		inThread := &fakeSocket{}
		outside := &fakeSocket{}
		gw.Connect("a", inThread)
		gw.Connect("b", outside)
		require.NoError(t, gw.Join(ctx, "a", "t1"))

		source.emit("t1", []byte("event"))

		assert.Equal(t, 1, inThread.count())
		assert.Zero(t, outside.count())
	})

	t.Run("DeadSocketSkipped", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		dead := &fakeSocket{dead: true}
		live := &fakeSocket{}
		gw.Connect("a", dead)
		gw.Connect("b", live)
		require.NoError(t, gw.Join(ctx, "a", "t1"))
		require.NoError(t, gw.Join(ctx, "b", "t1"))

		source.emit("t1", []byte("event"))

		assert.Zero(t, dead.count())
		assert.Equal(t, 1, live.count())
	})

	t.Run("WriteFailureIsolated", func(t *testing.T) {
		source := newFakeSource()
		gw := New(source)

		broken := &fakeSocket{err: errors.New("connection reset")}
		healthy := &fakeSocket{}
		gw.Connect("a", broken)
		gw.Connect("b", healthy)
		require.NoError(t, gw.Join(ctx, "a", "t1"))
		require.NoError(t, gw.Join(ctx, "b", "t1"))

		source.emit("t1", []byte("event"))
		assert.Equal(t, 1, healthy.count())
	})
}

func TestGatewaySnapshot(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	gw := New(source)

	gw.Connect("bob", &fakeSocket{})
	gw.Connect("alice", &fakeSocket{})
	require.NoError(t, gw.Join(ctx, "alice", "t2"))
	require.NoError(t, gw.Join(ctx, "alice", "t1"))
	require.NoError(t, gw.Join(ctx, "bob", "t1"))

	snap := gw.Snapshot()
	assert.Equal(t, 2, snap.ConnectedUserCount)

	require.Len(t, snap.UserThreads, 2)
	assert.Equal(t, UserThreads{UserID: "alice", Threads: []string{"t1", "t2"}}, snap.UserThreads[0])
	assert.Equal(t, UserThreads{UserID: "bob", Threads: []string{"t1"}}, snap.UserThreads[1])

	require.Len(t, snap.Topics, 2)
	assert.Equal(t, ThreadUsers{ThreadID: "t1", SubscriberUserIDs: []string{"alice", "bob"}}, snap.Topics[0])
	assert.Equal(t, ThreadUsers{ThreadID: "t2", SubscriberUserIDs: []string{"alice"}}, snap.Topics[1])
}

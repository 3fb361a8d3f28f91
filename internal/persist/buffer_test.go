package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexstream/internal/data"
)

type write struct {
	at      time.Time
	content string
	tokens  int
	meta    map[string]any
}

// fakeStore is an in-memory message store that can simulate contention.
type fakeStore struct {
	mu            sync.Mutex
	messages      map[string]*data.Message
	writes        []write
	touches       int
	lockFailures  int
	notFoundFinds int
	saveDelay     time.Duration
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{messages: make(map[string]*data.Message)}
	for _, id := range ids {
		s.messages[id] = &data.Message{ID: id, ConversationID: "conv-1", Status: data.StatusPending}
	}
	return s
}

func (s *fakeStore) FindMessage(_ context.Context, id string) (*data.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notFoundFinds > 0 {
		s.notFoundFinds--
		return nil, data.ErrNotFound
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) SaveMessage(_ context.Context, m *data.Message) error {
	if s.saveDelay > 0 {
		time.Sleep(s.saveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFailures > 0 {
		s.lockFailures--
		return data.ErrLocked
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.writes = append(s.writes, write{at: time.Now(), content: m.Content, tokens: m.TokenCount, meta: m.Meta})
	return nil
}

func (s *fakeStore) TouchConversation(context.Context, string, time.Time) error {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) snapshot() []write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]write(nil), s.writes...)
}

func (s *fakeStore) content(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id].Content
}

func testConfig(interval time.Duration) Config {
	return Config{
		Interval:        interval,
		WarmupTokens:    10,
		MaxLockRetries:  5,
		BaseDelay:       2 * time.Millisecond,
		MaxDelay:        20 * time.Millisecond,
		NotFoundRetries: 3,
		WriteTimeout:    time.Second,
	}
}

// entryState reads an entry's throttle state. ok is false once it is forgotten.
func entryState(b *Buffer, id string) (queued bool, lastWrite time.Time, ok bool) {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return false, time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued, e.lastWrite, true
}

// settled reports whether the leading write for id has finished.
func settled(b *Buffer, id string) bool {
	queued, _, ok := entryState(b, id)
	return ok && !queued
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.Interval)
	assert.Equal(t, 10, cfg.WarmupTokens)
	assert.Equal(t, 5, cfg.MaxLockRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 3, cfg.NotFoundRetries)

	b := New(newFakeStore(), Config{})
	assert.Equal(t, cfg.Interval, b.Config().Interval)
}

// TestTrailingWriteAfterPause pushes at 0, 40, 60 and 248ms with a 200ms
// interval. Only the first and last pushes may lead; the trailing write must
// land at least one interval after the last push and carry its content.
func TestTrailingWriteAfterPause(t *testing.T) {
	const interval = 200 * time.Millisecond
	store := newFakeStore("m1")
	b := New(store, testConfig(interval))

	start := time.Now()
	push := func(at time.Duration, content string) {
		time.Sleep(time.Until(start.Add(at)))
		b.Push("m1", Update{Content: content, TokenCount: 50, StartedAt: start})
	}

	push(0, "c0")
	push(40*time.Millisecond, "c1")
	push(60*time.Millisecond, "c2")
	push(248*time.Millisecond, "c3")

	require.Eventually(t, func() bool {
		w := store.snapshot()
		return len(w) > 0 && w[len(w)-1].at.Sub(start) >= 248*time.Millisecond+interval-5*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond)

	writes := store.snapshot()
	last := writes[len(writes)-1]
	assert.Equal(t, "c3", last.content)

	for _, w := range writes {
		offset := w.at.Sub(start)
		if offset > 100*time.Millisecond && offset < 240*time.Millisecond {
			t.Errorf("unexpected write at %v (%q): no throttle tick should fire in the pause", offset, w.content)
		}
	}
	b.Release("m1")
}

func TestLeadingEdgeThrottle(t *testing.T) {
	store := newFakeStore("m1")
	b := New(store, testConfig(time.Hour))

	b.Push("m1", Update{Content: "a", TokenCount: 100})
	b.Push("m1", Update{Content: "ab", TokenCount: 101})
	b.Push("m1", Update{Content: "abc", TokenCount: 102})

	require.Eventually(t, func() bool { return len(store.snapshot()) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// One leading write inside the window; the rest waits for the trailing edge.
	assert.Len(t, store.snapshot(), 1)

	require.NoError(t, b.Flush(context.Background(), "m1"))
	assert.Equal(t, "abc", store.content("m1"))
}

func TestWarmupWritesEagerly(t *testing.T) {
	store := newFakeStore("m1")
	b := New(store, testConfig(time.Hour))

	for i := 1; i <= 5; i++ {
		b.Push("m1", Update{Content: string(rune('a' + i)), TokenCount: i})
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(store.snapshot()) >= 5 }, time.Second, time.Millisecond)
	b.Release("m1")
}

func TestFlushWritesLatestAndClears(t *testing.T) {
	store := newFakeStore("m1")
	b := New(store, testConfig(time.Hour))

	b.Push("m1", Update{Content: "hello", TokenCount: 20, Extra: map[string]any{"thinking": "t"}})
	b.Push("m1", Update{Content: "hello world", TokenCount: 21, Extra: map[string]any{"thinking": "tt"}})
	require.True(t, b.Pending("m1"))

	require.NoError(t, b.Flush(context.Background(), "m1"))
	assert.False(t, b.Pending("m1"))
	assert.Equal(t, 0, b.Len())

	writes := store.snapshot()
	last := writes[len(writes)-1]
	assert.Equal(t, "hello world", last.content)
	assert.Equal(t, 21, last.tokens)
	assert.Equal(t, "tt", last.meta["thinking"])

	// Nothing buffered: no-op.
	require.NoError(t, b.Flush(context.Background(), "m1"))
	require.NoError(t, b.Flush(context.Background(), "never-pushed"))
}

func TestReleaseCancelsTrailingWrite(t *testing.T) {
	store := newFakeStore("m1")
	b := New(store, testConfig(200*time.Millisecond))

	b.Push("m1", Update{Content: "x", TokenCount: 50})
	require.Eventually(t, func() bool { return settled(b, "m1") }, time.Second, time.Millisecond)
	require.Len(t, store.snapshot(), 1)

	b.Push("m1", Update{Content: "xy", TokenCount: 51})
	b.Release("m1")

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, store.snapshot(), 1)
	assert.Equal(t, "x", store.content("m1"))

	// Pushes after release start a fresh entry.
	b.Push("m1", Update{Content: "new", TokenCount: 50})
	assert.True(t, b.Pending("m1"))
	b.Release("m1")
}

func TestReleaseWaitsForScheduledWrite(t *testing.T) {
	store := newFakeStore("m1")
	store.saveDelay = 40 * time.Millisecond
	b := New(store, testConfig(time.Hour))

	b.Push("m1", Update{Content: "partial", TokenCount: 50})
	b.Release("m1")

	// The leading write was scheduled before the release, so it has landed.
	assert.Equal(t, "partial", store.content("m1"))
	assert.Len(t, store.snapshot(), 1)
	assert.False(t, b.Pending("m1"))
}

func TestThrottleWindowStartsAtSuccessfulWrite(t *testing.T) {
	store := newFakeStore("m1")
	store.saveDelay = 40 * time.Millisecond
	b := New(store, testConfig(time.Hour))

	before := time.Now()
	b.Push("m1", Update{Content: "a", TokenCount: 50})
	require.Eventually(t, func() bool { return settled(b, "m1") }, time.Second, time.Millisecond)

	_, lastWrite, ok := entryState(b, "m1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, lastWrite.Sub(before), 40*time.Millisecond)
	b.Release("m1")
}

func TestFailedWriteDoesNotStartThrottleWindow(t *testing.T) {
	store := newFakeStore("m1")
	store.lockFailures = 1000
	b := New(store, testConfig(time.Hour))

	b.Push("m1", Update{Content: "a", TokenCount: 50})
	require.Eventually(t, func() bool { return settled(b, "m1") }, time.Second, time.Millisecond)

	_, lastWrite, ok := entryState(b, "m1")
	require.True(t, ok)
	assert.True(t, lastWrite.IsZero())
	b.Release("m1")
}

func TestLockContentionIsRetried(t *testing.T) {
	store := newFakeStore("m1")
	store.lockFailures = 3
	b := New(store, testConfig(time.Hour))

	b.Push("m1", Update{Content: "v", TokenCount: 50})
	require.NoError(t, b.Flush(context.Background(), "m1"))
	assert.Equal(t, "v", store.content("m1"))
}

func TestLockContentionGivesUp(t *testing.T) {
	store := newFakeStore("m1")
	store.lockFailures = 1000
	cfg := testConfig(time.Hour)
	b := New(store, cfg)

	b.Push("m1", Update{Content: "v", TokenCount: 50})
	err := b.Flush(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGiveUp))
	assert.True(t, data.IsLocked(err))
}

func TestNotFoundIsRetried(t *testing.T) {
	store := newFakeStore("m1")
	store.notFoundFinds = 2
	b := New(store, testConfig(time.Hour))

	b.Push("m1", Update{Content: "late row", TokenCount: 50})
	require.NoError(t, b.Flush(context.Background(), "m1"))
	assert.Equal(t, "late row", store.content("m1"))
}

func TestNotFoundGivesUp(t *testing.T) {
	store := newFakeStore()
	b := New(store, testConfig(time.Hour))

	b.Push("ghost", Update{Content: "v", TokenCount: 50})
	err := b.Flush(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGiveUp)
	assert.True(t, data.IsNotFound(err))
}

func TestFlushWaitsForInFlightWrite(t *testing.T) {
	store := newFakeStore("m1")
	store.saveDelay = 30 * time.Millisecond
	b := New(store, testConfig(time.Hour))

	b.Push("m1", Update{Content: "first", TokenCount: 50})
	time.Sleep(5 * time.Millisecond) // leading write now in flight
	b.Push("m1", Update{Content: "second", TokenCount: 51})

	require.NoError(t, b.Flush(context.Background(), "m1"))

	writes := store.snapshot()
	require.NotEmpty(t, writes)
	assert.Equal(t, "second", writes[len(writes)-1].content)
}

func TestMessagesAreIndependent(t *testing.T) {
	store := newFakeStore("a", "b")
	b := New(store, testConfig(time.Hour))

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Push(id, Update{Content: id + "-final", TokenCount: 100 + i})
			}
		}(id)
	}
	wg.Wait()

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, "a-final", store.content("a"))
	assert.Equal(t, "b-final", store.content("b"))
	assert.Equal(t, 0, b.Len())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := New(newFakeStore(), Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	for attempt := 0; attempt < 10; attempt++ {
		d := b.backoff(attempt)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 75*time.Millisecond)
	}
	assert.GreaterOrEqual(t, b.backoff(2), 40*time.Millisecond)
}

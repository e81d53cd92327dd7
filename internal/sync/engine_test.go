package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatline/internal/bus"
	"github.com/chatline/internal/store"
	"github.com/chatline/internal/transport"
	"github.com/chatline/internal/wire"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func textUpdate(chatID string, id int64) store.Update {
	return store.Update{
		ChatID:    chatID,
		UpdateID:  id,
		Type:      store.UpdateText,
		SenderID:  "u1",
		CreatedAt: time.Unix(1700000000+id, 0).UTC(),
		Text:      &store.TextContent{Text: fmt.Sprintf("msg %d", id)},
	}
}

type rangeCall struct {
	chatID   string
	from, to int64
}

// fakeFetcher serves a scripted server-side update log.
type fakeFetcher struct {
	mu      sync.Mutex
	server  map[string][]store.Update
	chats   []store.Chat
	calls   []rangeCall
	failN   int           // fail this many FetchRange calls first
	release chan struct{} // when set, FetchRange blocks until closed
}

func (f *fakeFetcher) FetchRange(ctx context.Context, chatID string, from, to int64) ([]store.Update, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rangeCall{chatID, from, to})
	fail := f.failN > 0
	if fail {
		f.failN--
	}
	release := f.release
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("server unavailable")
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Update
	for _, u := range f.server[chatID] {
		if u.UpdateID >= from && u.UpdateID <= to {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeFetcher) ListChats(ctx context.Context) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats, nil
}

func (f *fakeFetcher) rangeCalls() []rangeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rangeCall(nil), f.calls...)
}

type fakeEpochs struct{ atomic.Int64 }

func (f *fakeEpochs) Epoch() int64 { return f.Load() }

func testEngine(t *testing.T, db *store.DB, f *fakeFetcher) (*Engine, *bus.Bus, *fakeEpochs) {
	t.Helper()
	b := bus.New()
	epochs := &fakeEpochs{}
	epochs.Store(1)
	e := NewEngine(db, b, f, epochs, Config{
		PageSize: 100,
		Backoff:  transport.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5},
	}, zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, b, epochs
}

func pushUpdate(b *bus.Bus, u store.Update) {
	b.Publish(bus.Event{Kind: "wire.event", Timestamp: time.Now(), Payload: wire.UpdateEvent{Update: u}})
}

func seed(t *testing.T, db *store.DB, chatID string, upTo int64) {
	t.Helper()
	for i := int64(1); i <= upTo; i++ {
		u := textUpdate(chatID, i)
		_, err := db.AppendUpdate(&u)
		require.NoError(t, err)
	}
}

func localHead(t *testing.T, db *store.DB, chatID string) int64 {
	t.Helper()
	head, _, err := db.LastUpdateID(chatID)
	require.NoError(t, err)
	return head
}

func TestInOrderPushApplied(t *testing.T) {
	db := testDB(t)
	f := &fakeFetcher{}
	_, b, _ := testEngine(t, db, f)

	applied, unsub := b.Subscribe("update.applied", 10)
	defer unsub()

	seed(t, db, "c1", 3)
	pushUpdate(b, textUpdate("c1", 4))

	select {
	case evt := <-applied:
		u := evt.Payload.(store.Update)
		assert.Equal(t, int64(4), u.UpdateID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update.applied")
	}
	assert.Equal(t, int64(4), localHead(t, db, "c1"))
	assert.Empty(t, f.rangeCalls())
}

func TestFirstPushForUnknownChatAppliesDirectly(t *testing.T) {
	db := testDB(t)
	f := &fakeFetcher{}
	_, b, _ := testEngine(t, db, f)

	applied, unsub := b.Subscribe("update.applied", 10)
	defer unsub()

	// No local history at all. The push is not a gap; older history comes
	// from reconciliation on connect, never from the push path.
	pushUpdate(b, textUpdate("cnew", 50))

	select {
	case evt := <-applied:
		u := evt.Payload.(store.Update)
		assert.Equal(t, int64(50), u.UpdateID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update.applied")
	}
	assert.Equal(t, int64(50), localHead(t, db, "cnew"))
	assert.Empty(t, f.rangeCalls())
}

func TestGapTriggersSingleBackfill(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 10)

	f := &fakeFetcher{server: map[string][]store.Update{}}
	for i := int64(11); i <= 14; i++ {
		f.server["c1"] = append(f.server["c1"], textUpdate("c1", i))
	}
	f.release = make(chan struct{})
	_, b, _ := testEngine(t, db, f)

	pushUpdate(b, textUpdate("c1", 15))

	require.Eventually(t, func() bool { return len(f.rangeCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// A second push lands while the backfill is still in flight. It must
	// queue behind the catch-up, not race it.
	pushUpdate(b, textUpdate("c1", 16))
	close(f.release)

	require.Eventually(t, func() bool { return localHead(t, db, "c1") == 16 }, 2*time.Second, 5*time.Millisecond)

	calls := f.rangeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, rangeCall{"c1", 11, 14}, calls[0])

	// The backfilled range landed in full.
	updates, err := db.RangeUpdates("c1", 11, 16)
	require.NoError(t, err)
	require.Len(t, updates, 6)
}

func TestDuplicatePushIsNoOp(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 3)

	f := &fakeFetcher{}
	_, b, _ := testEngine(t, db, f)

	dup := textUpdate("c1", 2)
	dup.Text.Text = "tampered replay"
	pushUpdate(b, dup)
	pushUpdate(b, textUpdate("c1", 4))

	require.Eventually(t, func() bool { return localHead(t, db, "c1") == 4 }, 2*time.Second, 5*time.Millisecond)

	p, err := db.GetProjection("c1", 2)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "msg 2", p.Text)
	assert.Empty(t, f.rangeCalls())
}

func TestStaleEpochResponseDiscarded(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 10)

	f := &fakeFetcher{server: map[string][]store.Update{}}
	for i := int64(11); i <= 14; i++ {
		f.server["c1"] = append(f.server["c1"], textUpdate("c1", i))
	}
	f.release = make(chan struct{})
	_, b, epochs := testEngine(t, db, f)

	pushUpdate(b, textUpdate("c1", 15))
	require.Eventually(t, func() bool { return len(f.rangeCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Connection dies while the fetch is in flight.
	epochs.Add(1)
	close(f.release)

	// Neither the fetched range nor the push may land.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(10), localHead(t, db, "c1"))
}

func TestRangeFetchRetriesWithBackoff(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 10)

	f := &fakeFetcher{
		server: map[string][]store.Update{"c1": {textUpdate("c1", 11)}},
		failN:  2,
	}
	_, b, _ := testEngine(t, db, f)

	pushUpdate(b, textUpdate("c1", 12))

	require.Eventually(t, func() bool { return localHead(t, db, "c1") == 12 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.rangeCalls(), 3)
}

func TestReconnectCatchesUpBehindChats(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 10)

	f := &fakeFetcher{
		server: map[string][]store.Update{},
		chats: []store.Chat{
			{ChatID: "c1", Type: store.ChatPersonal, Members: []string{"me", "u1"}, LastUpdateID: 14},
			{ChatID: "c2", Type: store.ChatGroup, Title: "ops", LastUpdateID: 0},
		},
	}
	for i := int64(11); i <= 14; i++ {
		f.server["c1"] = append(f.server["c1"], textUpdate("c1", i))
	}
	_, b, _ := testEngine(t, db, f)

	b.Publish(bus.Event{Kind: "conn.connected", Timestamp: time.Now(), Payload: int64(1)})

	require.Eventually(t, func() bool { return localHead(t, db, "c1") == 14 }, 2*time.Second, 5*time.Millisecond)

	calls := f.rangeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, rangeCall{"c1", 11, 14}, calls[0])

	// Chat metadata stored; the up-to-date chat triggered no fetch.
	c2, err := db.GetChat("c2")
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, "ops", c2.Title)
}

func TestCatchUpPaginates(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0)

	f := &fakeFetcher{
		server: map[string][]store.Update{},
		chats:  []store.Chat{{ChatID: "c1", Type: store.ChatPersonal, LastUpdateID: 5}},
	}
	for i := int64(1); i <= 5; i++ {
		f.server["c1"] = append(f.server["c1"], textUpdate("c1", i))
	}

	b := bus.New()
	epochs := &fakeEpochs{}
	epochs.Store(1)
	e := NewEngine(db, b, f, epochs, Config{
		PageSize: 2,
		Backoff:  transport.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
	}, zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	b.Publish(bus.Event{Kind: "conn.connected", Timestamp: time.Now(), Payload: int64(1)})

	require.Eventually(t, func() bool { return localHead(t, db, "c1") == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []rangeCall{{"c1", 1, 2}, {"c1", 3, 4}, {"c1", 5, 5}}, f.rangeCalls())
}

func TestMutationPushRepublished(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 2)

	f := &fakeFetcher{}
	_, b, _ := testEngine(t, db, f)

	mutated, unsub := b.Subscribe("update.mutated", 10)
	defer unsub()

	edit := store.Update{
		ChatID:    "c1",
		UpdateID:  3,
		Type:      store.UpdateEdited,
		SenderID:  "u1",
		CreatedAt: time.Unix(1700000100, 0).UTC(),
		Edit:      &store.EditContent{MessageID: 1, Text: "edited"},
	}
	pushUpdate(b, edit)

	select {
	case evt := <-mutated:
		u := evt.Payload.(store.Update)
		assert.Equal(t, int64(3), u.UpdateID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update.mutated")
	}

	p, err := db.GetProjection("c1", 1)
	require.NoError(t, err)
	assert.Equal(t, "edited", p.Text)
}

func TestChatLifecycleEvents(t *testing.T) {
	db := testDB(t)
	f := &fakeFetcher{}
	_, b, _ := testEngine(t, db, f)

	chatEvents, unsub := b.Subscribe("chat.", 16)
	defer unsub()

	waitKind := func(kind string) bus.Event {
		t.Helper()
		for {
			select {
			case evt := <-chatEvents:
				if evt.Kind == kind {
					return evt
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s", kind)
			}
		}
	}

	created := time.Unix(1700000000, 0).UTC()
	b.Publish(bus.Event{Kind: "wire.event", Payload: wire.ChatCreatedEvent{Chat: store.Chat{
		ChatID: "g1", Type: store.ChatGroup, Title: "team", CreatedAt: created, Members: []string{"me", "u1"},
	}}})
	waitKind("chat.created")

	b.Publish(bus.Event{Kind: "wire.event", Payload: wire.GroupInfoEvent{ChatID: "g1", Title: "team renamed"}})
	waitKind("chat.group_info")

	b.Publish(bus.Event{Kind: "wire.event", Payload: wire.GroupMembersEvent{ChatID: "g1", UserIDs: []string{"u2"}, Added: true}})
	waitKind("chat.members_changed")

	b.Publish(bus.Event{Kind: "wire.event", Payload: wire.ChatBlockedEvent{ChatID: "g1", Blocked: true}})
	waitKind("chat.blocked")

	c, err := db.GetChat("g1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "team renamed", c.Title)
	assert.ElementsMatch(t, []string{"me", "u1", "u2"}, c.Members)
	assert.True(t, c.Blocked)

	b.Publish(bus.Event{Kind: "wire.event", Payload: wire.ChatDeletedEvent{ChatID: "g1"}})
	waitKind("chat.deleted")

	require.Eventually(t, func() bool {
		c, err := db.GetChat("g1")
		return err == nil && c == nil
	}, 2*time.Second, 5*time.Millisecond)
}

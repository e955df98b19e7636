package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railguard/railguard/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_CreateAndGet(t *testing.T) {
	store := NewStore(Config{MessageCap: 4}, testLogger())

	sess := store.Create()
	require.NotEmpty(t, sess.ID())
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = store.Get("missing")
	assert.Error(t, err)
}

func TestStore_SessionCapEvictsOldest(t *testing.T) {
	store := NewStore(Config{MessageCap: 3}, testLogger())
	sess := store.Create()

	for i := 0; i < 5; i++ {
		sess.Append(domain.RoleUser, string(rune('a'+i)))
	}

	require.Equal(t, 3, sess.Len())
	snapshot := sess.Snapshot()
	assert.Equal(t, "c", snapshot[0].Text)
	assert.Equal(t, "e", snapshot[2].Text)

	// Ordinals stay monotonic across evictions.
	assert.Equal(t, 2, snapshot[0].Ordinal)
	assert.Equal(t, 4, snapshot[2].Ordinal)
}

func TestStore_DefaultCap(t *testing.T) {
	store := NewStore(Config{}, testLogger())
	sess := store.Create()

	for i := 0; i < domain.DefaultSessionCap+3; i++ {
		sess.Append(domain.RoleUser, "m")
	}
	assert.Equal(t, domain.DefaultSessionCap, sess.Len())
}

func TestStore_PruneDropsIdleSessions(t *testing.T) {
	store := NewStore(Config{IdleTimeout: time.Millisecond}, testLogger())
	stale := store.Create()
	require.Equal(t, 1, store.Len())

	time.Sleep(5 * time.Millisecond)
	fresh := store.Create()

	removed := store.Prune()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())

	_, err := store.Get(stale.ID())
	assert.Error(t, err)
	_, err = store.Get(fresh.ID())
	assert.NoError(t, err)
}

func TestSession_SnapshotIsACopy(t *testing.T) {
	sess := domain.NewSession("s", 4)
	sess.Append(domain.RoleUser, "hello")

	snapshot := sess.Snapshot()
	snapshot[0].Text = "mutated"

	assert.Equal(t, "hello", sess.Snapshot()[0].Text)
}

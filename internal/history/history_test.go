package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	started, err := db.Record(ctx, Event{
		Kind:           KindStarted,
		Node:           "alpha",
		PID:            4242,
		GPUIDs:         []int{0, 2},
		MemoryGBPerGPU: 20,
		At:             base,
	})
	require.NoError(t, err)
	require.NotEmpty(t, started.ID)

	_, err = db.Record(ctx, Event{Kind: KindCancelled, Node: "alpha", PID: 4242, Outcome: "killed", At: base.Add(time.Minute)})
	require.NoError(t, err)

	events, err := db.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, KindCancelled, events[0].Kind)
	require.Equal(t, "killed", events[0].Outcome)
	require.Nil(t, events[0].GPUIDs)

	require.Equal(t, KindStarted, events[1].Kind)
	require.Equal(t, []int{0, 2}, events[1].GPUIDs)
	require.Equal(t, 20.0, events[1].MemoryGBPerGPU)
	require.True(t, events[1].At.Equal(base))
}

func TestRecent_Limit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := db.Record(ctx, Event{Kind: KindStarted, Node: "alpha", PID: i})
		require.NoError(t, err)
	}

	events, err := db.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestForNode_CaseInsensitive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, n := range []string{"alpha", "beta", "Alpha"} {
		_, err := db.Record(ctx, Event{Kind: KindStarted, Node: n})
		require.NoError(t, err)
	}

	events, err := db.ForNode(ctx, "ALPHA", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.Record(context.Background(), Event{Kind: KindOwnerKill, Node: "gamma", Detail: "user=bob"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	events, err := db.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "user=bob", events[0].Detail)
}

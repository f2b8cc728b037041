package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebaser/apperror"
	"rebaser/cas"
	"rebaser/graph"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := OpenDir(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Join(dir, "rebaser.db"))
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rebaser.db"), db.Path())
}

func TestBlobs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	data := []byte(`{"version":1,"nodes":["a","b","c"]}`)
	addr, err := db.PutBlob(ctx, BlobSnapshot, data)
	require.NoError(t, err)
	assert.Equal(t, cas.Sum(data), addr)

	again, err := db.PutBlob(ctx, BlobSnapshot, data)
	require.NoError(t, err)
	assert.Equal(t, addr, again, "writes are idempotent")

	got, err := db.GetBlob(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := db.HasBlob(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = db.GetBlob(ctx, cas.Sum([]byte("missing")))
	assert.ErrorIs(t, err, ErrBlobNotFound)
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestBlobs_CorruptionDetected(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	addr, err := db.PutBlob(ctx, BlobUpdates, []byte("original"))
	require.NoError(t, err)
	_, err = db.conn.Exec(`UPDATE blobs SET data = ? WHERE address = ?`, db.enc.EncodeAll([]byte("tampered"), nil), addr)
	require.NoError(t, err)

	_, err = db.GetBlob(ctx, addr)
	assert.True(t, apperror.IsKind(err, apperror.KindInvariantViolation))
}

func TestWorkspaceAndChangeSets(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	snap, err := db.PutBlob(ctx, BlobSnapshot, []byte("snapshot-0"))
	require.NoError(t, err)

	ws, head, err := db.CreateWorkspace(ctx, "prod", snap)
	require.NoError(t, err)
	assert.Equal(t, ws.DefaultChangeSetID, head.ID)
	assert.Equal(t, HeadName, head.Name)

	gotWS, err := db.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws, gotWS)

	cs, err := db.CreateChangeSet(ctx, ws.ID, "add-db", graph.ID{})
	require.NoError(t, err)
	assert.Equal(t, snap, cs.Snapshot)
	assert.Equal(t, head.ID, cs.BaseChangeSetID)
	assert.True(t, cs.IsOpen())

	open, err := db.ListOpenChangeSets(ctx, ws.ID)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, db.SetChangeSetStatus(ctx, cs.ID, StatusAbandoned))
	got, err := db.GetChangeSet(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, got.Status)

	err = db.SetChangeSetStatus(ctx, cs.ID, StatusApplied)
	assert.True(t, apperror.IsKind(err, apperror.KindAbandoned))

	err = db.SetChangeSetStatus(ctx, head.ID, StatusAbandoned)
	assert.True(t, apperror.IsKind(err, apperror.KindInvariantViolation), "the head stays open")

	open, err = db.ListOpenChangeSets(ctx, ws.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	_, err = db.GetChangeSet(ctx, graph.NewID())
	assert.ErrorIs(t, err, ErrChangeSetNotFound)
	_, err = db.CreateChangeSet(ctx, graph.NewID(), "orphan", graph.ID{})
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestUpdatePointer(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	s0, _ := db.PutBlob(ctx, BlobSnapshot, []byte("s0"))
	s1, _ := db.PutBlob(ctx, BlobSnapshot, []byte("s1"))
	s2, _ := db.PutBlob(ctx, BlobSnapshot, []byte("s2"))
	_, head, err := db.CreateWorkspace(ctx, "ws", s0)
	require.NoError(t, err)

	require.NoError(t, db.UpdatePointer(ctx, head.ID, s0, s1, "req-1"))
	err = db.UpdatePointer(ctx, head.ID, s0, s2, "req-2")
	assert.ErrorIs(t, err, ErrPointerMismatch)
	assert.True(t, apperror.IsRetryable(err))
	require.NoError(t, db.UpdatePointer(ctx, head.ID, s1, s2, "req-3"))

	got, err := db.GetChangeSet(ctx, head.ID)
	require.NoError(t, err)
	assert.Equal(t, s2, got.Snapshot)

	history, err := db.PointerHistory(ctx, head.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].Old.IsZero())
	assert.True(t, history[0].Parent.IsZero())
	assert.Equal(t, s0, history[0].New)
	assert.Equal(t, "req-1", history[1].RequestID)
	assert.Equal(t, history[0].ID, history[1].Parent, "entries are chained")
	assert.Equal(t, history[1].ID, history[2].Parent)
	assert.Equal(t, s1, history[2].Old)

	tail, err := db.PointerHistory(ctx, head.ID, history[1].Seq, 10)
	require.NoError(t, err)
	assert.Len(t, tail, 1)
}

func TestEvictSnapshot(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := int64(1_000_000)
	db.now = func() int64 { return clock }

	s0, _ := db.PutBlob(ctx, BlobSnapshot, []byte("s0"))
	s1, _ := db.PutBlob(ctx, BlobSnapshot, []byte("s1"))
	batch, _ := db.PutBlob(ctx, BlobChangeBatch, []byte("batch"))
	_, head, err := db.CreateWorkspace(ctx, "ws", s0)
	require.NoError(t, err)
	require.NoError(t, db.UpdatePointer(ctx, head.ID, s0, s1, ""))

	evicted, err := db.EvictSnapshot(ctx, s0, time.Minute)
	require.NoError(t, err)
	assert.False(t, evicted, "inside the grace period")

	clock += time.Hour.Milliseconds()
	evicted, err = db.EvictSnapshot(ctx, s1, time.Minute)
	require.NoError(t, err)
	assert.False(t, evicted, "still referenced")

	evicted, err = db.EvictSnapshot(ctx, batch, time.Minute)
	require.NoError(t, err)
	assert.False(t, evicted, "only snapshots are evicted")

	evicted, err = db.EvictSnapshot(ctx, s0, time.Minute)
	require.NoError(t, err)
	assert.True(t, evicted)

	ok, _ := db.HasBlob(ctx, s0)
	assert.False(t, ok)
}

func TestPutBlob_RewriteRestartsGrace(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := int64(1_000_000)
	db.now = func() int64 { return clock }

	old, err := db.PutBlob(ctx, BlobSnapshot, []byte("s0"))
	require.NoError(t, err)

	// The same graph is produced again long after it was last referenced.
	clock += time.Hour.Milliseconds()
	again, err := db.PutBlob(ctx, BlobSnapshot, []byte("s0"))
	require.NoError(t, err)
	require.Equal(t, old, again)

	evicted, err := db.EvictSnapshot(ctx, again, time.Minute)
	require.NoError(t, err)
	assert.False(t, evicted, "the rewrite is inside the grace period")
	n, err := db.CollectSnapshots(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := db.GetBlob(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, []byte("s0"), got)
}

func TestCollectSnapshots(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	live, _ := db.PutBlob(ctx, BlobSnapshot, []byte("live"))
	_, _ = db.PutBlob(ctx, BlobSnapshot, []byte("dead-1"))
	_, _ = db.PutBlob(ctx, BlobSnapshot, []byte("dead-2"))
	_, _, err := db.CreateWorkspace(ctx, "ws", live)
	require.NoError(t, err)

	n, err := db.CollectSnapshots(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	ok, _ := db.HasBlob(ctx, live)
	assert.True(t, ok)
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	a := Key{WorkspaceID: graph.NewID(), ChangeSetID: graph.NewID()}
	b := Key{WorkspaceID: a.WorkspaceID, ChangeSetID: graph.NewID()}

	s1, err := db.Enqueue(ctx, "r1", a, []byte("one"))
	require.NoError(t, err)
	_, err = db.Enqueue(ctx, "r2", b, []byte("two"))
	require.NoError(t, err)
	_, err = db.Enqueue(ctx, "r3", a, []byte("three"))
	require.NoError(t, err)

	dup, err := db.Enqueue(ctx, "r1", a, []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, s1, dup, "redelivered ids are not queued twice")

	depth, err := db.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	keys, err := db.PendingKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Key{a, b}, keys)

	next, err := db.NextRequest(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "r1", next.ID)
	assert.Equal(t, a, next.Key)

	attempts, err := db.RecordAttempt(ctx, next.Seq, "store unavailable")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	retry, err := db.NextRequest(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, next.Seq, retry.Seq, "a failed request stays at the front")
	assert.Equal(t, "store unavailable", retry.LastError)

	require.NoError(t, db.Ack(ctx, retry.Seq))
	next, err = db.NextRequest(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "r3", next.ID)

	require.NoError(t, db.DeadLetter(ctx, next, "unknown version"))
	next, err = db.NextRequest(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, next)

	dead, err := db.DeadLetters(ctx, a, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "r3", dead[0].ID)
	assert.Equal(t, "unknown version", dead[0].Reason)
	assert.Equal(t, []byte("three"), dead[0].Body)

	keys, err = db.PendingKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Key{b}, keys)
}

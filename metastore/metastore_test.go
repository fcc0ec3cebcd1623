package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menmos/menmos/common/kvstore"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

func openKV(t *testing.T, path string) kvstore.Store {
	t.Helper()
	kv, err := kvstore.NewKVStore(context.TODO(), path, kvstore.BoltKVType, &kvstore.Option{NoSync: true})
	require.NoError(t, err)
	return kv
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv := openKV(t, filepath.Join(t.TempDir(), "blobs.db"))
	t.Cleanup(kv.Close)
	s, err := New(context.TODO(), kv)
	require.NoError(t, err)
	return s
}

func record(owner string, size uint64, tags ...string) *BlobRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &BlobRecord{
		Info: proto.BlobInfo{
			Meta: proto.BlobMeta{
				Name:       "blob",
				Size:       size,
				BlobType:   proto.BlobTypeFile,
				Tags:       tags,
				CreatedAt:  now,
				ModifiedAt: now,
			},
			Owner: owner,
		},
		State:   BlobStateCommitted,
		StateAt: now,
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	rec := record("alice", 42, "photo")
	_, err := s.AllocateRow(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, s.PutMeta(ctx, "b1", rec, "n1"))

	got, err := s.GetMeta(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	node, err := s.GetNode(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "n1", node)

	_, err = s.GetMeta(ctx, "missing")
	require.ErrorIs(t, err, errors.ErrBlobNotFound)
}

func TestStore_RowReuseAfterDelete(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	row1, err := s.AllocateRow(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, s.PutMeta(ctx, "b1", record("alice", 1), "n1"))

	// Allocating again for the same id is idempotent.
	again, err := s.AllocateRow(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, row1, again)

	node, err := s.Delete(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "n1", node)

	row2, err := s.AllocateRow(ctx, "b2")
	require.NoError(t, err)
	require.Equal(t, row1, row2)
}

func TestStore_ListByNode(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.AllocateRow(ctx, id)
		require.NoError(t, err)
		node := "n1"
		if i == 2 {
			node = "n2"
		}
		require.NoError(t, s.PutMeta(ctx, id, record("alice", uint64(i+1)), node))
	}

	got := map[string]uint64{}
	require.NoError(t, s.ListByNode(ctx, "n1", func(id string, size uint64) error {
		got[id] = size
		return nil
	}))
	require.Equal(t, map[string]uint64{"a": 1, "b": 2}, got)
}

func TestStore_Reassign(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	_, err := s.AllocateRow(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, s.PutMeta(ctx, "b1", record("alice", 7), "n1"))
	require.NoError(t, s.Reassign(ctx, "b1", "n2"))

	node, err := s.GetNode(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "n2", node)

	count := 0
	require.NoError(t, s.ListByNode(ctx, "n1", func(string, uint64) error {
		count++
		return nil
	}))
	require.Zero(t, count)

	require.NoError(t, s.ListByNode(ctx, "n2", func(id string, size uint64) error {
		require.Equal(t, "b1", id)
		require.Equal(t, uint64(7), size)
		return nil
	}))
}

func TestStore_RestartRebuildsRows(t *testing.T) {
	ctx := context.TODO()
	path := filepath.Join(t.TempDir(), "blobs.db")

	kv := openKV(t, path)
	s, err := New(ctx, kv)
	require.NoError(t, err)

	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := s.AllocateRow(ctx, id)
		require.NoError(t, err)
		require.NoError(t, s.PutMeta(ctx, id, record("alice", 1), "n1"))
	}
	_, err = s.Delete(ctx, "b2")
	require.NoError(t, err)

	// A row allocated without a blob record simulates a crashed create.
	_, err = s.AllocateRow(ctx, "ghost")
	require.NoError(t, err)
	kv.Close()

	kv = openKV(t, path)
	defer kv.Close()
	s, err = New(ctx, kv)
	require.NoError(t, err)

	row1, ok := s.RowOf("b1")
	require.True(t, ok)
	id, ok := s.RowToBlob(row1)
	require.True(t, ok)
	require.Equal(t, "b1", id)

	_, ok = s.RowOf("ghost")
	require.False(t, ok)

	// The freed and reclaimed rows are reused before the high water mark
	// grows.
	rowNew, err := s.AllocateRow(ctx, "b4")
	require.NoError(t, err)
	require.Less(t, rowNew, uint32(3))
}

func TestStore_Users(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	ok, err := s.HasUser(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutUser(ctx, proto.UserRecord{Username: "alice", PasswordHash: "h", IsAdmin: true}))
	rec, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, rec.IsAdmin)

	_, err = s.GetUser(ctx, "bob")
	require.ErrorIs(t, err, errors.ErrUserNotFound)
}

func TestStore_PendingDeletes(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	require.NoError(t, s.EnqueueDelete(ctx, "b1", "n1"))
	require.NoError(t, s.EnqueueDelete(ctx, "b2", "n2"))

	var got []PendingDelete
	require.NoError(t, s.ScanPendingDeletes(ctx, func(pd PendingDelete) error {
		got = append(got, pd)
		return nil
	}))
	require.Len(t, got, 2)

	require.NoError(t, s.DequeueDelete(ctx, "b1"))
	got = got[:0]
	require.NoError(t, s.ScanPendingDeletes(ctx, func(pd PendingDelete) error {
		got = append(got, pd)
		return nil
	}))
	require.Equal(t, []PendingDelete{{BlobID: "b2", NodeID: "n2"}}, got)
}

package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menmos/menmos/auth"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/index"
	"github.com/menmos/menmos/metastore"
	"github.com/menmos/menmos/proto"
	"github.com/menmos/menmos/router"
	"github.com/menmos/menmos/store"
)

const testKey = "0123456789abcdef0123456789abcdef"

var (
	alice = auth.Principal{Username: "alice"}
	bob   = auth.Principal{Username: "bob"}
	admin = auth.Principal{Username: "root", IsAdmin: true}
)

// stubNodes records payload orders instead of calling real storage
// nodes.
type stubNodes struct {
	mu           sync.Mutex
	deleted      []string
	transferred  []string
	failDelete   bool
	failTransfer bool
}

func (s *stubNodes) DeleteBlob(ctx context.Context, node *proto.Node, blobID, grant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete {
		return errors.ErrUpstreamUnavailable
	}
	s.deleted = append(s.deleted, blobID)
	return nil
}

func (s *stubNodes) TransferBlob(ctx context.Context, src *proto.Node, blobID string, dst *proto.Node, grant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTransfer {
		return errors.ErrUpstreamUnavailable
	}
	s.transferred = append(s.transferred, blobID)
	return nil
}

type testEnv struct {
	dir   *Directory
	nodes *stubNodes
	meta  *metastore.Store
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	ctx := context.TODO()

	st, err := store.NewStore(ctx, &store.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	meta, err := metastore.New(ctx, st.BlobStore())
	require.NoError(t, err)

	authSvc, err := auth.NewService(&auth.Config{EncryptionKey: testKey}, meta)
	require.NoError(t, err)
	require.NoError(t, authSvc.Register(ctx, "alice", "pw", false))
	require.NoError(t, authSvc.Register(ctx, "bob", "pw", false))
	require.NoError(t, authSvc.Register(ctx, "root", "pw", true))

	rt, err := router.NewRouter(ctx, &router.Config{}, st.NodeStore())
	require.NoError(t, err)

	nodes := &stubNodes{}
	if cfg == nil {
		cfg = &Config{}
	}
	d, err := New(ctx, cfg, Deps{
		Store:  st,
		Meta:   meta,
		Index:  index.New(),
		Router: rt,
		Auth:   authSvc,
		Nodes:  nodes,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return &testEnv{dir: d, nodes: nodes, meta: meta}
}

func (e *testEnv) registerNode(t *testing.T, id string, available uint64) {
	t.Helper()
	_, err := e.dir.RegisterNode(context.TODO(), admin, &proto.RegisterNodeArgs{
		ID:             id,
		Address:        "http://" + id + ":9000",
		AvailableBytes: available,
	})
	require.NoError(t, err)
}

func (e *testEnv) create(t *testing.T, p auth.Principal, meta proto.BlobMetaRequest, size uint64) string {
	t.Helper()
	resp, err := e.dir.CreateBlob(context.TODO(), p, &proto.CreateBlobArgs{Meta: meta, SizeHint: size})
	require.NoError(t, err)
	require.NotEmpty(t, resp.WriteGrant)
	require.Contains(t, resp.RedirectURL, resp.ID)
	return resp.ID
}

func (e *testEnv) query(t *testing.T, p auth.Principal, expr string) *proto.QueryResponse {
	t.Helper()
	resp, err := e.dir.Query(context.TODO(), p, &proto.QueryRequest{Expression: expr, Size: 100})
	require.NoError(t, err)
	return resp
}

func fileMeta(name string, tags ...string) proto.BlobMetaRequest {
	return proto.BlobMetaRequest{Name: name, BlobType: proto.BlobTypeFile, Tags: tags}
}

func TestDirectory_CreateAndQueryByTag(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	id := env.create(t, alice, fileMeta("pic.jpg", "photo"), 10)

	resp := env.query(t, alice, "photo")
	require.EqualValues(t, 1, resp.Total)
	require.Equal(t, id, resp.Hits[0].ID)
	require.Equal(t, "alice", resp.Hits[0].Owner)
}

func TestDirectory_UpdateReindexes(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	id := env.create(t, alice, fileMeta("pic.jpg", "photo"), 10)
	require.NoError(t, env.dir.UpdateMeta(ctx, alice, &proto.UpdateMetaArgs{
		ID:   id,
		Meta: fileMeta("pic.jpg", "photo", "family"),
	}))

	resp := env.query(t, alice, "family && photo")
	require.EqualValues(t, 1, resp.Total)
	require.Equal(t, id, resp.Hits[0].ID)

	resp = env.query(t, alice, "family && !photo")
	require.EqualValues(t, 0, resp.Total)
}

func TestDirectory_ParentAncestor(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	d1 := env.create(t, alice, proto.BlobMetaRequest{Name: "d1", BlobType: proto.BlobTypeDirectory}, 0)
	f1 := env.create(t, alice, proto.BlobMetaRequest{Name: "f1", BlobType: proto.BlobTypeFile, ParentID: d1}, 1)
	f2 := env.create(t, alice, proto.BlobMetaRequest{Name: "f2", BlobType: proto.BlobTypeFile, ParentID: f1}, 1)

	resp := env.query(t, alice, "@ancestor("+d1+")")
	require.EqualValues(t, 2, resp.Total)
	ids := []string{resp.Hits[0].ID, resp.Hits[1].ID}
	require.ElementsMatch(t, []string{f1, f2}, ids)

	resp = env.query(t, alice, "@parent("+d1+")")
	require.EqualValues(t, 1, resp.Total)
	require.Equal(t, f1, resp.Hits[0].ID)

	// A parent pointer into another user's tree is rejected.
	_, err := env.dir.CreateBlob(ctx, bob, &proto.CreateBlobArgs{
		Meta: proto.BlobMetaRequest{Name: "sneak", BlobType: proto.BlobTypeFile, ParentID: d1},
	})
	require.ErrorIs(t, err, errors.ErrParentOwner)

	// Missing parents are conflicts.
	_, err = env.dir.CreateBlob(ctx, alice, &proto.CreateBlobArgs{
		Meta: proto.BlobMetaRequest{Name: "lost", BlobType: proto.BlobTypeFile, ParentID: "nope"},
	})
	require.ErrorIs(t, err, errors.ErrParentMissing)
}

func TestDirectory_ParentCycleRejected(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	d1 := env.create(t, alice, proto.BlobMetaRequest{Name: "d1", BlobType: proto.BlobTypeDirectory}, 0)
	d2 := env.create(t, alice, proto.BlobMetaRequest{Name: "d2", BlobType: proto.BlobTypeDirectory, ParentID: d1}, 0)

	err := env.dir.UpdateMeta(ctx, alice, &proto.UpdateMetaArgs{
		ID:   d1,
		Meta: proto.BlobMetaRequest{Name: "d1", BlobType: proto.BlobTypeDirectory, ParentID: d2},
	})
	require.ErrorIs(t, err, errors.ErrParentCycle)

	err = env.dir.UpdateMeta(ctx, alice, &proto.UpdateMetaArgs{
		ID:   d1,
		Meta: proto.BlobMetaRequest{Name: "d1", BlobType: proto.BlobTypeDirectory, ParentID: d1},
	})
	require.ErrorIs(t, err, errors.ErrParentCycle)
}

func TestDirectory_ParentChangeCascades(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	d1 := env.create(t, alice, proto.BlobMetaRequest{Name: "d1", BlobType: proto.BlobTypeDirectory}, 0)
	d2 := env.create(t, alice, proto.BlobMetaRequest{Name: "d2", BlobType: proto.BlobTypeDirectory}, 0)
	sub := env.create(t, alice, proto.BlobMetaRequest{Name: "sub", BlobType: proto.BlobTypeDirectory, ParentID: d1}, 0)
	leaf := env.create(t, alice, proto.BlobMetaRequest{Name: "leaf", BlobType: proto.BlobTypeFile, ParentID: sub}, 1)

	// Reparent sub from d1 to d2; leaf's ancestors must follow.
	require.NoError(t, env.dir.UpdateMeta(ctx, alice, &proto.UpdateMetaArgs{
		ID:   sub,
		Meta: proto.BlobMetaRequest{Name: "sub", BlobType: proto.BlobTypeDirectory, ParentID: d2},
	}))

	resp := env.query(t, alice, "@ancestor("+d1+")")
	require.EqualValues(t, 0, resp.Total)

	resp = env.query(t, alice, "@ancestor("+d2+")")
	require.EqualValues(t, 2, resp.Total)
	require.ElementsMatch(t, []string{sub, leaf},
		[]string{resp.Hits[0].ID, resp.Hits[1].ID})
}

func TestDirectory_NumericRange(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	byKb := map[int64]string{}
	for _, kb := range []int64{10, 20, 30, 40} {
		meta := fileMeta("f", "sized")
		meta.Fields = map[string]proto.FieldValue{"size_kb": proto.NumericValue(kb)}
		byKb[kb] = env.create(t, alice, meta, 1)
	}

	resp := env.query(t, alice, "size_kb >= 20 && size_kb < 40")
	require.EqualValues(t, 2, resp.Total)
	require.ElementsMatch(t, []string{byKb[20], byKb[30]},
		[]string{resp.Hits[0].ID, resp.Hits[1].ID})
}

func TestDirectory_RouterLocality(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 500<<20)
	env.registerNode(t, "n2", 800<<20)

	first := env.create(t, alice, fileMeta("seed", "seed"), 1<<20)
	node, err := env.meta.GetNode(context.TODO(), first)
	require.NoError(t, err)

	if node == "n2" {
		// Seed landed on the bigger node; locality keeps alice there.
		next := env.create(t, alice, fileMeta("big", "big"), 100<<20)
		nextNode, err := env.meta.GetNode(context.TODO(), next)
		require.NoError(t, err)
		require.Equal(t, "n2", nextNode)
		return
	}
	next := env.create(t, alice, fileMeta("big", "big"), 100<<20)
	nextNode, err := env.meta.GetNode(context.TODO(), next)
	require.NoError(t, err)
	require.Equal(t, "n1", nextNode)
}

func TestDirectory_QueryScopedToOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	a := env.create(t, alice, fileMeta("a", "shared"), 1)
	b := env.create(t, bob, fileMeta("b", "shared"), 1)

	resp := env.query(t, alice, "shared")
	require.EqualValues(t, 1, resp.Total)
	require.Equal(t, a, resp.Hits[0].ID)

	resp = env.query(t, admin, "shared")
	require.EqualValues(t, 2, resp.Total)

	// Cross-user reads are forbidden.
	_, err := env.dir.ReadBlob(context.TODO(), alice, b)
	require.ErrorIs(t, err, errors.ErrForbidden)
	_, err = env.dir.ReadBlob(context.TODO(), admin, b)
	require.NoError(t, err)
}

func TestDirectory_PaginationPartition(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	want := map[string]bool{}
	for i := 0; i < 10; i++ {
		want[env.create(t, alice, fileMeta("f", "page"), 1)] = true
	}

	got := map[string]bool{}
	for from := uint64(0); from < 10; from += 3 {
		resp, err := env.dir.Query(ctx, alice, &proto.QueryRequest{
			Expression: "page", From: from, Size: 3,
		})
		require.NoError(t, err)
		for _, hit := range resp.Hits {
			require.False(t, got[hit.ID], "hit %s repeated across pages", hit.ID)
			got[hit.ID] = true
		}
	}
	require.Equal(t, want, got)

	// size=0 returns the total with no hits.
	resp, err := env.dir.Query(ctx, alice, &proto.QueryRequest{Expression: "", Size: 0})
	require.NoError(t, err)
	require.EqualValues(t, 10, resp.Total)
	require.Empty(t, resp.Hits)
}

func TestDirectory_FacetCounts(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	for i := 0; i < 3; i++ {
		meta := fileMeta("f", "photo")
		meta.Fields = map[string]proto.FieldValue{"extension": proto.StringValue("jpg")}
		env.create(t, alice, meta, 1)
	}
	meta := fileMeta("f", "photo", "family")
	meta.Fields = map[string]proto.FieldValue{"extension": proto.StringValue("png")}
	env.create(t, alice, meta, 1)

	resp, err := env.dir.Query(ctx, alice, &proto.QueryRequest{
		Expression: "photo",
		Size:       10,
		Facets:     []string{"tag", "extension"},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), resp.Facets["tag"]["photo"])
	require.Equal(t, uint64(1), resp.Facets["tag"]["family"])
	require.Equal(t, uint64(3), resp.Facets["extension"]["jpg"])
	require.Equal(t, uint64(1), resp.Facets["extension"]["png"])
}

func TestDirectory_DeleteQueuesRetryOnNodeFailure(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	id := env.create(t, alice, fileMeta("f", "doomed"), 1)

	env.nodes.failDelete = true
	require.NoError(t, env.dir.DeleteBlob(ctx, alice, id))

	// Metadata and index are already gone.
	resp := env.query(t, alice, "doomed")
	require.EqualValues(t, 0, resp.Total)

	var queued []metastore.PendingDelete
	require.NoError(t, env.meta.ScanPendingDeletes(ctx, func(pd metastore.PendingDelete) error {
		queued = append(queued, pd)
		return nil
	}))
	require.Len(t, queued, 1)
	require.Equal(t, id, queued[0].BlobID)

	// Once the node is reachable again the retry drains the queue.
	env.nodes.failDelete = false
	env.dir.retryPendingDeletes(ctx)

	queued = queued[:0]
	require.NoError(t, env.meta.ScanPendingDeletes(ctx, func(pd metastore.PendingDelete) error {
		queued = append(queued, pd)
		return nil
	}))
	require.Empty(t, queued)
	require.Contains(t, env.nodes.deleted, id)
}

func TestDirectory_DeleteWithChildrenRejected(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	d1 := env.create(t, alice, proto.BlobMetaRequest{Name: "d1", BlobType: proto.BlobTypeDirectory}, 0)
	env.create(t, alice, proto.BlobMetaRequest{Name: "f1", BlobType: proto.BlobTypeFile, ParentID: d1}, 1)

	require.ErrorIs(t, env.dir.DeleteBlob(ctx, alice, d1), errors.ErrHasChildren)
}

func TestDirectory_MoveBlob(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)
	env.registerNode(t, "n2", 1<<30)

	id := env.create(t, alice, fileMeta("f", "movable"), 1<<20)
	src, err := env.meta.GetNode(ctx, id)
	require.NoError(t, err)
	dst := "n2"
	if src == "n2" {
		dst = "n1"
	}

	// Moves are admin-only.
	err = env.dir.MoveBlob(ctx, alice, &proto.MoveBlobArgs{ID: id, Destination: dst})
	require.ErrorIs(t, err, errors.ErrForbidden)

	require.NoError(t, env.dir.MoveBlob(ctx, admin, &proto.MoveBlobArgs{ID: id, Destination: dst}))
	require.Contains(t, env.nodes.transferred, id)

	node, err := env.meta.GetNode(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dst, node)

	// A failed transfer leaves metadata untouched.
	env.nodes.failTransfer = true
	err = env.dir.MoveBlob(ctx, admin, &proto.MoveBlobArgs{ID: id, Destination: src})
	require.ErrorIs(t, err, errors.ErrUpstreamUnavailable)
	node, err = env.meta.GetNode(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dst, node)
}

func TestDirectory_OrphanSweep(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, &Config{OrphanTimeoutS: 1})
	env.registerNode(t, "n1", 1<<30)

	committed := env.create(t, alice, fileMeta("kept", "kept"), 1)
	require.NoError(t, env.dir.CommitBlob(ctx, auth.Principal{IsNode: true, NodeID: "n1"}, &proto.CommitBlobArgs{
		ID:   committed,
		Size: 1,
	}))
	orphan := env.create(t, alice, fileMeta("ghost", "ghost"), 1)

	require.EqualValues(t, 2, env.query(t, alice, "").Total)

	time.Sleep(1200 * time.Millisecond)
	env.dir.sweepOrphans(ctx)

	resp := env.query(t, alice, "")
	require.EqualValues(t, 1, resp.Total)
	require.Equal(t, committed, resp.Hits[0].ID)

	resp = env.query(t, alice, "ghost")
	require.EqualValues(t, 0, resp.Total)
	_, err := env.meta.GetMeta(ctx, orphan)
	require.ErrorIs(t, err, errors.ErrBlobNotFound)
}

func TestDirectory_CommitRequiresHomeNode(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, nil)
	env.registerNode(t, "n1", 1<<30)

	id := env.create(t, alice, fileMeta("f", "x"), 1)

	err := env.dir.CommitBlob(ctx, auth.Principal{IsNode: true, NodeID: "other"}, &proto.CommitBlobArgs{ID: id, Size: 1})
	require.ErrorIs(t, err, errors.ErrForbidden)
	err = env.dir.CommitBlob(ctx, alice, &proto.CommitBlobArgs{ID: id, Size: 1})
	require.ErrorIs(t, err, errors.ErrForbidden)

	require.NoError(t, env.dir.CommitBlob(ctx, auth.Principal{IsNode: true, NodeID: "n1"}, &proto.CommitBlobArgs{ID: id, Size: 5}))
	rec, err := env.meta.GetMeta(ctx, id)
	require.NoError(t, err)
	require.Equal(t, metastore.BlobStateCommitted, rec.State)
	require.EqualValues(t, 5, rec.Info.Meta.Size)
}

func TestDirectory_RestartRebuildsIndex(t *testing.T) {
	ctx := context.TODO()
	dir := t.TempDir()

	st, err := store.NewStore(ctx, &store.Config{Path: dir})
	require.NoError(t, err)
	meta, err := metastore.New(ctx, st.BlobStore())
	require.NoError(t, err)
	authSvc, err := auth.NewService(&auth.Config{EncryptionKey: testKey}, meta)
	require.NoError(t, err)
	require.NoError(t, authSvc.Register(ctx, "alice", "pw", false))
	rt, err := router.NewRouter(ctx, &router.Config{}, st.NodeStore())
	require.NoError(t, err)

	d, err := New(ctx, &Config{}, Deps{
		Store: st, Meta: meta, Index: index.New(), Router: rt, Auth: authSvc, Nodes: &stubNodes{},
	})
	require.NoError(t, err)
	_, err = d.RegisterNode(ctx, admin, &proto.RegisterNodeArgs{ID: "n1", Address: "http://n1:9000", AvailableBytes: 1 << 30})
	require.NoError(t, err)

	resp, err := d.CreateBlob(ctx, alice, &proto.CreateBlobArgs{Meta: fileMeta("f", "persist"), SizeHint: 1})
	require.NoError(t, err)
	id := resp.ID

	d.Close()
	st.Close()

	// Reopen everything from disk.
	st, err = store.NewStore(ctx, &store.Config{Path: dir})
	require.NoError(t, err)
	defer st.Close()
	meta, err = metastore.New(ctx, st.BlobStore())
	require.NoError(t, err)
	authSvc, err = auth.NewService(&auth.Config{EncryptionKey: testKey}, meta)
	require.NoError(t, err)
	rt, err = router.NewRouter(ctx, &router.Config{}, st.NodeStore())
	require.NoError(t, err)

	d, err = New(ctx, &Config{}, Deps{
		Store: st, Meta: meta, Index: index.New(), Router: rt, Auth: authSvc, Nodes: &stubNodes{},
	})
	require.NoError(t, err)
	defer d.Close()

	qresp, err := d.Query(ctx, alice, &proto.QueryRequest{Expression: "persist", Size: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, qresp.Total)
	require.Equal(t, id, qresp.Hits[0].ID)
}

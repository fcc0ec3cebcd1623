package directory

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/menmos/menmos/auth"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/metastore"
	"github.com/menmos/menmos/proto"
	"github.com/menmos/menmos/query"
)

// CreateBlob allocates a row, stores a pending entry, picks a home node
// and mints the write grant the client uses to upload directly.
func (d *Directory) CreateBlob(ctx context.Context, p auth.Principal, args *proto.CreateBlobArgs) (*proto.CreateBlobResponse, error) {
	if p.IsNode {
		return nil, errors.ErrForbidden
	}
	if !args.Meta.BlobType.Valid() {
		return nil, errors.Newf(errors.KindBadRequest, "invalid blob type %q", args.Meta.BlobType)
	}

	id := uuid.NewString()
	d.locks.Lock(id)
	defer d.locks.Unlock(id)

	ancestors, err := d.ancestorsForChild(ctx, id, args.Meta.ParentID, p.Username)
	if err != nil {
		return nil, err
	}

	node, err := d.router.PickNode(ctx, args.SizeHint, p.Username)
	if err != nil {
		return nil, err
	}

	row, err := d.meta.AllocateRow(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &metastore.BlobRecord{
		Info: proto.BlobInfo{
			Meta:  args.Meta.IntoMeta(args.SizeHint, now, now),
			Owner: p.Username,
		},
		State:   metastore.BlobStatePending,
		StateAt: now,
	}
	if err := d.meta.PutMeta(ctx, id, rec, node.ID); err != nil {
		return nil, err
	}
	d.idx.Index(row, documentOf(rec, ancestors))
	d.router.OnWrite(node.ID, p.Username, args.SizeHint)
	d.publishIndexSize()

	grant, err := d.auth.IssueGrant(ctx, id, auth.GrantWrite, 0)
	if err != nil {
		return nil, err
	}
	return &proto.CreateBlobResponse{
		ID:          id,
		RedirectURL: blobURL(node, id, grant),
		WriteGrant:  grant,
	}, nil
}

// CommitBlob is called by the home storage node once the payload upload
// completed, flipping the entry from pending to committed.
func (d *Directory) CommitBlob(ctx context.Context, p auth.Principal, args *proto.CommitBlobArgs) error {
	if !p.IsNode {
		return errors.ErrForbidden
	}

	d.locks.Lock(args.ID)
	defer d.locks.Unlock(args.ID)

	rec, err := d.meta.GetMeta(ctx, args.ID)
	if err != nil {
		return err
	}
	nodeID, err := d.meta.GetNode(ctx, args.ID)
	if err != nil {
		return err
	}
	if nodeID != p.NodeID {
		return errors.ErrForbidden
	}

	oldSize := rec.Info.Meta.Size
	rec.State = metastore.BlobStateCommitted
	rec.StateAt = time.Now().UTC()
	rec.Info.Meta.Size = args.Size
	rec.Info.Meta.ModifiedAt = rec.StateAt
	if err := d.meta.UpdateMeta(ctx, args.ID, rec); err != nil {
		return err
	}

	// Reconcile the capacity estimate with the actual payload size.
	d.router.OnResize(nodeID, oldSize, args.Size)
	return nil
}

// ReadBlob authorizes the caller and returns a redirect plus read grant
// for direct download from the home node.
func (d *Directory) ReadBlob(ctx context.Context, p auth.Principal, id string) (*proto.ReadBlobResponse, error) {
	rec, err := d.meta.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(p, rec) {
		return nil, errors.ErrForbidden
	}

	nodeID, err := d.meta.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	node, err := d.router.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	grant, err := d.auth.IssueGrant(ctx, id, auth.GrantRead, 0)
	if err != nil {
		return nil, err
	}
	return &proto.ReadBlobResponse{
		ID:          id,
		RedirectURL: blobURL(node, id, grant),
		ReadGrant:   grant,
	}, nil
}

// OverwriteBlob re-issues a write redirect for an existing blob.
func (d *Directory) OverwriteBlob(ctx context.Context, p auth.Principal, id string) (*proto.CreateBlobResponse, error) {
	rec, err := d.meta.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(p, rec) {
		return nil, errors.ErrForbidden
	}

	nodeID, err := d.meta.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	node, err := d.router.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	grant, err := d.auth.IssueGrant(ctx, id, auth.GrantWrite, 0)
	if err != nil {
		return nil, err
	}
	return &proto.CreateBlobResponse{
		ID:          id,
		RedirectURL: blobURL(node, id, grant),
		WriteGrant:  grant,
	}, nil
}

// UpdateMeta rewrites a blob's metadata and re-indexes it atomically
// with the store write. A parent change cascades to the ancestor facet
// of every descendant.
func (d *Directory) UpdateMeta(ctx context.Context, p auth.Principal, args *proto.UpdateMetaArgs) error {
	span := trace.SpanFromContextSafe(ctx)

	d.locks.Lock(args.ID)
	defer d.locks.Unlock(args.ID)

	rec, err := d.meta.GetMeta(ctx, args.ID)
	if err != nil {
		return err
	}
	if !canAccess(p, rec) {
		return errors.ErrForbidden
	}
	if !args.Meta.BlobType.Valid() {
		return errors.Newf(errors.KindBadRequest, "invalid blob type %q", args.Meta.BlobType)
	}

	oldParent := rec.Info.Meta.ParentID
	oldAncestors, err := d.ancestorsOfBlob(ctx, oldParent)
	if err != nil {
		return err
	}
	newAncestors, err := d.ancestorsForChild(ctx, args.ID, args.Meta.ParentID, rec.Info.Owner)
	if err != nil {
		return err
	}

	row, ok := d.meta.RowOf(args.ID)
	if !ok {
		return errors.ErrBlobNotFound
	}

	// A parent change invalidates the ancestor closure of every
	// descendant; capture their pre-change state before mutating.
	parentChanged := oldParent != args.Meta.ParentID
	var descendants []descendantState
	if parentChanged {
		descendants, err = d.collectDescendants(ctx, args.ID)
		if err != nil {
			return err
		}
	}

	oldDoc := documentOf(rec, oldAncestors)
	newRec := &metastore.BlobRecord{
		Info: proto.BlobInfo{
			Meta:  args.Meta.IntoMeta(rec.Info.Meta.Size, rec.Info.Meta.CreatedAt, time.Now().UTC()),
			Owner: rec.Info.Owner,
		},
		State:   rec.State,
		StateAt: rec.StateAt,
	}
	if err := d.meta.UpdateMeta(ctx, args.ID, newRec); err != nil {
		return err
	}
	d.idx.Reindex(row, oldDoc, documentOf(newRec, newAncestors))

	if parentChanged {
		d.ancestors.invalidate()
		for _, ds := range descendants {
			newAnc, err := d.ancestorsOfBlob(ctx, ds.rec.Info.Meta.ParentID)
			if err != nil {
				span.Warnf("descendant reindex after parent change of %s failed: %s", args.ID, err)
				return err
			}
			d.idx.Reindex(ds.row, documentOf(ds.rec, ds.oldAncestors), documentOf(ds.rec, newAnc))
		}
	}
	return nil
}

type descendantState struct {
	id           string
	row          uint32
	rec          *metastore.BlobRecord
	oldAncestors []string
}

// collectDescendants snapshots every blob whose ancestor chain passes
// through id, together with its pre-change closure.
func (d *Directory) collectDescendants(ctx context.Context, id string) ([]descendantState, error) {
	bm, err := d.idx.Snapshot().Eval(query.Ancestor{ID: id})
	if err != nil {
		return nil, err
	}

	var res []descendantState
	it := bm.Iterator()
	for it.HasNext() {
		row := it.Next()
		childID, ok := d.meta.RowToBlob(row)
		if !ok {
			continue
		}
		rec, err := d.meta.GetMeta(ctx, childID)
		if err != nil {
			return nil, err
		}
		oldAnc, err := d.ancestorsOfBlob(ctx, rec.Info.Meta.ParentID)
		if err != nil {
			return nil, err
		}
		res = append(res, descendantState{id: childID, row: row, rec: rec, oldAncestors: oldAnc})
	}
	return res, nil
}

// DeleteBlob removes the blob from the store and index, then orders the
// home node to drop the payload. Undeliverable orders are queued for
// retry.
func (d *Directory) DeleteBlob(ctx context.Context, p auth.Principal, id string) error {
	span := trace.SpanFromContextSafe(ctx)

	d.locks.Lock(id)
	defer d.locks.Unlock(id)

	rec, err := d.meta.GetMeta(ctx, id)
	if err != nil {
		return err
	}
	if !canAccess(p, rec) {
		return errors.ErrForbidden
	}

	// Children hold a pointer to this blob; deleting it would dangle
	// their parent chain.
	snap := d.idx.Snapshot()
	children, err := snap.Eval(query.Parent{ID: id})
	if err != nil {
		return err
	}
	if !children.IsEmpty() {
		return errors.ErrHasChildren
	}

	ancestors, err := d.ancestorsOfBlob(ctx, rec.Info.Meta.ParentID)
	if err != nil {
		return err
	}
	row, ok := d.meta.RowOf(id)
	if !ok {
		return errors.ErrBlobNotFound
	}

	nodeID, err := d.meta.Delete(ctx, id)
	if err != nil {
		return err
	}
	d.idx.Unindex(row, documentOf(rec, ancestors))
	d.router.OnDelete(nodeID, rec.Info.Owner, rec.Info.Meta.Size)
	d.ancestors.invalidate()
	d.publishIndexSize()

	if err := d.orderDelete(ctx, id, nodeID); err != nil {
		span.Warnf("delete order for blob %s on node %s failed, queueing retry: %s", id, nodeID, err)
		if qerr := d.meta.EnqueueDelete(ctx, id, nodeID); qerr != nil {
			return qerr
		}
	}
	return nil
}

// orderDelete tells the home node to drop the payload.
func (d *Directory) orderDelete(ctx context.Context, id, nodeID string) error {
	node, err := d.router.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	grant, err := d.auth.IssueGrant(ctx, id, auth.GrantWrite, 0)
	if err != nil {
		return err
	}
	callCtx, cancel := d.outboundCtx(ctx)
	defer cancel()
	return d.nodes.DeleteBlob(callCtx, node, id, grant)
}

// MoveBlob relocates a blob to dstNode. The move is confirm-then-commit:
// metadata changes only after the source node reports a completed
// transfer.
func (d *Directory) MoveBlob(ctx context.Context, p auth.Principal, args *proto.MoveBlobArgs) error {
	if !p.IsAdmin {
		return errors.ErrForbidden
	}
	return d.moveBlob(ctx, args.ID, args.Destination)
}

func (d *Directory) moveBlob(ctx context.Context, id, dstID string) error {
	d.locks.Lock(id)
	defer d.locks.Unlock(id)

	rec, err := d.meta.GetMeta(ctx, id)
	if err != nil {
		return err
	}
	srcID, err := d.meta.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if srcID == dstID {
		return nil
	}
	src, err := d.router.GetNode(ctx, srcID)
	if err != nil {
		return err
	}
	dst, err := d.router.GetNode(ctx, dstID)
	if err != nil {
		return err
	}

	if !d.router.MarkInFlight(id) {
		return errors.New(errors.KindConflict, "blob move already in flight")
	}
	defer d.router.ClearInFlight(id)

	grant, err := d.auth.IssueGrant(ctx, id, auth.GrantWrite, 0)
	if err != nil {
		return err
	}
	callCtx, cancel := d.outboundCtx(ctx)
	defer cancel()
	if err := d.nodes.TransferBlob(callCtx, src, id, dst, grant); err != nil {
		return err
	}

	if err := d.meta.Reassign(ctx, id, dstID); err != nil {
		return err
	}
	size := rec.Info.Meta.Size
	d.router.OnDelete(srcID, rec.Info.Owner, size)
	d.router.OnWrite(dstID, rec.Info.Owner, size)
	return nil
}

// ancestorsOfBlob returns the ancestor closure of a blob given its
// current parent pointer.
func (d *Directory) ancestorsOfBlob(ctx context.Context, parentID string) ([]string, error) {
	if parentID == "" {
		return nil, nil
	}
	return d.ancestors.closureOf(ctx, parentID)
}

func blobURL(node *proto.Node, id, grant string) string {
	return fmt.Sprintf("%s/blob/%s?token=%s",
		node.RedirectAddress(), url.PathEscape(id), url.QueryEscape(grant))
}

package directory

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/metastore"
	"github.com/menmos/menmos/metrics"
)

// loop starts the reconciliation tickers: orphan sweeping, payload
// deletion retries and rebalancing.
func (d *Directory) loop() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "directory-loops")
	span.Debugf("starting background loops")

	go func() {
		sweep := time.NewTicker(time.Duration(d.cfg.SweepIntervalS) * time.Second)
		rebalance := time.NewTicker(time.Duration(d.cfg.RebalanceIntervalS) * time.Second)
		defer sweep.Stop()
		defer rebalance.Stop()
		for {
			select {
			case <-sweep.C:
				d.sweepOrphans(ctx)
				d.retryPendingDeletes(ctx)
			case <-rebalance.C:
				d.runRebalance(ctx)
			case <-d.done:
				return
			}
		}
	}()
}

// sweepOrphans garbage-collects entries that stayed pending longer than
// the orphan timeout: the client never completed its upload, so the row
// is freed and the reservation dropped.
func (d *Directory) sweepOrphans(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	cutoff := time.Now().Add(-time.Duration(d.cfg.OrphanTimeoutS) * time.Second)

	var orphans []string
	err := d.meta.ScanBlobs(ctx, func(id string, row uint32, rec *metastore.BlobRecord) error {
		if rec.State == metastore.BlobStatePending && rec.StateAt.Before(cutoff) {
			orphans = append(orphans, id)
		}
		return nil
	})
	if err != nil {
		span.Errorf("orphan scan failed: %s", err)
		return
	}

	for _, id := range orphans {
		if err := d.reapOrphan(ctx, id, cutoff); err != nil {
			span.Warnf("reaping orphan %s failed: %s", id, err)
		}
	}
}

func (d *Directory) reapOrphan(ctx context.Context, id string, cutoff time.Time) error {
	d.locks.Lock(id)
	defer d.locks.Unlock(id)

	// Re-check under the blob lock; the upload may have committed since
	// the scan.
	rec, err := d.meta.GetMeta(ctx, id)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil
		}
		return err
	}
	if rec.State != metastore.BlobStatePending || !rec.StateAt.Before(cutoff) {
		return nil
	}

	ancestors, err := d.ancestorsOfBlob(ctx, rec.Info.Meta.ParentID)
	if err != nil {
		return err
	}
	row, ok := d.meta.RowOf(id)
	if !ok {
		return nil
	}
	nodeID, err := d.meta.Delete(ctx, id)
	if err != nil {
		return err
	}
	d.idx.Unindex(row, documentOf(rec, ancestors))
	d.router.OnDelete(nodeID, rec.Info.Owner, rec.Info.Meta.Size)
	d.publishIndexSize()
	metrics.OrphansReaped.Inc()
	return nil
}

// retryPendingDeletes drains the queue of payload deletions that could
// not be delivered earlier.
func (d *Directory) retryPendingDeletes(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)

	var pending []metastore.PendingDelete
	if err := d.meta.ScanPendingDeletes(ctx, func(pd metastore.PendingDelete) error {
		pending = append(pending, pd)
		return nil
	}); err != nil {
		span.Errorf("pending delete scan failed: %s", err)
		return
	}

	for _, pd := range pending {
		if err := d.retryRate.Wait(ctx); err != nil {
			return
		}
		node, err := d.router.GetNode(ctx, pd.NodeID)
		if err != nil {
			// The node was removed; there is no payload left to delete.
			if derr := d.meta.DequeueDelete(ctx, pd.BlobID); derr != nil {
				span.Errorf("dropping pending delete for %s failed: %s", pd.BlobID, derr)
			}
			continue
		}
		if !node.Alive {
			continue
		}

		metrics.PendingDeleteRetries.Inc()
		if err := d.orderDelete(ctx, pd.BlobID, pd.NodeID); err != nil {
			span.Warnf("retrying delete of %s on %s failed: %s", pd.BlobID, pd.NodeID, err)
			continue
		}
		if err := d.meta.DequeueDelete(ctx, pd.BlobID); err != nil {
			span.Errorf("dequeueing delete for %s failed: %s", pd.BlobID, err)
		}
	}
}

// runRebalance asks the router for a plan and executes it move by move.
// Moves are advisory: a failed transfer leaves metadata untouched.
func (d *Directory) runRebalance(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)

	plan, err := d.router.Rebalance(ctx, d.listNodeBlobs)
	if err != nil {
		span.Errorf("rebalance planning failed: %s", err)
		return
	}
	for _, mv := range plan {
		if err := d.retryRate.Wait(ctx); err != nil {
			return
		}
		if err := d.moveBlob(ctx, mv.BlobID, mv.Dst); err != nil {
			span.Warnf("rebalance move of %s from %s to %s failed: %s", mv.BlobID, mv.Src, mv.Dst, err)
			continue
		}
		metrics.RebalanceMoves.Inc()
	}
}

func (d *Directory) listNodeBlobs(ctx context.Context, nodeID string, fn func(blobID string, size uint64) error) error {
	return d.meta.ListByNode(ctx, nodeID, fn)
}

package router

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/menmos/menmos/common/kvstore"
)

const maxMovesPerCycle = 32

// Move is an advisory instruction to stream one blob from Src to Dst.
// The metadata store is only updated once the source node confirms.
type Move struct {
	BlobID string
	Src    string
	Dst    string
	Size   uint64
}

// BlobLister enumerates the blobs homed on a node, smallest id first.
type BlobLister func(ctx context.Context, nodeID string, fn func(blobID string, size uint64) error) error

// Rebalance plans moves from the most- to the least-utilized live node
// while their utilization gap exceeds the configured threshold. Blobs
// already in flight are skipped. With fewer than two live nodes the
// plan is empty.
func (r *Router) Rebalance(ctx context.Context, lister BlobLister) ([]Move, error) {
	span := trace.SpanFromContextSafe(ctx)

	type weighted struct {
		n    *node
		used uint64
		free uint64
	}
	var live []*weighted
	r.allNodes.Range(func(_, value interface{}) bool {
		n := value.(*node)
		if n.isAlive() {
			n.mu.RLock()
			live = append(live, &weighted{n: n, used: n.usedBytes, free: n.record.AvailableBytes})
			n.mu.RUnlock()
		}
		return true
	})
	if len(live) < 2 {
		return nil, nil
	}

	utilization := func(w *weighted) float64 {
		total := w.used + w.free
		if total == 0 {
			return 0
		}
		return float64(w.used) / float64(total)
	}

	var plan []Move
	skipped := make(map[string]struct{})
	for len(plan) < maxMovesPerCycle {
		sort.Slice(live, func(i, j int) bool {
			ui, uj := utilization(live[i]), utilization(live[j])
			if ui != uj {
				return ui > uj
			}
			return live[i].n.id() < live[j].n.id()
		})
		src, dst := live[0], live[len(live)-1]
		if utilization(src)-utilization(dst) <= r.threshold {
			break
		}

		var picked *Move
		err := lister(ctx, src.n.id(), func(blobID string, size uint64) error {
			if r.isInFlight(blobID) {
				return nil
			}
			if _, ok := skipped[blobID]; ok {
				return nil
			}
			if size == 0 || size > dst.free {
				return nil
			}
			picked = &Move{BlobID: blobID, Src: src.n.id(), Dst: dst.n.id(), Size: size}
			return kvstore.ErrStopIteration
		})
		if err != nil && err != kvstore.ErrStopIteration {
			return nil, err
		}
		if picked == nil {
			// Nothing movable on the hottest node.
			break
		}

		skipped[picked.BlobID] = struct{}{}
		src.used -= picked.Size
		src.free += picked.Size
		dst.used += picked.Size
		dst.free -= picked.Size
		plan = append(plan, *picked)
	}

	if len(plan) > 0 {
		span.Infof("rebalance planned %d moves", len(plan))
	}
	return plan, nil
}

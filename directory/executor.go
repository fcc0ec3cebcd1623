package directory

import (
	"context"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/menmos/menmos/auth"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/index"
	"github.com/menmos/menmos/metrics"
	"github.com/menmos/menmos/proto"
	"github.com/menmos/menmos/query"
)

// Query evaluates a structured query against the current index snapshot
// and hydrates the paged hits from the metadata store.
//
// For a fixed snapshot, (from, size) windows that partition the result
// space yield disjoint hits in ascending row order.
func (d *Directory) Query(ctx context.Context, p auth.Principal, req *proto.QueryRequest) (*proto.QueryResponse, error) {
	if p.IsNode {
		return nil, errors.ErrForbidden
	}

	start := time.Now()
	metrics.QueriesTotal.Inc()

	expr, err := query.Parse(req.Expression)
	if err != nil {
		return nil, err
	}
	// Non-admin principals only see their own blobs.
	if !p.IsAdmin {
		expr = query.And{Left: expr, Right: query.Owner{Username: p.Username}}
	}

	snap := d.idx.Snapshot()
	matched, err := snap.Eval(expr)
	if err != nil {
		return nil, err
	}

	resp := &proto.QueryResponse{
		Total: matched.GetCardinality(),
		Hits:  []proto.Hit{},
	}

	it := matched.Iterator()
	var skipped uint64
	for skipped < req.From && it.HasNext() {
		it.Next()
		skipped++
	}
	for uint64(len(resp.Hits)) < req.Size && it.HasNext() {
		hit, err := d.hydrate(ctx, it.Next(), req.SignURLs)
		if err != nil {
			return nil, err
		}
		resp.Hits = append(resp.Hits, *hit)
	}
	resp.Count = len(resp.Hits)

	if len(req.Facets) > 0 {
		resp.Facets = d.facetCounts(snap, matched, req.Facets)
	}

	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	return resp, nil
}

// hydrate resolves a row back to its blob descriptor, attaching a signed
// redirect when requested and the home node is reachable.
func (d *Directory) hydrate(ctx context.Context, row uint32, signURLs bool) (*proto.Hit, error) {
	id, ok := d.meta.RowToBlob(row)
	if !ok {
		return nil, errors.Newf(errors.KindCorrupted, "row %d has no blob mapping", row)
	}
	rec, err := d.meta.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	hit := &proto.Hit{
		ID:    id,
		Meta:  rec.Info.Meta,
		Owner: rec.Info.Owner,
	}

	nodeID, err := d.meta.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	node, err := d.router.GetNode(ctx, nodeID)
	if err != nil || !node.Alive {
		hit.Unreachable = true
		return hit, nil
	}
	if signURLs {
		grant, err := d.auth.IssueGrant(ctx, id, auth.GrantRead, 0)
		if err != nil {
			return nil, err
		}
		hit.URL = blobURL(node, id, grant)
	}
	return hit, nil
}

// facetCounts intersects the matched rows with every term of each
// requested facet and keeps the top-k terms, ties broken by term.
func (d *Directory) facetCounts(snap *index.Snapshot, matched *roaring.Bitmap, facets []string) proto.FacetCounts {
	out := make(proto.FacetCounts, len(facets))
	for _, facet := range facets {
		var terms map[string]*roaring.Bitmap
		if facet == "tag" {
			terms = snap.TagBitmaps()
		} else {
			terms = snap.FieldBitmaps(facet)
		}

		type termCount struct {
			term  string
			count uint64
		}
		var counts []termCount
		for term, bm := range terms {
			if c := roaring.And(matched, bm).GetCardinality(); c > 0 {
				counts = append(counts, termCount{term: term, count: c})
			}
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].count != counts[j].count {
				return counts[i].count > counts[j].count
			}
			return counts[i].term < counts[j].term
		})
		if len(counts) > d.cfg.FacetTopK {
			counts = counts[:d.cfg.FacetTopK]
		}

		byTerm := make(map[string]uint64, len(counts))
		for _, tc := range counts {
			byTerm[tc.term] = tc.count
		}
		out[facet] = byTerm
	}
	return out
}

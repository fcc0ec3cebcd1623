package index

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/query"
)

// Eval evaluates a parsed expression against the snapshot and returns
// the matching rows. The result must be treated as read-only; it may
// alias facet bitmaps for leaf expressions.
func (s *Snapshot) Eval(expr query.Expr) (*roaring.Bitmap, error) {
	switch e := expr.(type) {
	case query.MatchAll:
		return s.universe, nil

	case query.Tag:
		return s.facetTerm(s.tags, e.Tag), nil

	case query.KeyValue:
		if e.Value.IsNumeric() {
			nf := s.numeric[e.Key]
			if nf == nil {
				return roaring.New(), nil
			}
			if bm, ok := nf.bitmaps[e.Value.Num()]; ok {
				return bm, nil
			}
			return roaring.New(), nil
		}
		return s.facetTerm(s.kv[e.Key], e.Value.Str()), nil

	case query.HasKey:
		terms := make([]*roaring.Bitmap, 0, len(s.kv[e.Key]))
		for _, bm := range s.kv[e.Key] {
			terms = append(terms, bm)
		}
		if nf := s.numeric[e.Key]; nf != nil {
			for _, bm := range nf.bitmaps {
				terms = append(terms, bm)
			}
		}
		return roaring.FastOr(terms...), nil

	case query.Range:
		return s.evalRange(e), nil

	case query.Parent:
		return s.facetTerm(s.parents, e.ID), nil

	case query.Ancestor:
		return s.facetTerm(s.ancestors, e.ID), nil

	case query.Owner:
		return s.facetTerm(s.owners, e.Username), nil

	case query.Not:
		inner, err := s.Eval(e.Expr)
		if err != nil {
			return nil, err
		}
		return roaring.AndNot(s.universe, inner), nil

	case query.And:
		left, err := s.Eval(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := s.Eval(e.Right)
		if err != nil {
			return nil, err
		}
		return roaring.And(left, right), nil

	case query.Or:
		left, err := s.Eval(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := s.Eval(e.Right)
		if err != nil {
			return nil, err
		}
		return roaring.Or(left, right), nil

	default:
		return nil, errors.Newf(errors.KindBadRequest, "unknown expression node %T", expr)
	}
}

func (s *Snapshot) facetTerm(facet map[string]*roaring.Bitmap, term string) *roaring.Bitmap {
	if bm, ok := facet[term]; ok {
		return bm
	}
	return roaring.New()
}

// evalRange ORs the bitmaps of every indexed value of e.Key inside the
// requested interval. An empty interval yields an empty bitmap.
func (s *Snapshot) evalRange(e query.Range) *roaring.Bitmap {
	nf := s.numeric[e.Key]
	if nf == nil {
		return roaring.New()
	}

	lo, hi := 0, len(nf.values)
	switch e.Op {
	case query.OpLess:
		hi = sort.Search(len(nf.values), func(i int) bool { return nf.values[i] >= e.Value })
	case query.OpLessEqual:
		hi = sort.Search(len(nf.values), func(i int) bool { return nf.values[i] > e.Value })
	case query.OpGreater:
		lo = sort.Search(len(nf.values), func(i int) bool { return nf.values[i] > e.Value })
	case query.OpGreaterEqual:
		lo = sort.Search(len(nf.values), func(i int) bool { return nf.values[i] >= e.Value })
	}
	if lo >= hi {
		return roaring.New()
	}

	terms := make([]*roaring.Bitmap, 0, hi-lo)
	for _, v := range nf.values[lo:hi] {
		terms = append(terms, nf.bitmaps[v])
	}
	return roaring.FastOr(terms...)
}

package index

import (
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
)

// Snapshot is an immutable view of every facet bitmap. The universe
// bitmap holds all currently-allocated rows; negations are computed
// against it so freed rows never reappear.
//
// All bitmaps reachable from a snapshot are read-only: mutations happen
// on copies installed into the next snapshot.
type Snapshot struct {
	universe  *roaring.Bitmap
	tags      map[string]*roaring.Bitmap
	kv        map[string]map[string]*roaring.Bitmap
	parents   map[string]*roaring.Bitmap
	ancestors map[string]*roaring.Bitmap
	owners    map[string]*roaring.Bitmap
	numeric   map[string]*numericField
}

// numericField keeps one bitmap per distinct value of a key, plus the
// sorted value list used to resolve range intervals.
type numericField struct {
	values  []int64
	bitmaps map[int64]*roaring.Bitmap
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		universe:  roaring.New(),
		tags:      make(map[string]*roaring.Bitmap),
		kv:        make(map[string]map[string]*roaring.Bitmap),
		parents:   make(map[string]*roaring.Bitmap),
		ancestors: make(map[string]*roaring.Bitmap),
		owners:    make(map[string]*roaring.Bitmap),
		numeric:   make(map[string]*numericField),
	}
}

// shallowCopy duplicates the map headers and clones the universe. Term
// bitmaps stay shared until a mutation copies them on write.
func (s *Snapshot) shallowCopy() *Snapshot {
	next := &Snapshot{
		universe:  s.universe.Clone(),
		tags:      copyFacet(s.tags),
		kv:        make(map[string]map[string]*roaring.Bitmap, len(s.kv)),
		parents:   copyFacet(s.parents),
		ancestors: copyFacet(s.ancestors),
		owners:    copyFacet(s.owners),
		numeric:   make(map[string]*numericField, len(s.numeric)),
	}
	for key, terms := range s.kv {
		next.kv[key] = terms
	}
	for key, nf := range s.numeric {
		next.numeric[key] = nf
	}
	return next
}

func copyFacet(m map[string]*roaring.Bitmap) map[string]*roaring.Bitmap {
	out := make(map[string]*roaring.Bitmap, len(m))
	for term, bm := range m {
		out[term] = bm
	}
	return out
}

func (s *Snapshot) add(row uint32, doc Document) {
	s.universe.Add(row)
	setBit(s.owners, doc.Owner, row)
	for _, tag := range doc.Tags {
		setBit(s.tags, tag, row)
	}
	if doc.ParentID != "" {
		setBit(s.parents, doc.ParentID, row)
	}
	for _, anc := range doc.Ancestors {
		setBit(s.ancestors, anc, row)
	}
	for key, value := range doc.Fields {
		if value.IsNumeric() {
			s.numericAdd(key, value.Num(), row)
			continue
		}
		terms, ok := s.kv[key]
		if !ok {
			terms = make(map[string]*roaring.Bitmap)
		} else {
			terms = copyFacet(terms)
		}
		setBit(terms, value.Str(), row)
		s.kv[key] = terms
	}
}

func (s *Snapshot) remove(row uint32, doc Document) {
	s.universe.Remove(row)
	clearBit(s.owners, doc.Owner, row)
	for _, tag := range doc.Tags {
		clearBit(s.tags, tag, row)
	}
	if doc.ParentID != "" {
		clearBit(s.parents, doc.ParentID, row)
	}
	for _, anc := range doc.Ancestors {
		clearBit(s.ancestors, anc, row)
	}
	for key, value := range doc.Fields {
		if value.IsNumeric() {
			s.numericRemove(key, value.Num(), row)
			continue
		}
		terms, ok := s.kv[key]
		if !ok {
			continue
		}
		terms = copyFacet(terms)
		clearBit(terms, value.Str(), row)
		if len(terms) == 0 {
			delete(s.kv, key)
		} else {
			s.kv[key] = terms
		}
	}
}

// setBit installs a cloned, updated bitmap for term. The previous
// snapshot keeps the original.
func setBit(facet map[string]*roaring.Bitmap, term string, row uint32) {
	bm, ok := facet[term]
	if !ok {
		bm = roaring.New()
	} else {
		bm = bm.Clone()
	}
	bm.Add(row)
	facet[term] = bm
}

func clearBit(facet map[string]*roaring.Bitmap, term string, row uint32) {
	bm, ok := facet[term]
	if !ok {
		return
	}
	bm = bm.Clone()
	bm.Remove(row)
	if bm.IsEmpty() {
		delete(facet, term)
		return
	}
	facet[term] = bm
}

func (s *Snapshot) numericAdd(key string, value int64, row uint32) {
	nf := s.numeric[key]
	next := &numericField{bitmaps: make(map[int64]*roaring.Bitmap)}
	if nf != nil {
		next.values = append([]int64(nil), nf.values...)
		for v, bm := range nf.bitmaps {
			next.bitmaps[v] = bm
		}
	}
	bm, ok := next.bitmaps[value]
	if !ok {
		bm = roaring.New()
		i := sort.Search(len(next.values), func(i int) bool { return next.values[i] >= value })
		next.values = append(next.values, 0)
		copy(next.values[i+1:], next.values[i:])
		next.values[i] = value
	} else {
		bm = bm.Clone()
	}
	bm.Add(row)
	next.bitmaps[value] = bm
	s.numeric[key] = next
}

func (s *Snapshot) numericRemove(key string, value int64, row uint32) {
	nf := s.numeric[key]
	if nf == nil {
		return
	}
	old, ok := nf.bitmaps[value]
	if !ok {
		return
	}
	next := &numericField{
		values:  append([]int64(nil), nf.values...),
		bitmaps: make(map[int64]*roaring.Bitmap, len(nf.bitmaps)),
	}
	for v, bm := range nf.bitmaps {
		next.bitmaps[v] = bm
	}
	bm := old.Clone()
	bm.Remove(row)
	if bm.IsEmpty() {
		delete(next.bitmaps, value)
		i := sort.Search(len(next.values), func(i int) bool { return next.values[i] >= value })
		if i < len(next.values) && next.values[i] == value {
			next.values = append(next.values[:i], next.values[i+1:]...)
		}
	} else {
		next.bitmaps[value] = bm
	}
	if len(next.bitmaps) == 0 {
		delete(s.numeric, key)
		return
	}
	s.numeric[key] = next
}

// Universe returns the bitmap of allocated rows. Read-only.
func (s *Snapshot) Universe() *roaring.Bitmap { return s.universe }

// TagBitmaps exposes the tag facet for facet counting. Read-only.
func (s *Snapshot) TagBitmaps() map[string]*roaring.Bitmap { return s.tags }

// FieldBitmaps merges the string and numeric terms of a field key into a
// term → bitmap view for facet counting. Read-only bitmaps.
func (s *Snapshot) FieldBitmaps(key string) map[string]*roaring.Bitmap {
	out := make(map[string]*roaring.Bitmap)
	for term, bm := range s.kv[key] {
		out[term] = bm
	}
	if nf := s.numeric[key]; nf != nil {
		for v, bm := range nf.bitmaps {
			out[strconv.FormatInt(v, 10)] = bm
		}
	}
	return out
}

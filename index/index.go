// Copyright 2026 The Menmos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package index holds the in-memory inverted bitmap index over blob
// metadata facets. Mutations are serialized behind a single writer lock;
// readers work on immutable snapshots published atomically, so queries
// never block writes and never observe a half-applied mutation.
package index

import (
	"sync"
	"sync/atomic"

	"github.com/menmos/menmos/proto"
)

// Document is the indexable projection of a blob record. Ancestors must
// be the transitive closure of the parent chain; the caller computes it.
type Document struct {
	Owner     string
	Tags      []string
	Fields    map[string]proto.FieldValue
	ParentID  string
	Ancestors []string
}

type Index struct {
	writer sync.Mutex
	snap   atomic.Pointer[Snapshot]
}

func New() *Index {
	i := &Index{}
	i.snap.Store(newSnapshot())
	return i
}

// Snapshot returns the current published snapshot. It is immutable and
// remains valid for the lifetime of the caller's read.
func (i *Index) Snapshot() *Snapshot {
	return i.snap.Load()
}

// Index adds row with the given document to every derivable facet and to
// the universe.
func (i *Index) Index(row uint32, doc Document) {
	i.writer.Lock()
	defer i.writer.Unlock()

	next := i.snap.Load().shallowCopy()
	next.add(row, doc)
	i.snap.Store(next)
}

// Unindex clears every bit owned by row and removes it from the universe.
func (i *Index) Unindex(row uint32, doc Document) {
	i.writer.Lock()
	defer i.writer.Unlock()

	next := i.snap.Load().shallowCopy()
	next.remove(row, doc)
	i.snap.Store(next)
}

// Reindex atomically replaces row's facet memberships: readers observe
// either the old document or the new one, never a mixture.
func (i *Index) Reindex(row uint32, prev, curr Document) {
	i.writer.Lock()
	defer i.writer.Unlock()

	next := i.snap.Load().shallowCopy()
	next.remove(row, prev)
	next.add(row, curr)
	i.snap.Store(next)
}

package metastore

import (
	"sort"
	"sync"

	"github.com/menmos/menmos/errors"
)

// rowTable tracks the dense row assignment for every blob. Rows freed by
// deletion are pushed on a stack and reused by later allocations, so the
// row space stays dense.
type rowTable struct {
	mu       sync.Mutex
	byID     map[string]uint32
	byRow    map[uint32]string
	freeRows []uint32
	high     uint32
}

func newRowTable() *rowTable {
	return &rowTable{
		byID:  make(map[string]uint32),
		byRow: make(map[uint32]string),
	}
}

// load rebuilds the table from the persisted assignments. Gaps below the
// high-water mark become the free list, largest first so the smallest
// free row is reused next.
func (t *rowTable) load(assigned map[string]uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, row := range assigned {
		if other, ok := t.byRow[row]; ok {
			return errors.Newf(errors.KindCorrupted, "row %d assigned to both %s and %s", row, other, id)
		}
		t.byID[id] = row
		t.byRow[row] = id
		if row >= t.high {
			t.high = row + 1
		}
	}

	for row := uint32(0); row < t.high; row++ {
		if _, ok := t.byRow[row]; !ok {
			t.freeRows = append(t.freeRows, row)
		}
	}
	sort.Slice(t.freeRows, func(i, j int) bool { return t.freeRows[i] > t.freeRows[j] })
	return nil
}

// allocate returns the row for id, assigning a new one when needed.
// fresh reports whether the assignment did not exist before.
func (t *rowTable) allocate(id string) (row uint32, fresh bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if row, ok := t.byID[id]; ok {
		return row, false
	}
	if n := len(t.freeRows); n > 0 {
		row = t.freeRows[n-1]
		t.freeRows = t.freeRows[:n-1]
	} else {
		row = t.high
		t.high++
	}
	t.byID[id] = row
	t.byRow[row] = id
	return row, true
}

// release undoes a fresh allocation whose persistence failed.
func (t *rowTable) release(id string, row uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
	delete(t.byRow, row)
	t.freeRows = append(t.freeRows, row)
}

// free returns id's row to the reuse stack after deletion.
func (t *rowTable) free(id string, row uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
	delete(t.byRow, row)
	t.freeRows = append(t.freeRows, row)
}

func (t *rowTable) rowOf(id string) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.byID[id]
	return row, ok
}

func (t *rowTable) blobOf(row uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byRow[row]
	return id, ok
}

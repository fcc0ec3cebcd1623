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

// Package metastore is the durable blob metadata store. It maps blob ids
// to their records, home nodes and index rows, and owns the user table.
// Multi-key updates go through a write batch so they land atomically.
package metastore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/menmos/menmos/common/kvstore"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

const (
	blobCF          = kvstore.CF("blobs")
	blobNodeCF      = kvstore.CF("blob-node")
	nodeBlobsCF     = kvstore.CF("node-blobs")
	rowCF           = kvstore.CF("rows")
	userCF          = kvstore.CF("users")
	pendingDeleteCF = kvstore.CF("pending-delete")
)

var keyInfix = []byte("/")

type BlobState string

const (
	// BlobStatePending marks an entry whose payload upload has not been
	// confirmed by the home node yet.
	BlobStatePending   BlobState = "pending"
	BlobStateCommitted BlobState = "committed"
)

// BlobRecord is the authoritative stored form of a blob.
type BlobRecord struct {
	Info    proto.BlobInfo `json:"info"`
	State   BlobState      `json:"state"`
	StateAt time.Time      `json:"state_at"`
}

type PendingDelete struct {
	BlobID string `json:"blob_id"`
	NodeID string `json:"node_id"`
}

type Store struct {
	kv   kvstore.Store
	rows *rowTable
}

// New opens the metadata store over kv and runs the startup consistency
// pass: the row table and free list are re-derived from the blobs and
// rows columns, and rows orphaned by a crash are reclaimed.
func New(ctx context.Context, kv kvstore.Store) (*Store, error) {
	for _, col := range []kvstore.CF{blobCF, blobNodeCF, nodeBlobsCF, rowCF, userCF, pendingDeleteCF} {
		if err := kv.CreateColumn(col); err != nil {
			return nil, errors.Storage(err)
		}
	}
	s := &Store{kv: kv, rows: newRowTable()}
	if err := s.loadRows(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadRows(ctx context.Context) error {
	assigned := make(map[string]uint32)
	err := s.kv.List(ctx, rowCF, nil, func(key, value []byte) error {
		if len(value) != 4 {
			return errors.Wrap(errors.ErrCorrupted, errors.KindCorrupted, "malformed row entry")
		}
		assigned[string(key)] = binary.BigEndian.Uint32(value)
		return nil
	})
	if err != nil {
		return storageOr(err)
	}

	live := make(map[string]uint32, len(assigned))
	err = s.kv.List(ctx, blobCF, nil, func(key, value []byte) error {
		id := string(key)
		row, ok := assigned[id]
		if !ok {
			return errors.Newf(errors.KindCorrupted, "blob %s has no row assignment", id)
		}
		live[id] = row
		return nil
	})
	if err != nil {
		return storageOr(err)
	}

	if err := s.rows.load(live); err != nil {
		return err
	}

	// Rows allocated by a crashed create that never wrote its blob
	// record are returned to the free list.
	for id := range assigned {
		if _, ok := live[id]; ok {
			continue
		}
		if err := s.kv.Delete(ctx, rowCF, []byte(id)); err != nil {
			return errors.Storage(err)
		}
	}
	return nil
}

// AllocateRow assigns a dense row to id, reusing freed rows first. The
// assignment is durable on return. Allocating an already-assigned id
// returns its existing row.
func (s *Store) AllocateRow(ctx context.Context, id string) (uint32, error) {
	row, fresh := s.rows.allocate(id)
	if !fresh {
		return row, nil
	}
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, row)
	if err := s.kv.Set(ctx, rowCF, []byte(id), value); err != nil {
		s.rows.release(id, row)
		return 0, errors.Storage(err)
	}
	return row, nil
}

func (s *Store) RowOf(id string) (uint32, bool) { return s.rows.rowOf(id) }

func (s *Store) RowToBlob(row uint32) (string, bool) { return s.rows.blobOf(row) }

// PutMeta stores a new blob record together with its node assignment.
// All keys land in one batch.
func (s *Store) PutMeta(ctx context.Context, id string, rec *BlobRecord, nodeID string) error {
	value, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	batch := s.kv.NewWriteBatch()
	batch.Put(blobCF, []byte(id), value)
	batch.Put(blobNodeCF, []byte(id), []byte(nodeID))
	batch.Put(nodeBlobsCF, nodeBlobKey(nodeID, id), encodeSize(rec.Info.Meta.Size))
	if err := s.kv.Write(ctx, batch); err != nil {
		return errors.Storage(err)
	}
	return nil
}

// UpdateMeta rewrites the record of an existing blob, keeping its node
// assignment and refreshing the per-node size entry.
func (s *Store) UpdateMeta(ctx context.Context, id string, rec *BlobRecord) error {
	nodeID, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}
	value, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	batch := s.kv.NewWriteBatch()
	batch.Put(blobCF, []byte(id), value)
	batch.Put(nodeBlobsCF, nodeBlobKey(nodeID, id), encodeSize(rec.Info.Meta.Size))
	if err := s.kv.Write(ctx, batch); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, id string) (*BlobRecord, error) {
	value, err := s.kv.Get(ctx, blobCF, []byte(id))
	if err == kvstore.ErrNotFound {
		return nil, errors.ErrBlobNotFound
	}
	if err != nil {
		return nil, errors.Storage(err)
	}
	return decodeRecord(value)
}

func (s *Store) GetNode(ctx context.Context, id string) (string, error) {
	value, err := s.kv.Get(ctx, blobNodeCF, []byte(id))
	if err == kvstore.ErrNotFound {
		return "", errors.ErrBlobNotFound
	}
	if err != nil {
		return "", errors.Storage(err)
	}
	return string(value), nil
}

// Delete removes every key belonging to id and frees its row. The former
// home node is returned so the caller can order the payload deletion.
func (s *Store) Delete(ctx context.Context, id string) (string, error) {
	nodeID, err := s.GetNode(ctx, id)
	if err != nil {
		return "", err
	}
	row, ok := s.rows.rowOf(id)
	if !ok {
		return "", errors.ErrBlobNotFound
	}

	batch := s.kv.NewWriteBatch()
	batch.Delete(blobCF, []byte(id))
	batch.Delete(blobNodeCF, []byte(id))
	batch.Delete(nodeBlobsCF, nodeBlobKey(nodeID, id))
	batch.Delete(rowCF, []byte(id))
	if err := s.kv.Write(ctx, batch); err != nil {
		return "", errors.Storage(err)
	}
	s.rows.free(id, row)
	return nodeID, nil
}

// Reassign moves id's home to newNode, updating both node mappings in
// one batch.
func (s *Store) Reassign(ctx context.Context, id, newNode string) error {
	oldNode, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}
	rec, err := s.GetMeta(ctx, id)
	if err != nil {
		return err
	}
	batch := s.kv.NewWriteBatch()
	batch.Put(blobNodeCF, []byte(id), []byte(newNode))
	batch.Delete(nodeBlobsCF, nodeBlobKey(oldNode, id))
	batch.Put(nodeBlobsCF, nodeBlobKey(newNode, id), encodeSize(rec.Info.Meta.Size))
	if err := s.kv.Write(ctx, batch); err != nil {
		return errors.Storage(err)
	}
	return nil
}

// ListByNode iterates the blobs homed on nodeID in id order.
func (s *Store) ListByNode(ctx context.Context, nodeID string, fn func(id string, size uint64) error) error {
	prefix := append([]byte(nodeID), keyInfix...)
	err := s.kv.List(ctx, nodeBlobsCF, prefix, func(key, value []byte) error {
		if len(value) != 8 {
			return errors.New(errors.KindCorrupted, "malformed node-blob entry")
		}
		return fn(string(key[len(prefix):]), binary.BigEndian.Uint64(value))
	})
	return storageOr(err)
}

// ScanBlobs iterates every stored blob with its assigned row.
func (s *Store) ScanBlobs(ctx context.Context, fn func(id string, row uint32, rec *BlobRecord) error) error {
	err := s.kv.List(ctx, blobCF, nil, func(key, value []byte) error {
		id := string(key)
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}
		row, ok := s.rows.rowOf(id)
		if !ok {
			return errors.Newf(errors.KindCorrupted, "blob %s has no row assignment", id)
		}
		return fn(id, row, rec)
	})
	return storageOr(err)
}

func (s *Store) PutUser(ctx context.Context, rec proto.UserRecord) error {
	value, err := encodeRecord(&rec)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, userCF, []byte(rec.Username), value); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*proto.UserRecord, error) {
	value, err := s.kv.Get(ctx, userCF, []byte(username))
	if err == kvstore.ErrNotFound {
		return nil, errors.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Storage(err)
	}
	var rec proto.UserRecord
	if err := decodeInto(value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) HasUser(ctx context.Context, username string) (bool, error) {
	_, err := s.GetUser(ctx, username)
	if err == nil {
		return true, nil
	}
	if errors.KindOf(err) == errors.KindNotFound {
		return false, nil
	}
	return false, err
}

// EnqueueDelete records a payload deletion that could not be delivered
// to the home node, for background retry.
func (s *Store) EnqueueDelete(ctx context.Context, blobID, nodeID string) error {
	value, err := encodeRecord(&PendingDelete{BlobID: blobID, NodeID: nodeID})
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, pendingDeleteCF, []byte(blobID), value); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func (s *Store) DequeueDelete(ctx context.Context, blobID string) error {
	if err := s.kv.Delete(ctx, pendingDeleteCF, []byte(blobID)); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func (s *Store) ScanPendingDeletes(ctx context.Context, fn func(pd PendingDelete) error) error {
	err := s.kv.List(ctx, pendingDeleteCF, nil, func(key, value []byte) error {
		var pd PendingDelete
		if err := decodeInto(value, &pd); err != nil {
			return err
		}
		return fn(pd)
	})
	return storageOr(err)
}

// Flush blocks until all previous writes are durable.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.kv.Flush(ctx); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func nodeBlobKey(nodeID, blobID string) []byte {
	key := make([]byte, 0, len(nodeID)+len(keyInfix)+len(blobID))
	key = append(key, nodeID...)
	key = append(key, keyInfix...)
	key = append(key, blobID...)
	return key
}

func encodeSize(size uint64) []byte {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, size)
	return value
}

// Records are persisted as a one-byte version tag followed by the JSON
// body, so the layout can evolve without rewriting the store.
const recordVersion = byte(1)

func encodeRecord(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Storage(err)
	}
	return append([]byte{recordVersion}, body...), nil
}

func decodeInto(value []byte, v interface{}) error {
	if len(value) == 0 || value[0] != recordVersion {
		return errors.New(errors.KindCorrupted, "unknown record version")
	}
	if err := json.Unmarshal(value[1:], v); err != nil {
		return errors.Wrap(err, errors.KindCorrupted, "undecodable record")
	}
	return nil
}

func decodeRecord(value []byte) (*BlobRecord, error) {
	var rec BlobRecord
	if err := decodeInto(value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// storageOr keeps kinded errors intact and classifies anything else as a
// storage failure.
func storageOr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.Storage(err)
}

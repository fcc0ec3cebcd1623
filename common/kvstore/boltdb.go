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

package kvstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const defaultOpenTimeout = time.Second

type boltStore struct {
	db *bolt.DB

	mu   sync.RWMutex
	cols map[CF]struct{}
}

func newBoltStore(ctx context.Context, path string, option *Option) (Store, error) {
	if option == nil {
		option = &Option{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, err
	}
	db.NoSync = option.NoSync

	s := &boltStore{db: db, cols: make(map[CF]struct{})}
	for _, col := range option.Columns {
		if err := s.CreateColumn(col); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *boltStore) CreateColumn(col CF) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(col))
		return err
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cols[col] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *boltStore) GetAllColumns() []CF {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cols := make([]CF, 0, len(s.cols))
	for col := range s.cols {
		cols = append(cols, col)
	}
	return cols
}

func (s *boltStore) Get(ctx context.Context, col CF, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(col))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *boltStore) Set(ctx context.Context, col CF, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(col))
		if b == nil {
			return ErrNotFound
		}
		return b.Put(key, value)
	})
}

func (s *boltStore) Delete(ctx context.Context, col CF, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(col))
		if b == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

func (s *boltStore) List(ctx context.Context, col CF, prefix []byte, fn func(key, value []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(col))
		if b == nil {
			return ErrNotFound
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err == ErrStopIteration {
		return nil
	}
	return err
}

type batchOp struct {
	col    CF
	key    []byte
	value  []byte
	delete bool
}

type writeBatch struct {
	ops []batchOp
}

func (b *writeBatch) Put(col CF, key, value []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, batchOp{col: col, key: k, value: v})
}

func (b *writeBatch) Delete(col CF, key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	b.ops = append(b.ops, batchOp{col: col, key: k, delete: true})
}

func (b *writeBatch) Len() int { return len(b.ops) }

func (s *boltStore) NewWriteBatch() WriteBatch {
	return &writeBatch{}
}

func (s *boltStore) Write(ctx context.Context, batch WriteBatch) error {
	wb, ok := batch.(*writeBatch)
	if !ok || wb.Len() == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range wb.ops {
			b := tx.Bucket([]byte(op.col))
			if b == nil {
				return ErrNotFound
			}
			if op.delete {
				if err := b.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Flush(ctx context.Context) error {
	return s.db.Sync()
}

func (s *boltStore) Close() {
	s.db.Close()
}

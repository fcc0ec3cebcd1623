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
	"context"
	"errors"
)

const (
	BoltKVType = KVType("boltdb")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")

	// ErrStopIteration aborts a List scan without error.
	ErrStopIteration = errors.New("stop iteration")
)

type (
	CF     string
	KVType string

	// Store is an embedded ordered key-value store. Set and Delete are
	// atomic per key; Write applies a batch as a single transaction that
	// either lands in its entirety or not at all. Flush blocks until all
	// prior writes are durable on disk.
	Store interface {
		CreateColumn(col CF) error
		GetAllColumns() []CF
		Get(ctx context.Context, col CF, key []byte) (value []byte, err error)
		Set(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List scans col in key order starting at prefix, invoking fn for
		// every key carrying the prefix. fn may return ErrStopIteration
		// to end the scan early.
		List(ctx context.Context, col CF, prefix []byte, fn func(key, value []byte) error) error
		NewWriteBatch() WriteBatch
		Write(ctx context.Context, batch WriteBatch) error
		Flush(ctx context.Context) error
		Close()
	}

	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Len() int
	}

	Option struct {
		Columns []CF `json:"columns"`
		// NoSync trades durability for speed. Test-only.
		NoSync bool `json:"no_sync"`
	}
)

func NewKVStore(ctx context.Context, path string, kvType KVType, option *Option) (Store, error) {
	switch kvType {
	case BoltKVType:
		return newBoltStore(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}

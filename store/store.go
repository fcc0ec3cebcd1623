package store

import (
	"context"
	"path/filepath"

	"github.com/menmos/menmos/common/kvstore"
)

type Config struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

// Store owns the two logical KV spaces of the directory: blob metadata
// (including users) and storage node records.
type Store struct {
	blobStore kvstore.Store
	nodeStore kvstore.Store

	cfg *Config
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	blobStore, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, "blobs.db"), kvstore.BoltKVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}

	nodeStore, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, "nodes.db"), kvstore.BoltKVType, &cfg.KVOption)
	if err != nil {
		blobStore.Close()
		return nil, err
	}

	return &Store{
		blobStore: blobStore,
		nodeStore: nodeStore,
		cfg:       cfg,
	}, nil
}

func (s *Store) BlobStore() kvstore.Store {
	return s.blobStore
}

func (s *Store) NodeStore() kvstore.Store {
	return s.nodeStore
}

func (s *Store) Flush(ctx context.Context) error {
	if err := s.blobStore.Flush(ctx); err != nil {
		return err
	}
	return s.nodeStore.Flush(ctx)
}

func (s *Store) Close() {
	s.blobStore.Close()
	s.nodeStore.Close()
}

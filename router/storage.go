package router

import (
	"context"
	"encoding/json"

	"github.com/menmos/menmos/common/kvstore"
	"github.com/menmos/menmos/errors"
)

const nodeCF = kvstore.CF("nodes")

var (
	nodeKeyPrefix = []byte("n")
	keyInfix      = []byte("/")
)

const recordVersion = byte(1)

// NodeRecord is the persisted portion of a storage node registration.
// Liveness and utilization counters are in-memory only.
type NodeRecord struct {
	ID             string `json:"id"`
	Address        string `json:"address"`
	PublicAddress  string `json:"public_address,omitempty"`
	AvailableBytes uint64 `json:"available_bytes"`
}

type storage struct {
	kvStore kvstore.Store
}

func (s *storage) init() error {
	return s.kvStore.CreateColumn(nodeCF)
}

func (s *storage) Load(ctx context.Context) ([]*NodeRecord, error) {
	var res []*NodeRecord
	err := s.kvStore.List(ctx, nodeCF, nodeKeyPrefix, func(key, value []byte) error {
		if len(value) == 0 || value[0] != recordVersion {
			return errors.New(errors.KindCorrupted, "unknown node record version")
		}
		rec := &NodeRecord{}
		if err := json.Unmarshal(value[1:], rec); err != nil {
			return errors.Wrap(err, errors.KindCorrupted, "undecodable node record")
		}
		res = append(res, rec)
		return nil
	})
	if err != nil {
		if _, ok := err.(*errors.Error); ok {
			return nil, err
		}
		return nil, errors.Storage(err)
	}
	return res, nil
}

func (s *storage) Put(ctx context.Context, rec *NodeRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Storage(err)
	}
	value := append([]byte{recordVersion}, body...)
	if err := s.kvStore.Set(ctx, nodeCF, encodeNodeKey(rec.ID), value); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func (s *storage) Delete(ctx context.Context, nodeID string) error {
	if err := s.kvStore.Delete(ctx, nodeCF, encodeNodeKey(nodeID)); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func encodeNodeKey(nodeID string) []byte {
	key := make([]byte, 0, len(nodeKeyPrefix)+len(keyInfix)+len(nodeID))
	key = append(key, nodeKeyPrefix...)
	key = append(key, keyInfix...)
	key = append(key, nodeID...)
	return key
}

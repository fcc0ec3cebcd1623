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

// Package router tracks storage node membership, liveness and capacity,
// and assigns a home node to every new blob.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/menmos/menmos/common/kvstore"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

const (
	defaultLivenessWindowS    = 30
	defaultRebalanceThreshold = 0.25
)

type Config struct {
	LivenessWindowS    int     `json:"liveness_window_s"`
	RebalanceThreshold float64 `json:"rebalance_threshold"`
}

type Router struct {
	window    time.Duration
	threshold float64

	storage  *storage
	allNodes sync.Map
	inflight sync.Map
}

func NewRouter(ctx context.Context, cfg *Config, kv kvstore.Store) (*Router, error) {
	window := defaultLivenessWindowS
	if cfg.LivenessWindowS > 0 {
		window = cfg.LivenessWindowS
	}
	threshold := cfg.RebalanceThreshold
	if threshold <= 0 {
		threshold = defaultRebalanceThreshold
	}

	r := &Router{
		window:    time.Duration(window) * time.Second,
		threshold: threshold,
		storage:   &storage{kvStore: kv},
	}
	if err := r.storage.init(); err != nil {
		return nil, errors.Storage(err)
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// load restores persisted node records. Restored nodes are not live
// until their first heartbeat.
func (r *Router) load(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	records, err := r.storage.Load(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		r.allNodes.Store(rec.ID, newNode(rec, r.window))
	}
	span.Infof("router loaded %d node records", len(records))
	return nil
}

// Register upserts a storage node. Counters of an already-known node are
// preserved; only the address and capacity are refreshed.
func (r *Router) Register(ctx context.Context, args *proto.RegisterNodeArgs) error {
	if args.ID == "" || args.Address == "" {
		return errors.New(errors.KindBadRequest, "node id and address are required")
	}
	rec := &NodeRecord{
		ID:             args.ID,
		Address:        args.Address,
		PublicAddress:  args.PublicAddress,
		AvailableBytes: args.AvailableBytes,
	}
	if err := r.storage.Put(ctx, rec); err != nil {
		return err
	}

	value, loaded := r.allNodes.LoadOrStore(args.ID, newNode(rec, r.window))
	n := value.(*node)
	if loaded {
		n.update(rec)
	}
	n.touch(args.AvailableBytes)

	trace.SpanFromContextSafe(ctx).Infof("registered node %s at %s", args.ID, args.Address)
	return nil
}

// Heartbeat refreshes liveness and the capacity estimate.
func (r *Router) Heartbeat(ctx context.Context, nodeID string, availableBytes uint64) error {
	value, ok := r.allNodes.Load(nodeID)
	if !ok {
		return errors.ErrNodeNotFound
	}
	value.(*node).touch(availableBytes)
	return nil
}

// PickNode selects the home node for a new blob:
//  1. live nodes with enough advertised capacity,
//  2. among them, nodes already hosting blobs of owner (locality),
//  3. the node with the most available bytes, smallest id on ties.
func (r *Router) PickNode(ctx context.Context, blobSize uint64, owner string) (*proto.Node, error) {
	var eligible []*node
	r.allNodes.Range(func(_, value interface{}) bool {
		n := value.(*node)
		if n.isAlive() && n.availableBytes() >= blobSize {
			eligible = append(eligible, n)
		}
		return true
	})
	if len(eligible) == 0 {
		return nil, errors.ErrNoCapacity
	}

	candidates := eligible[:0:0]
	for _, n := range eligible {
		if n.hostsOwner(owner) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		candidates = eligible
	}

	best := candidates[0]
	for _, n := range candidates[1:] {
		avail, bestAvail := n.availableBytes(), best.availableBytes()
		if avail > bestAvail || (avail == bestAvail && n.id() < best.id()) {
			best = n
		}
	}
	return best.view(), nil
}

// OnWrite accounts a blob landing on nodeID.
func (r *Router) OnWrite(nodeID, owner string, size uint64) {
	if value, ok := r.allNodes.Load(nodeID); ok {
		value.(*node).onWrite(owner, size)
	}
}

// OnDelete accounts a blob leaving nodeID.
func (r *Router) OnDelete(nodeID, owner string, size uint64) {
	if value, ok := r.allNodes.Load(nodeID); ok {
		value.(*node).onDelete(owner, size)
	}
}

// OnResize reconciles the usage estimate when a blob's payload size
// changes without the blob moving.
func (r *Router) OnResize(nodeID string, oldSize, newSize uint64) {
	if value, ok := r.allNodes.Load(nodeID); ok {
		value.(*node).onResize(oldSize, newSize)
	}
}

func (r *Router) GetNode(ctx context.Context, nodeID string) (*proto.Node, error) {
	value, ok := r.allNodes.Load(nodeID)
	if !ok {
		return nil, errors.ErrNodeNotFound
	}
	return value.(*node).view(), nil
}

func (r *Router) ListNodes(ctx context.Context) []*proto.Node {
	var res []*proto.Node
	r.allNodes.Range(func(_, value interface{}) bool {
		res = append(res, value.(*node).view())
		return true
	})
	return res
}

// MarkInFlight reserves blobID for a move. It reports false when the
// blob is already being moved.
func (r *Router) MarkInFlight(blobID string) bool {
	_, loaded := r.inflight.LoadOrStore(blobID, struct{}{})
	return !loaded
}

func (r *Router) ClearInFlight(blobID string) {
	r.inflight.Delete(blobID)
}

func (r *Router) isInFlight(blobID string) bool {
	_, ok := r.inflight.Load(blobID)
	return ok
}

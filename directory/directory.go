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

// Package directory implements the coordinator service: blob lifecycle,
// query evaluation, node coordination and the background reconciliation
// loops. It composes the credential service, metadata store, bitmap
// index and router.
package directory

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/time/rate"

	"github.com/menmos/menmos/auth"
	"github.com/menmos/menmos/client"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/index"
	"github.com/menmos/menmos/metastore"
	"github.com/menmos/menmos/metrics"
	"github.com/menmos/menmos/router"
	"github.com/menmos/menmos/store"
	"github.com/menmos/menmos/util"
)

const (
	defaultOrphanTimeoutS     = 300
	defaultSweepIntervalS     = 60
	defaultRebalanceIntervalS = 300
	defaultFacetTopK          = 10
	defaultNodeTokenTTLS      = 24 * 60 * 60
	defaultOutboundTimeoutS   = 30
	defaultRetryRatePerS      = 16
)

type Config struct {
	OrphanTimeoutS     int `json:"orphan_timeout_s"`
	SweepIntervalS     int `json:"sweep_interval_s"`
	RebalanceIntervalS int `json:"rebalance_interval_s"`
	FacetTopK          int `json:"facet_top_k"`
	LockStripes        int `json:"lock_stripes"`
	NodeTokenTTLS      int `json:"node_token_ttl_s"`
	OutboundTimeoutS   int `json:"outbound_timeout_s"`
	// RetryRatePerS paces payload deletion retries and rebalance orders
	// so a recovering node is not flooded.
	RetryRatePerS int `json:"retry_rate_per_s"`
}

func (cfg *Config) fill() {
	if cfg.OrphanTimeoutS <= 0 {
		cfg.OrphanTimeoutS = defaultOrphanTimeoutS
	}
	if cfg.SweepIntervalS <= 0 {
		cfg.SweepIntervalS = defaultSweepIntervalS
	}
	if cfg.RebalanceIntervalS <= 0 {
		cfg.RebalanceIntervalS = defaultRebalanceIntervalS
	}
	if cfg.FacetTopK <= 0 {
		cfg.FacetTopK = defaultFacetTopK
	}
	if cfg.NodeTokenTTLS <= 0 {
		cfg.NodeTokenTTLS = defaultNodeTokenTTLS
	}
	if cfg.OutboundTimeoutS <= 0 {
		cfg.OutboundTimeoutS = defaultOutboundTimeoutS
	}
	if cfg.RetryRatePerS <= 0 {
		cfg.RetryRatePerS = defaultRetryRatePerS
	}
}

type Deps struct {
	Store  *store.Store
	Meta   *metastore.Store
	Index  *index.Index
	Router *router.Router
	Auth   *auth.Service
	Nodes  client.NodeCaller
}

type Directory struct {
	cfg Config

	st     *store.Store
	meta   *metastore.Store
	idx    *index.Index
	router *router.Router
	auth   *auth.Service
	nodes  client.NodeCaller

	locks     *util.KeyLock
	ancestors *ancestorCache
	retryRate *rate.Limiter

	done chan struct{}
}

// New rebuilds the index and router accounting from the metadata store,
// then starts the background loops.
func New(ctx context.Context, cfg *Config, deps Deps) (*Directory, error) {
	cfg.fill()

	d := &Directory{
		cfg:       *cfg,
		st:        deps.Store,
		meta:      deps.Meta,
		idx:       deps.Index,
		router:    deps.Router,
		auth:      deps.Auth,
		nodes:     deps.Nodes,
		locks:     util.NewKeyLock(cfg.LockStripes),
		retryRate: rate.NewLimiter(rate.Limit(cfg.RetryRatePerS), 1),
		done:      make(chan struct{}),
	}
	d.ancestors = newAncestorCache(d.meta)

	if err := d.rebuild(ctx); err != nil {
		return nil, err
	}
	d.loop()
	return d, nil
}

// rebuild re-derives the bitmap index and the router's usage counters by
// scanning the authoritative store.
func (d *Directory) rebuild(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	parents := make(map[string]string)
	type entry struct {
		id  string
		row uint32
		rec *metastore.BlobRecord
	}
	var entries []entry
	err := d.meta.ScanBlobs(ctx, func(id string, row uint32, rec *metastore.BlobRecord) error {
		parents[id] = rec.Info.Meta.ParentID
		entries = append(entries, entry{id: id, row: row, rec: rec})
		return nil
	})
	if err != nil {
		return err
	}

	closure := make(map[string][]string)
	var closureOf func(id string, trail map[string]bool) ([]string, error)
	closureOf = func(id string, trail map[string]bool) ([]string, error) {
		if anc, ok := closure[id]; ok {
			return anc, nil
		}
		if trail[id] {
			return nil, errors.Newf(errors.KindCorrupted, "parent cycle through blob %s", id)
		}
		trail[id] = true
		parent, ok := parents[id]
		if !ok || parent == "" {
			closure[id] = nil
			return nil, nil
		}
		up, err := closureOf(parent, trail)
		if err != nil {
			return nil, err
		}
		anc := append([]string{parent}, up...)
		closure[id] = anc
		return anc, nil
	}

	for _, e := range entries {
		anc, err := closureOf(e.id, map[string]bool{})
		if err != nil {
			return err
		}
		d.idx.Index(e.row, documentOf(e.rec, anc))

		nodeID, err := d.meta.GetNode(ctx, e.id)
		if err != nil {
			return err
		}
		d.router.OnWrite(nodeID, e.rec.Info.Owner, e.rec.Info.Meta.Size)
	}

	d.publishIndexSize()
	span.Infof("directory rebuilt: %d blobs indexed", len(entries))
	return nil
}

func (d *Directory) Close() {
	close(d.done)
}

// Flush blocks until both KV spaces are durable on disk.
func (d *Directory) Flush(ctx context.Context) error {
	if err := d.st.Flush(ctx); err != nil {
		return errors.Storage(err)
	}
	return nil
}

func (d *Directory) Auth() *auth.Service { return d.auth }

// canAccess reports whether p may act on the blob record.
func canAccess(p auth.Principal, rec *metastore.BlobRecord) bool {
	if p.IsAdmin {
		return true
	}
	return !p.IsNode && p.Username == rec.Info.Owner
}

func documentOf(rec *metastore.BlobRecord, ancestors []string) index.Document {
	return index.Document{
		Owner:     rec.Info.Owner,
		Tags:      rec.Info.Meta.Tags,
		Fields:    rec.Info.Meta.Fields,
		ParentID:  rec.Info.Meta.ParentID,
		Ancestors: ancestors,
	}
}

func (d *Directory) publishIndexSize() {
	metrics.BlobsIndexed.Set(float64(d.idx.Snapshot().Universe().GetCardinality()))
}

func (d *Directory) outboundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(d.cfg.OutboundTimeoutS)*time.Second)
}

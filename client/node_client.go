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

// Package client holds the outbound HTTP client the directory uses to
// order payload operations on storage nodes. Nodes speak a minimal
// PUT/GET/DELETE protocol authenticated by blob grants.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/rpc"

	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

const defaultRequestTimeoutMs = 30 * 1000

// NodeCaller is the directory's view of a storage node.
type NodeCaller interface {
	// DeleteBlob orders the node to drop the payload of blobID.
	DeleteBlob(ctx context.Context, node *proto.Node, blobID, grant string) error
	// TransferBlob orders src to stream blobID to dst and confirm.
	TransferBlob(ctx context.Context, src *proto.Node, blobID string, dst *proto.Node, grant string) error
}

type Config struct {
	RequestTimeoutMs int64 `json:"request_timeout_ms"`
}

type nodeClient struct {
	cli rpc.Client
}

func NewNodeClient(cfg *Config) NodeCaller {
	timeoutMs := cfg.RequestTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultRequestTimeoutMs
	}
	return &nodeClient{
		cli: rpc.NewClient(&rpc.Config{ClientTimeoutMs: timeoutMs}),
	}
}

func (c *nodeClient) DeleteBlob(ctx context.Context, node *proto.Node, blobID, grant string) error {
	reqURL := fmt.Sprintf("%s/blob/%s?token=%s",
		nodeBase(node), url.PathEscape(blobID), url.QueryEscape(grant))
	req, err := http.NewRequest(http.MethodDelete, reqURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageFailure, "building delete request")
	}

	resp, err := c.cli.Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "delete order failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The payload is already gone; the order is satisfied.
		return nil
	case resp.StatusCode >= http.StatusBadRequest:
		return errors.Newf(errors.KindUpstreamUnavailable, "node %s refused delete: %d", node.ID, resp.StatusCode)
	default:
		return nil
	}
}

func (c *nodeClient) TransferBlob(ctx context.Context, src *proto.Node, blobID string, dst *proto.Node, grant string) error {
	reqURL := fmt.Sprintf("%s/blob/%s/transfer", nodeBase(src), url.PathEscape(blobID))
	args := &proto.TransferBlobArgs{
		Destination: dst.RedirectAddress(),
		Grant:       grant,
	}
	if err := c.cli.PostWith(ctx, reqURL, nil, args); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "transfer order failed")
	}
	return nil
}

func nodeBase(node *proto.Node) string {
	return strings.TrimSuffix(node.Address, "/")
}

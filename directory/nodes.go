package directory

import (
	"context"
	"time"

	"github.com/menmos/menmos/auth"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

// RegisterNode admits a storage node into the cluster and hands back the
// identity token it presents on node-facing endpoints. Re-registration
// refreshes the record and the token.
func (d *Directory) RegisterNode(ctx context.Context, p auth.Principal, args *proto.RegisterNodeArgs) (*proto.RegisterNodeResponse, error) {
	if !p.IsAdmin && !(p.IsNode && p.NodeID == args.ID) {
		return nil, errors.ErrForbidden
	}
	if err := d.router.Register(ctx, args); err != nil {
		return nil, err
	}

	token, err := d.auth.IssueNodeToken(args.ID, time.Duration(d.cfg.NodeTokenTTLS)*time.Second)
	if err != nil {
		return nil, err
	}
	return &proto.RegisterNodeResponse{Token: token}, nil
}

// Heartbeat refreshes a node's liveness and capacity.
func (d *Directory) Heartbeat(ctx context.Context, p auth.Principal, args *proto.HeartbeatArgs) error {
	if !p.IsAdmin && !(p.IsNode && p.NodeID == args.ID) {
		return errors.ErrForbidden
	}
	return d.router.Heartbeat(ctx, args.ID, args.AvailableBytes)
}

// ListNodes is admin-only.
func (d *Directory) ListNodes(ctx context.Context, p auth.Principal) (*proto.ListNodesResponse, error) {
	if !p.IsAdmin {
		return nil, errors.ErrForbidden
	}
	return &proto.ListNodesResponse{Nodes: d.router.ListNodes(ctx)}, nil
}

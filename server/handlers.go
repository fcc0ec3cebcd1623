package server

import (
	"github.com/cubefs/cubefs/blobstore/common/rpc"

	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

func (h *HttpServer) Login(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.LoginArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid login body"))
		return
	}
	token, err := h.dir.Auth().IssueSession(ctx, args.Username, args.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(proto.LoginResponse{Token: token})
}

// RegisterUser creates a user account. Admin only.
func (h *HttpServer) RegisterUser(c *rpc.Context) {
	ctx := c.Request.Context()
	if !principalFrom(ctx).IsAdmin {
		respondError(c, errors.ErrForbidden)
		return
	}
	args := new(proto.RegisterUserArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid register body"))
		return
	}
	if err := h.dir.Auth().Register(ctx, args.Username, args.Password, args.IsAdmin); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) CreateBlob(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.CreateBlobArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid blob body"))
		return
	}
	resp, err := h.dir.CreateBlob(ctx, principalFrom(ctx), args)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(resp)
}

func (h *HttpServer) ReadBlob(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.BlobArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.ErrBadArgument)
		return
	}
	resp, err := h.dir.ReadBlob(ctx, principalFrom(ctx), args.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(resp)
}

func (h *HttpServer) OverwriteBlob(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.BlobArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.ErrBadArgument)
		return
	}
	resp, err := h.dir.OverwriteBlob(ctx, principalFrom(ctx), args.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(resp)
}

func (h *HttpServer) DeleteBlob(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.BlobArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.ErrBadArgument)
		return
	}
	if err := h.dir.DeleteBlob(ctx, principalFrom(ctx), args.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) UpdateMeta(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.UpdateMetaArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid metadata body"))
		return
	}
	if err := h.dir.UpdateMeta(ctx, principalFrom(ctx), args); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

// CommitBlob is the upload confirmation reported by the home storage
// node.
func (h *HttpServer) CommitBlob(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.CommitBlobArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid commit body"))
		return
	}
	if err := h.dir.CommitBlob(ctx, principalFrom(ctx), args); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) MoveBlob(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.MoveBlobArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid move body"))
		return
	}
	if err := h.dir.MoveBlob(ctx, principalFrom(ctx), args); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) RegisterNode(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.RegisterNodeArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid node body"))
		return
	}
	resp, err := h.dir.RegisterNode(ctx, principalFrom(ctx), args)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(resp)
}

func (h *HttpServer) ListNodes(c *rpc.Context) {
	ctx := c.Request.Context()
	resp, err := h.dir.ListNodes(ctx, principalFrom(ctx))
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(resp)
}

func (h *HttpServer) Heartbeat(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.HeartbeatArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid heartbeat body"))
		return
	}
	if err := h.dir.Heartbeat(ctx, principalFrom(ctx), args); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) Query(c *rpc.Context) {
	ctx := c.Request.Context()
	args := new(proto.QueryRequest)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, errors.Wrap(err, errors.KindBadRequest, "invalid query body"))
		return
	}
	resp, err := h.dir.Query(ctx, principalFrom(ctx), args)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(resp)
}

// Flush forces a durable sync of both KV spaces. Admin only.
func (h *HttpServer) Flush(c *rpc.Context) {
	ctx := c.Request.Context()
	if !principalFrom(ctx).IsAdmin {
		respondError(c, errors.ErrForbidden)
		return
	}
	if err := h.dir.Flush(ctx); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

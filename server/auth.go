package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/rpc"

	"github.com/menmos/menmos/auth"
	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

type principalKey struct{}

// exemptPaths can be reached without a session token.
var exemptPaths = map[string]struct{}{
	"/auth/login": {},
}

// authMiddleware verifies the bearer token of every non-exempt request
// and stashes the resulting principal in the request context.
func (h *HttpServer) authMiddleware() rpc.ProgressHandler {
	return &authHandler{auth: h.dir.Auth()}
}

type authHandler struct {
	auth *auth.Service
}

func (a *authHandler) Handler(w http.ResponseWriter, req *http.Request, f func(http.ResponseWriter, *http.Request)) {
	if _, ok := exemptPaths[req.URL.Path]; ok {
		f(w, req)
		return
	}

	token := bearerToken(req)
	if token == "" {
		writeError(w, errors.ErrInvalidSession)
		return
	}
	p, err := a.auth.VerifySession(req.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := context.WithValue(req.Context(), principalKey{}, p)
	f(w, req.WithContext(ctx))
}

func bearerToken(req *http.Request) string {
	const prefix = "Bearer "
	header := req.Header.Get("Authorization")
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

// writeError emits the error envelope outside the rpc router, for
// middleware rejections.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.StatusOf(err))
	json.NewEncoder(w).Encode(errorBody(err))
}

func errorBody(err error) proto.ErrorResponse {
	return proto.ErrorResponse{Error: proto.ErrorBody{
		Kind:    string(errors.KindOf(err)),
		Message: err.Error(),
	}}
}

// respondError maps a kinded error onto its HTTP status with the
// documented body shape.
func respondError(c *rpc.Context, err error) {
	c.RespondStatusData(errors.StatusOf(err), errorBody(err))
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/menmos/menmos/metrics"
	"github.com/menmos/menmos/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 60
	defaultWriteResponseTimeoutS = 60
)

type HttpServer struct {
	httpServer *http.Server
	cfg        *Config
	auditLog   auditlog.LogCloser

	*Server
}

func NewHttpServer(server *Server, cfg *Config) *HttpServer {
	return &HttpServer{Server: server, cfg: cfg}
}

func (h *HttpServer) Serve(addr string) {
	middlewares := []rpc.ProgressHandler{h.authMiddleware()}
	if h.cfg.AuditLog.LogDir != "" {
		lh, logFile, err := auditlog.Open("MENMOSD", &h.cfg.AuditLog)
		if err != nil {
			log.Fatal("open audit log:", err)
		}
		h.auditLog = logFile
		middlewares = append([]rpc.ProgressHandler{lh}, middlewares...)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", rpc.MiddlewareHandlerWith(h.newHandler(), middlewares...))

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		var err error
		if h.cfg.CertFile != "" && h.cfg.KeyFile != "" {
			err = httpServer.ListenAndServeTLS(h.cfg.CertFile, h.cfg.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
	if h.auditLog != nil {
		h.auditLog.Close()
	}
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.RegisterArgsParser(&proto.BlobArgs{}, "json")
	rpc.RegisterArgsParser(&proto.UpdateMetaArgs{}, "json")
	rpc.RegisterArgsParser(&proto.CommitBlobArgs{}, "json")
	rpc.RegisterArgsParser(&proto.MoveBlobArgs{}, "json")
	rpc.RegisterArgsParser(&proto.HeartbeatArgs{}, "json")

	rpc.POST("/auth/login", h.Login, rpc.OptArgsBody())
	rpc.POST("/auth/register", h.RegisterUser, rpc.OptArgsBody())

	rpc.POST("/blob", h.CreateBlob, rpc.OptArgsBody())
	rpc.GET("/blob/:id", h.ReadBlob, rpc.OptArgsURI())
	rpc.PUT("/blob/:id", h.OverwriteBlob, rpc.OptArgsURI())
	rpc.DELETE("/blob/:id", h.DeleteBlob, rpc.OptArgsURI())
	rpc.PUT("/blob/:id/metadata", h.UpdateMeta, rpc.OptArgsURI(), rpc.OptArgsBody())
	rpc.POST("/blob/:id/commit", h.CommitBlob, rpc.OptArgsURI(), rpc.OptArgsBody())
	rpc.POST("/blob/:id/move", h.MoveBlob, rpc.OptArgsURI(), rpc.OptArgsBody())

	rpc.POST("/node", h.RegisterNode, rpc.OptArgsBody())
	rpc.GET("/node", h.ListNodes)
	rpc.POST("/node/:id/heartbeat", h.Heartbeat, rpc.OptArgsURI(), rpc.OptArgsBody())

	rpc.POST("/query", h.Query, rpc.OptArgsBody())
	rpc.POST("/flush", h.Flush)

	return rpc.DefaultRouter
}

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

// Package server wires the directory together and exposes it over
// HTTP/JSON.
package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"

	"github.com/menmos/menmos/auth"
	"github.com/menmos/menmos/client"
	"github.com/menmos/menmos/directory"
	"github.com/menmos/menmos/index"
	"github.com/menmos/menmos/metastore"
	"github.com/menmos/menmos/router"
	"github.com/menmos/menmos/store"
)

type Config struct {
	StoreConfig     store.Config     `json:"store_config"`
	AuthConfig      auth.Config      `json:"auth_config"`
	RouterConfig    router.Config    `json:"router_config"`
	DirectoryConfig directory.Config `json:"directory_config"`
	NodeClient      client.Config    `json:"node_client"`
	AuditLog        auditlog.Config  `json:"audit_log"`

	// AdminUsername/AdminPassword bootstrap the admin account on first
	// start.
	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"admin_password"`

	// CertFile/KeyFile enable TLS (and with it HTTP/2) when both are
	// set.
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

type Server struct {
	st  *store.Store
	dir *directory.Directory
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, err
	}

	meta, err := metastore.New(ctx, st.BlobStore())
	if err != nil {
		st.Close()
		return nil, err
	}

	authSvc, err := auth.NewService(&cfg.AuthConfig, meta)
	if err != nil {
		st.Close()
		return nil, err
	}
	if cfg.AdminUsername != "" {
		if err := authSvc.EnsureUser(ctx, cfg.AdminUsername, cfg.AdminPassword, true); err != nil {
			st.Close()
			return nil, err
		}
	}

	rt, err := router.NewRouter(ctx, &cfg.RouterConfig, st.NodeStore())
	if err != nil {
		st.Close()
		return nil, err
	}

	dir, err := directory.New(ctx, &cfg.DirectoryConfig, directory.Deps{
		Store:  st,
		Meta:   meta,
		Index:  index.New(),
		Router: rt,
		Auth:   authSvc,
		Nodes:  client.NewNodeClient(&cfg.NodeClient),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Server{st: st, dir: dir}, nil
}

func (s *Server) Directory() *directory.Directory { return s.dir }

func (s *Server) Close() {
	s.dir.Close()
	s.st.Close()
}

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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	menmoserrors "github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/server"
	"github.com/menmos/menmos/util"
)

const (
	exitCodeConfig  = 2
	exitCodeStorage = 3
)

// Config is the top-level server config loaded from --cfg.
type Config struct {
	server.Config

	BindAddr      string    `json:"bind_addr"`
	HttpBindPort  uint32    `json:"http_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

var handoffPath = flag.String("handoff", "", "path of the handoff file written after a successful bind")

func main() {
	config.Init("cfg", "MENMOSD", "menmosd.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Error(errors.Detail(err))
		os.Exit(exitCodeConfig)
	}
	if err := initConfig(cfg); err != nil {
		log.Error(errors.Detail(err))
		os.Exit(exitCodeConfig)
	}
	log.SetOutputLevel(cfg.LogLevel)

	srv, err := server.NewServer(context.Background(), &cfg.Config)
	if err != nil {
		log.Error(errors.Detail(err))
		if menmoserrors.KindOf(err) == menmoserrors.KindBadRequest {
			os.Exit(exitCodeConfig)
		}
		os.Exit(exitCodeStorage)
	}

	addr := cfg.BindAddr + ":" + strconv.Itoa(int(cfg.HttpBindPort))
	httpServer := server.NewHttpServer(srv, &cfg.Config)
	httpServer.Serve(addr)

	if *handoffPath != "" {
		if err := writeHandoff(*handoffPath, addr); err != nil {
			log.Warnf("writing handoff file failed: %s", err)
		}
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	httpServer.Stop()
	srv.Close()
}

func initConfig(cfg *Config) error {
	if cfg.HttpBindPort == 0 {
		cfg.HttpBindPort = 3030
	}
	if cfg.StoreConfig.Path == "" {
		cfg.StoreConfig.Path = "./run/store"
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.BindAddr == "" {
		ip, err := util.GetLocalIp()
		if err != nil {
			return errors.Info(err, "can not determine a bind address, set bind_addr")
		}
		cfg.BindAddr = ip
	}
	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin"
	}
	if cfg.AdminPassword == "" {
		return errors.New("admin_password must be set")
	}
	return nil
}

// writeHandoff records the process identity for supervised restarts.
func writeHandoff(path, addr string) error {
	body, err := json.Marshal(map[string]interface{}{
		"pid":       os.Getpid(),
		"http_addr": addr,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

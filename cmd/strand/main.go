// Copyright 2024-2026 The Strand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command strand runs proxy workers from command-line flags. Exit codes:
// 0 on a clean stop, 1 on a configuration error, 2 on a runtime fatal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/strandproxy/strand"
	"github.com/strandproxy/strand/admin"
	"github.com/strandproxy/strand/config"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listen      = flag.String("listen", "0.0.0.0:8080", "frontend listen address")
		servers     = flag.String("servers", "", "comma-separated backend server addresses")
		balanceAlg  = flag.String("balance", "roundrobin", "balance algorithm: roundrobin, leastconn, source, static-rr")
		maxconn     = flag.Int("maxconn", 0, "frontend maxconn (0 = unlimited)")
		srvMaxconn  = flag.Int("server-maxconn", 0, "per-server maxconn (0 = unlimited)")
		rateLimit   = flag.Int("rate-limit", 0, "sessions per second (0 = unlimited)")
		retries     = flag.Int("retries", 3, "connect retries")
		redispatch  = flag.Bool("redispatch", true, "allow the last retry on another server")
		workers     = flag.Int("workers", 1, "number of shared-nothing workers")
		grace       = flag.Duration("grace", time.Second, "drain period after a soft stop")
		timeoutCli  = flag.Duration("timeout-client", time.Minute, "client inactivity timeout")
		timeoutSrv  = flag.Duration("timeout-server", time.Minute, "server inactivity timeout")
		timeoutConn = flag.Duration("timeout-connect", 5*time.Second, "connect timeout")
		timeoutQue  = flag.Duration("timeout-queue", 10*time.Second, "queue timeout")
		adminSocket = flag.String("admin-socket", "", "admin Unix socket path")
		adminHTTP   = flag.String("admin-http", "", "admin HTTP listen address")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	cfg, err := buildConfig(*listen, *servers, *balanceAlg, *maxconn, *srvMaxconn,
		*rateLimit, *retries, *redispatch, *grace,
		config.Timeouts{
			Client:  *timeoutCli,
			Server:  *timeoutSrv,
			Connect: *timeoutConn,
			Queue:   *timeoutQue,
		}, *adminSocket, *adminHTTP)
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		return 1
	}

	if *workers < 1 {
		*workers = 1
	}

	group, ctx := errgroup.WithContext(context.Background())
	var first *strand.Worker
	for i := 0; i < *workers; i++ {
		w, err := strand.NewWorker(cfg, strand.Options{
			Log: log.With().Int("worker", i).Logger(),
		})
		if err != nil {
			log.Error().Err(err).Msg("configuration error")
			return 1
		}
		if err := w.Start(); err != nil {
			log.Error().Err(err).Msg("cannot bind listeners")
			return 1
		}
		uninstall := w.InstallSignals()
		defer uninstall()
		if first == nil {
			first = w
		}
		group.Go(w.Run)
	}

	if cfg.AdminSocket != "" || cfg.AdminHTTP != "" {
		applet := admin.New(first, log.With().Str("applet", "admin").Logger())
		group.Go(func() error {
			return applet.Serve(ctx, cfg.AdminSocket, cfg.AdminHTTP)
		})
	}

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("runtime fatal")
		return 2
	}
	return 0
}

func buildConfig(listen, servers, balanceAlg string, maxconn, srvMaxconn,
	rateLimit, retries int, redispatch bool, grace time.Duration,
	timeouts config.Timeouts, adminSocket, adminHTTP string,
) (*config.Config, error) {
	if servers == "" {
		return nil, fmt.Errorf("no backend servers given (-servers)")
	}
	be := config.Backend{
		Name:       "default",
		Balance:    config.Balance(balanceAlg),
		Retries:    retries,
		Redispatch: redispatch,
		Timeouts:   timeouts,
	}
	for i, addr := range strings.Split(servers, ",") {
		be.Servers = append(be.Servers, config.Server{
			Name:    fmt.Sprintf("srv%d", i+1),
			Addr:    strings.TrimSpace(addr),
			Maxconn: srvMaxconn,
		})
	}
	cfg := &config.Config{
		Frontends: []config.Frontend{{
			Name:           "main",
			Bind:           []string{listen},
			Maxconn:        maxconn,
			RateLimit:      rateLimit,
			DefaultBackend: "default",
			Timeouts:       config.Timeouts{Client: timeouts.Client},
		}},
		Backends:    []config.Backend{be},
		Grace:       grace,
		AdminSocket: adminSocket,
		AdminHTTP:   adminHTTP,
	}
	return cfg, cfg.Validate()
}

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

// Package admin serves the runtime pool-management commands over a Unix
// socket (line protocol) and an optional HTTP endpoint (JSON, with
// cleartext HTTP/2). Command execution is posted onto the worker's
// scheduler, so every mutation lands between two loop iterations and
// never interleaves with a server selection.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/strandproxy/strand/config"
	"github.com/strandproxy/strand/proxy"
	"github.com/strandproxy/strand/sched"
)

// Version is the admin API version string.
const Version = "strand/1.0"

// callTimeout bounds how long a command waits for the event loop.
const callTimeout = 5 * time.Second

// Core is the worker surface the applet drives.
type Core interface {
	Backend(name string) *proxy.Proxy
	Scheduler() *sched.Scheduler
}

// Errors surfaced to clients.
var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrUnknownServer  = errors.New("unknown server")
	ErrNotSupported   = errors.New("not supported")
	errLoopBusy       = errors.New("event loop did not answer in time")
)

// Applet executes admin commands against a worker.
type Applet struct {
	core Core
	log  zerolog.Logger
}

// New returns an applet bound to core.
func New(core Core, log zerolog.Logger) *Applet {
	return &Applet{core: core, log: log}
}

// call runs fn on the event loop and waits for its result.
func call[T any](a *Applet, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	a.core.Scheduler().Post(func() {
		v, err := fn()
		ch <- result{v, err}
	})
	select {
	case res := <-ch:
		return res.v, res.err
	case <-time.After(callTimeout):
		var zero T
		return zero, errLoopBusy
	}
}

// AddServerRequest is the pool.add parameter set.
type AddServerRequest struct {
	Backend   string        `json:"backend"`
	Name      string        `json:"name"`
	Addr      string        `json:"addr"`
	Port      int           `json:"port,omitempty"`
	Weight    int           `json:"weight,omitempty"`
	Maxconn   int           `json:"maxconn,omitempty"`
	Backup    bool          `json:"backup,omitempty"`
	Disabled  bool          `json:"disabled,omitempty"`
	Check     bool          `json:"check,omitempty"`
	CheckAddr string        `json:"check_addr,omitempty"`
	CheckPort int           `json:"check_port,omitempty"`
	Inter     time.Duration `json:"inter,omitempty"`
	Rise      int           `json:"rise,omitempty"`
	Fall      int           `json:"fall,omitempty"`
}

// ServerStatus is the pool.status / pool.contents row.
type ServerStatus struct {
	Backend string `json:"backend"`
	Name    string `json:"name"`
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	State   string `json:"state"`
	Weight  int    `json:"weight"`
	Served  int    `json:"served"`
	Pending int    `json:"pending"`
	Backup  bool   `json:"backup"`
}

func (a *Applet) backend(name string) (*proxy.Proxy, error) {
	be := a.core.Backend(name)
	if be == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return be, nil
}

func (a *Applet) server(backend, name string) (*proxy.Server, error) {
	be, err := a.backend(backend)
	if err != nil {
		return nil, err
	}
	srv := be.FindServer(name)
	if srv == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownServer, backend, name)
	}
	return srv, nil
}

func status(srv *proxy.Server) ServerStatus {
	return ServerStatus{
		Backend: srv.Backend.Name,
		Name:    srv.Name,
		ID:      srv.ID.String(),
		Addr:    srv.Addr,
		State:   srv.State.String(),
		Weight:  srv.Weight(),
		Served:  srv.Served(),
		Pending: srv.NbPend(),
		Backup:  srv.Backup(),
	}
}

// PoolAdd adds a server to a running backend and puts it in rotation
// unless it starts disabled.
func (a *Applet) PoolAdd(req AddServerRequest) (ServerStatus, error) {
	return call(a, func() (ServerStatus, error) {
		be, err := a.backend(req.Backend)
		if err != nil {
			return ServerStatus{}, err
		}
		addr := req.Addr
		if req.Port != 0 {
			addr = fmt.Sprintf("%s:%d", req.Addr, req.Port)
		}
		srv, err := be.AddServer(&config.Server{
			Name:     req.Name,
			Addr:     addr,
			Weight:   req.Weight,
			Maxconn:  req.Maxconn,
			Backup:   req.Backup,
			Disabled: req.Disabled,
			Check: config.Check{
				Enabled: req.Check,
				Addr:    req.CheckAddr,
				Port:    req.CheckPort,
				Inter:   req.Inter,
				Rise:    req.Rise,
				Fall:    req.Fall,
			},
		})
		if err != nil {
			return ServerStatus{}, err
		}
		if !req.Disabled {
			srv.SetState(proxy.SrvRunning)
		}
		a.log.Info().Str("backend", be.Name).Str("server", srv.Name).
			Str("addr", srv.Addr).Msg("server added")
		return status(srv), nil
	})
}

// PoolRemove is documented but deliberately refused: removing a server
// under live traffic needs a quiesce protocol this core does not have
// yet. Disable the server instead.
func (a *Applet) PoolRemove(_, _ string) error {
	return fmt.Errorf("pool.remove: %w (disable the server instead)", ErrNotSupported)
}

// PoolDisable puts a server in maintenance.
func (a *Applet) PoolDisable(backend, name string) (ServerStatus, error) {
	return call(a, func() (ServerStatus, error) {
		srv, err := a.server(backend, name)
		if err != nil {
			return ServerStatus{}, err
		}
		srv.SetState(proxy.SrvMaintenance)
		return status(srv), nil
	})
}

// PoolEnable returns a server to the rotation.
func (a *Applet) PoolEnable(backend, name string) (ServerStatus, error) {
	return call(a, func() (ServerStatus, error) {
		srv, err := a.server(backend, name)
		if err != nil {
			return ServerStatus{}, err
		}
		srv.SetState(proxy.SrvRunning)
		return status(srv), nil
	})
}

// PoolWeight re-weights a server.
func (a *Applet) PoolWeight(backend, name string, weight int) (ServerStatus, error) {
	return call(a, func() (ServerStatus, error) {
		srv, err := a.server(backend, name)
		if err != nil {
			return ServerStatus{}, err
		}
		srv.SetWeight(weight)
		return status(srv), nil
	})
}

// PoolStatus reports one server.
func (a *Applet) PoolStatus(backend, name string) (ServerStatus, error) {
	return call(a, func() (ServerStatus, error) {
		srv, err := a.server(backend, name)
		if err != nil {
			return ServerStatus{}, err
		}
		return status(srv), nil
	})
}

// PoolContents enumerates a backend's servers.
func (a *Applet) PoolContents(backend string) ([]ServerStatus, error) {
	return call(a, func() ([]ServerStatus, error) {
		be, err := a.backend(backend)
		if err != nil {
			return nil, err
		}
		out := make([]ServerStatus, 0, len(be.Servers))
		for _, srv := range be.Servers {
			out = append(out, status(srv))
		}
		return out, nil
	})
}

// Serve runs the configured admin surfaces until ctx is cancelled.
func (a *Applet) Serve(ctx context.Context, socketPath, httpAddr string) error {
	return a.serve(ctx, socketPath, httpAddr)
}

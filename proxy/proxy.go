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

// Package proxy holds the traffic data model: proxies (frontend and
// backend capabilities), servers, listeners, admission queues and
// per-proxy counters. The session package drives these objects; the
// balance package orders the servers.
package proxy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/strandproxy/strand/balance"
	"github.com/strandproxy/strand/config"
	"github.com/strandproxy/strand/internal"
	"github.com/strandproxy/strand/tick"
)

// Caps tells which sides a proxy implements. A listen-style proxy has
// both.
type Caps uint8

// Capability bits.
const (
	CapFE Caps = 1 << iota
	CapBE
)

// PxState is a proxy's lifecycle state.
type PxState uint8

// Proxy states.
const (
	PxReady PxState = iota
	PxPaused
	PxStopped
)

// Counters aggregates per-proxy statistics, including the denial
// counters surfaced by the stats interfaces.
type Counters struct {
	CumConn      int64 // connections accepted (frontend)
	CumSess      int64 // sessions fully set up
	DeniedReq    int64
	DeniedResp   int64
	DeniedConn   int64
	FailedConns  int64
	FailedResp   int64
	RetryWarns   int64
	Redispatches int64
}

// Proxy is one frontend, one backend, or both. All mutation happens on
// the owning worker's goroutine.
type Proxy struct {
	Name  string
	Caps  Caps
	State PxState

	// frontend side
	Maxconn      int
	FeConn       int
	RateLimit    int
	rate         freqCounter
	Listeners    []*Listener
	ConnRules    []config.Rule
	ContentRules []config.Rule
	SwitchRules  []config.SwitchRule
	InspectDelay time.Duration
	// DefaultBackend receives sessions no switching rule claimed.
	DefaultBackend *Proxy

	// backend side
	BeConn             int
	Fullconn           int
	Retries            int
	Redispatch         bool
	IndependentStreams bool
	RespContentRules   []config.Rule
	RespInspectDelay   time.Duration
	Timeouts           config.Timeouts
	LB                 *balance.Discipline
	Servers            []*Server
	queue              pendList
	TotPend            int
	MaxTotPend         int

	Counters Counters
	ErrSnap  ErrSnapshots

	// StopTime is the drain deadline armed by a soft stop; sessions
	// still open past it are killed.
	StopTime tick.Tick

	nextSrvID uint32
}

// NewBackend builds a backend proxy from its configuration.
func NewBackend(cfg *config.Backend, clock internal.Clock) (*Proxy, error) {
	var kind balance.Kind
	switch cfg.Balance {
	case config.BalanceRoundRobin, "":
		kind = balance.RoundRobin
	case config.BalanceLeastConn:
		kind = balance.LeastConn
	case config.BalanceSource, config.BalanceURI:
		kind = balance.ConsistentHash
	case config.BalanceStaticRR:
		kind = balance.StaticRR
	default:
		return nil, fmt.Errorf("backend %s: unknown balance algorithm %q", cfg.Name, cfg.Balance)
	}

	px := &Proxy{
		Name:               cfg.Name,
		Caps:               CapBE,
		Fullconn:           cfg.Fullconn,
		Retries:            cfg.Retries,
		Redispatch:         cfg.Redispatch,
		IndependentStreams: cfg.IndependentStreams,
		RespContentRules:   cfg.RespContentRules,
		RespInspectDelay:   cfg.RespInspectDelay,
		Timeouts:           cfg.Timeouts,
		LB:                 balance.New(kind, cfg.AllBackups),
		StopTime:           tick.Eternity,
	}
	px.rate.clock = clock
	for i := range cfg.Servers {
		if _, err := px.AddServer(&cfg.Servers[i]); err != nil {
			return nil, err
		}
	}
	px.LB.Init()
	return px, nil
}

// NewFrontend builds a frontend proxy from its configuration. Listener
// sockets are bound separately by the worker.
func NewFrontend(cfg *config.Frontend, clock internal.Clock) *Proxy {
	px := &Proxy{
		Name:         cfg.Name,
		Caps:         CapFE,
		Maxconn:      cfg.Maxconn,
		RateLimit:    cfg.RateLimit,
		ConnRules:    cfg.ConnRules,
		ContentRules: cfg.ContentRules,
		SwitchRules:  cfg.SwitchRules,
		InspectDelay: cfg.InspectDelay,
		Timeouts:     cfg.Timeouts,
		StopTime:     tick.Eternity,
	}
	px.rate.clock = clock
	for _, addr := range cfg.Bind {
		px.Listeners = append(px.Listeners, &Listener{Addr: addr, Frontend: px})
	}
	return px
}

// AddServer creates a server from its configuration and registers it
// with the discipline. Runtime additions must follow with SetState or
// ServerUp to enter the rotation.
func (px *Proxy) AddServer(cfg *config.Server) (*Server, error) {
	if px.FindServer(cfg.Name) != nil {
		return nil, fmt.Errorf("backend %s: duplicate server %q", px.Name, cfg.Name)
	}
	weight := cfg.Weight
	if weight == 0 {
		weight = 1
	}
	if weight < 0 || weight > balance.UweightMax {
		return nil, fmt.Errorf("backend %s: server %s: weight %d out of range", px.Name, cfg.Name, weight)
	}
	px.nextSrvID++
	srv := &Server{
		Name:    cfg.Name,
		ID:      uuid.New(),
		Addr:    cfg.Addr,
		Backend: px,
		Maxconn: cfg.Maxconn,
		Check:   cfg.Check,
	}
	srv.node.ID = px.nextSrvID
	srv.node.Uweight = weight
	srv.node.Backup = cfg.Backup
	if cfg.Disabled {
		srv.State = SrvMaintenance
	} else {
		srv.State = SrvRunning
		srv.node.Running = true
	}
	px.Servers = append(px.Servers, srv)
	px.LB.AddServer(srv)
	return srv, nil
}

// FindServer returns the named server, or nil.
func (px *Proxy) FindServer(name string) *Server {
	for _, srv := range px.Servers {
		if srv.Name == name {
			return srv
		}
	}
	return nil
}

// SessRate returns the frontend's current session rate (sessions per
// second over a sliding window).
func (px *Proxy) SessRate() int {
	return px.rate.read()
}

// CountAccept accounts one accepted connection against the frontend's
// counters and rate window.
func (px *Proxy) CountAccept() {
	px.FeConn++
	px.Counters.CumConn++
	px.rate.add(1)
}

// ReleaseFe accounts one frontend connection closed.
func (px *Proxy) ReleaseFe() {
	if px.FeConn > 0 {
		px.FeConn--
	}
}

// RateLimited reports whether accepting another session now would exceed
// the configured rate limit.
func (px *Proxy) RateLimited() bool {
	return px.RateLimit > 0 && px.rate.read() >= px.RateLimit
}

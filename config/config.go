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

// Package config defines the parsed configuration consumed by the proxy
// core. Producing it — from a file, flags or an API — is the caller's
// business; the core only validates and runs it.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Balance names a load-balancing algorithm.
type Balance string

// Supported algorithms.
const (
	BalanceRoundRobin Balance = "roundrobin"
	BalanceLeastConn  Balance = "leastconn"
	BalanceSource     Balance = "source"
	BalanceURI        Balance = "uri"
	BalanceStaticRR   Balance = "static-rr"
)

// Timeouts groups every timer the core arms. Zero means no timeout.
type Timeouts struct {
	Client  time.Duration // inactivity on the client side
	Server  time.Duration // inactivity on the server side
	Connect time.Duration // server connect() completion
	Queue   time.Duration // time allowed in a pending queue
	Tarpit  time.Duration // how long a tarpitted request is held
	Check   time.Duration // health-check probe timeout
}

// Check is a server's health-check parameterisation. The core does not
// probe; an external check driver consumes these and feeds the resulting
// state transitions back through the server's SetState hook.
type Check struct {
	Enabled bool
	Addr    string // probe address; empty = server address
	Port    int    // probe port; 0 = server port
	Inter   time.Duration
	Rise    int
	Fall    int
}

// Server is one backend member.
type Server struct {
	Name     string
	Addr     string // host:port
	Weight   int    // 0..256, default 1
	Maxconn  int    // 0 = unlimited
	Backup   bool
	Disabled bool // starts in maintenance
	Check    Check
}

// RuleVerdict is the action of a matching inspection rule.
type RuleVerdict string

// Rule actions.
const (
	RuleAccept RuleVerdict = "accept"
	RuleReject RuleVerdict = "reject"
	RuleTarpit RuleVerdict = "tarpit"
)

// Rule is one tcp-request inspection rule: a named condition evaluated at
// connection time (layer 4) or against buffered content (layer 7).
type Rule struct {
	Action RuleVerdict
	// Match is the condition name understood by the rules package, e.g.
	// "src", "payload", "req_len". Empty matches unconditionally.
	Match string
	// Arg parameterises the condition (a CIDR, a prefix, a length).
	Arg string
	// Negate inverts the condition.
	Negate bool
}

// SwitchRule routes a session to a backend when its condition matches.
// Conditions are the same as inspection-rule conditions.
type SwitchRule struct {
	Backend string
	Match   string
	Arg     string
	Negate  bool
}

// Frontend accepts client connections.
type Frontend struct {
	Name    string
	Bind    []string // listen addresses, host:port
	Maxconn int
	// RateLimit caps accepted sessions per second; 0 disables.
	RateLimit int
	// DefaultBackend names the backend used when no switching rule
	// matches.
	DefaultBackend string
	// SwitchRules pick a backend from request content; first match wins.
	SwitchRules []SwitchRule
	// ConnRules run at accept time, before any data.
	ConnRules []Rule
	// ContentRules run against request content, re-evaluated as data
	// arrives until InspectDelay expires.
	ContentRules []Rule
	InspectDelay time.Duration
	// Timeouts: only the client-side members apply to a frontend.
	Timeouts Timeouts
}

// Backend is a pool of servers.
type Backend struct {
	Name    string
	Balance Balance
	Servers []Server
	// Fullconn tunes the dynamic maxconn ramp; 0 disables ramping.
	Fullconn int
	// Retries is the number of connect attempts after the first failure.
	Retries int
	// Redispatch allows the last retry to pick a different server.
	Redispatch bool
	// AllBackups balances across every usable backup server instead of
	// only the first.
	AllBackups bool
	// IndependentStreams stops write activity from refreshing the peer
	// side's read timeout.
	IndependentStreams bool
	// RespContentRules inspect the server's response before the first
	// bytes reach the client, re-evaluated as data arrives until
	// RespInspectDelay expires.
	RespContentRules []Rule
	RespInspectDelay time.Duration
	Timeouts         Timeouts
}

// Config is a complete core configuration.
type Config struct {
	Frontends []Frontend
	Backends  []Backend
	// Grace is how long sessions may drain after a soft stop.
	Grace time.Duration
	// AdminSocket is the Unix socket path of the admin applet; empty
	// disables it.
	AdminSocket string
	// AdminHTTP is the listen address of the HTTP admin endpoint; empty
	// disables it.
	AdminHTTP string
}

var (
	errNoFrontend = errors.New("config: no frontend defined")
	errNoBackend  = errors.New("config: no backend defined")
)

// Validate checks cross-references and ranges. It returns the first
// problem found; a failed validation is a configuration error (exit
// status 1), never a runtime fatal.
func (c *Config) Validate() error {
	if len(c.Frontends) == 0 {
		return errNoFrontend
	}
	if len(c.Backends) == 0 {
		return errNoBackend
	}
	backends := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		be := &c.Backends[i]
		if backends[be.Name] {
			return fmt.Errorf("config: duplicate backend %q", be.Name)
		}
		backends[be.Name] = true
		for j := range be.Servers {
			srv := &be.Servers[j]
			if srv.Weight < 0 || srv.Weight > 256 {
				return fmt.Errorf("config: server %s/%s: weight %d out of range 0..256",
					be.Name, srv.Name, srv.Weight)
			}
			if srv.Addr == "" {
				return fmt.Errorf("config: server %s/%s: missing address", be.Name, srv.Name)
			}
		}
	}
	for i := range c.Frontends {
		fe := &c.Frontends[i]
		if len(fe.Bind) == 0 {
			return fmt.Errorf("config: frontend %q binds no address", fe.Name)
		}
		if fe.DefaultBackend != "" && !backends[fe.DefaultBackend] {
			return fmt.Errorf("config: frontend %q: unknown default backend %q",
				fe.Name, fe.DefaultBackend)
		}
		for _, sw := range fe.SwitchRules {
			if !backends[sw.Backend] {
				return fmt.Errorf("config: frontend %q: switch rule targets unknown backend %q",
					fe.Name, sw.Backend)
			}
		}
	}
	return nil
}

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

package proxy_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/strandproxy/strand/config"
	"github.com/strandproxy/strand/internal"
	"github.com/strandproxy/strand/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, cfg config.Backend) *proxy.Proxy {
	t.Helper()
	px, err := proxy.NewBackend(&cfg, internal.NewRealClock())
	require.NoError(t, err)
	return px
}

func TestDynamicMaxconn(t *testing.T) {
	t.Parallel()

	px := testBackend(t, config.Backend{
		Name:     "be",
		Fullconn: 100,
		Servers:  []config.Server{{Name: "s1", Addr: "127.0.0.1:8080", Maxconn: 50}},
	})
	srv := px.FindServer("s1")
	require.NotNil(t, srv)

	// ramp: below fullconn the ceiling scales with backend load
	px.BeConn = 0
	assert.Equal(t, 1, srv.DynamicMaxconn())
	px.BeConn = 10
	assert.Equal(t, 5, srv.DynamicMaxconn())
	px.BeConn = 100
	assert.Equal(t, 50, srv.DynamicMaxconn())
	px.BeConn = 500
	assert.Equal(t, 50, srv.DynamicMaxconn())
}

func TestDynamicMaxconnNoFullconn(t *testing.T) {
	t.Parallel()

	px := testBackend(t, config.Backend{
		Name:    "be",
		Servers: []config.Server{{Name: "s1", Addr: "127.0.0.1:8080", Maxconn: 3}},
	})
	srv := px.FindServer("s1")
	assert.Equal(t, 3, srv.DynamicMaxconn())
	srvNoCap := &proxy.Server{Backend: px}
	assert.Equal(t, 0, srvNoCap.DynamicMaxconn())
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	px := testBackend(t, config.Backend{
		Name:    "be",
		Servers: []config.Server{{Name: "s1", Addr: "127.0.0.1:8080", Maxconn: 1}},
	})
	srv := px.FindServer("s1")

	// one in flight, three queued
	srv.TakeConn()
	assert.True(t, srv.IsFull())

	var order []string
	waiters := make([]*fifoSess, 3)
	for i, name := range []string{"first", "second", "third"} {
		waiters[i] = &fifoSess{name: name, order: &order}
		proxy.PendAdd(waiters[i], px, srv)
	}
	assert.Equal(t, 3, srv.NbPend())
	assert.Equal(t, 3, px.TotPend)

	// each release promotes exactly one, in arrival order
	srv.DropConn()
	assert.Equal(t, []string{"first"}, order)
	srv.DropConn()
	assert.Equal(t, []string{"first", "second"}, order)
	srv.DropConn()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Zero(t, srv.NbPend())
	assert.Zero(t, px.TotPend)
}

// fifoSess synchronously accounts its slot, as the Queued contract
// requires.
type fifoSess struct {
	name     string
	order    *[]string
	assigned *proxy.Server
}

func (q *fifoSess) PendingAssigned(srv *proxy.Server) {
	q.assigned = srv
	srv.TakeConn()
	*q.order = append(*q.order, q.name)
}

func TestQueueRemoveOnAbort(t *testing.T) {
	t.Parallel()

	px := testBackend(t, config.Backend{
		Name:    "be",
		Servers: []config.Server{{Name: "s1", Addr: "127.0.0.1:8080", Maxconn: 1}},
	})
	srv := px.FindServer("s1")
	srv.TakeConn()

	var order []string
	first := &fifoSess{name: "first", order: &order}
	second := &fifoSess{name: "second", order: &order}
	pcFirst := proxy.PendAdd(first, px, srv)
	proxy.PendAdd(second, px, srv)

	// the aborted session never gets promoted
	pcFirst.Remove()
	pcFirst.Remove() // idempotent
	assert.Equal(t, 1, px.TotPend)

	srv.DropConn()
	assert.Equal(t, []string{"second"}, order)
}

func TestBackendQueuePromotes(t *testing.T) {
	t.Parallel()

	px := testBackend(t, config.Backend{
		Name:    "be",
		Servers: []config.Server{{Name: "s1", Addr: "127.0.0.1:8080", Maxconn: 1}},
	})
	srv := px.FindServer("s1")
	srv.TakeConn()

	var order []string
	w := &fifoSess{name: "unassigned", order: &order}
	proxy.PendAdd(w, px, nil) // backend-level queue, no server chosen
	assert.Equal(t, 1, px.TotPend)

	srv.DropConn()
	assert.Same(t, srv, w.assigned)
	assert.Zero(t, px.TotPend)
}

func TestServerStateTransitions(t *testing.T) {
	t.Parallel()

	px := testBackend(t, config.Backend{
		Name: "be",
		Servers: []config.Server{
			{Name: "s1", Addr: "127.0.0.1:8080"},
			{Name: "s2", Addr: "127.0.0.1:8081"},
		},
	})
	srv := px.FindServer("s1")
	assert.Equal(t, 2, px.LB.ActiveServers())

	srv.SetState(proxy.SrvMaintenance)
	assert.False(t, srv.Usable())
	assert.Equal(t, 1, px.LB.ActiveServers())

	// redundant transition is harmless
	srv.SetState(proxy.SrvDownByCheck)
	assert.Equal(t, 1, px.LB.ActiveServers())

	srv.SetState(proxy.SrvRunning)
	assert.Equal(t, 2, px.LB.ActiveServers())
}

func TestDisabledServerStartsInMaintenance(t *testing.T) {
	t.Parallel()

	px := testBackend(t, config.Backend{
		Name: "be",
		Servers: []config.Server{
			{Name: "s1", Addr: "127.0.0.1:8080", Disabled: true},
			{Name: "s2", Addr: "127.0.0.1:8081"},
		},
	})
	assert.Equal(t, proxy.SrvMaintenance, px.FindServer("s1").State)
	assert.Equal(t, 1, px.LB.ActiveServers())
}

func TestSessionRate(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	fe := proxy.NewFrontend(&config.Frontend{
		Name:      "fe",
		Bind:      []string{"127.0.0.1:9000"},
		RateLimit: 10,
	}, clock)

	for i := 0; i < 10; i++ {
		fe.CountAccept()
	}
	assert.True(t, fe.RateLimited())

	// once the window has rolled fully past, accepting resumes
	clock.Advance(2500 * time.Millisecond)
	assert.False(t, fe.RateLimited())
	assert.Equal(t, 10, fe.FeConn)
}

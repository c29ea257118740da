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

// Package strand is an event-driven L4 reverse proxy and load balancer
// core. One [Worker] multiplexes thousands of connections on a single
// goroutine: a poller reports descriptor readiness, a cooperative
// scheduler runs session tasks, and a per-backend balancer picks servers
// under weighted round-robin, weighted least-connections, consistent
// hashing or a static map.
//
// The worker owns everything it touches — descriptor table, proxies,
// counters — so no locking exists on the traffic path. Scaling across
// cores means running several workers on SO_REUSEPORT listeners; they
// share nothing.
//
// To run a proxy, build a [config.Config], create a worker with
// [NewWorker], bind with [Worker.Start] and enter [Worker.Run]. Process
// signals map to [Worker.SoftStop], [Worker.HardStop], [Worker.Pause]
// and [Worker.Resume]; see [Worker.InstallSignals]. An optional admin
// applet (package admin) mutates server pools at runtime through the
// scheduler, so transitions land between two loop iterations, never in
// the middle of a selection.
package strand

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

package strand

import (
	"os"
	"os/signal"
	"syscall"
)

// InstallSignals wires the process control signals to the worker:
//
//	SIGUSR1  graceful stop (drain, then exit)
//	SIGTTOU  pause listeners (hot-reload handover)
//	SIGTTIN  resume listeners
//	SIGTERM  hard stop (close everything now)
//
// Delivery is deferred: the runtime hands the signal to a channel
// goroutine, which records it on the scheduler; the actual handler runs
// in the loop's signal pass, between two iterations. Returns an
// uninstall function.
func (w *Worker) InstallSignals() func() {
	w.sch.RegisterSignal(syscall.SIGUSR1, func() { w.softStop() })
	w.sch.RegisterSignal(syscall.SIGTERM, func() {
		w.stopping = true
		w.unbindAll()
		w.killAll()
	})
	w.sch.RegisterSignal(syscall.SIGTTOU, func() {
		for _, fe := range w.frontends {
			for _, l := range fe.Listeners {
				l.Pause()
			}
		}
	})
	w.sch.RegisterSignal(syscall.SIGTTIN, func() {
		if w.stopping {
			return
		}
		for _, fe := range w.frontends {
			for _, l := range fe.Listeners {
				l.Resume()
			}
		}
	})

	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGTTOU, syscall.SIGTTIN)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				w.sch.Deliver(sig)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

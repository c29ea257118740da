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

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// serve runs the Unix-socket listener and the HTTP endpoint, whichever
// are configured, until ctx is cancelled.
func (a *Applet) serve(ctx context.Context, socketPath, httpAddr string) error {
	group, ctx := errgroup.WithContext(ctx)

	if socketPath != "" {
		_ = os.Remove(socketPath)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return err
		}
		group.Go(func() error {
			<-ctx.Done()
			ln.Close()
			os.Remove(socketPath)
			return nil
		})
		group.Go(func() error {
			for {
				conn, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				go func() {
					defer conn.Close()
					a.serveConn(conn)
				}()
			}
		})
	}

	if httpAddr != "" {
		// h2c lets command-line HTTP/2 clients hit the endpoint without
		// TLS, which the admin surface does not carry.
		server := &http.Server{
			Addr:              httpAddr,
			Handler:           h2c.NewHandler(a.httpMux(), &http2.Server{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return server.Shutdown(shutCtx)
		})
		group.Go(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	return group.Wait()
}

func (a *Applet) httpMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	mux.HandleFunc("POST /admin/v1/pool/add", func(w http.ResponseWriter, r *http.Request) {
		var req AddServerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		st, err := a.PoolAdd(req)
		writeResult(w, st, err)
	})

	mux.HandleFunc("POST /admin/v1/pool/disable", func(w http.ResponseWriter, r *http.Request) {
		be, srv := r.URL.Query().Get("backend"), r.URL.Query().Get("server")
		st, err := a.PoolDisable(be, srv)
		writeResult(w, st, err)
	})

	mux.HandleFunc("POST /admin/v1/pool/enable", func(w http.ResponseWriter, r *http.Request) {
		be, srv := r.URL.Query().Get("backend"), r.URL.Query().Get("server")
		st, err := a.PoolEnable(be, srv)
		writeResult(w, st, err)
	})

	mux.HandleFunc("POST /admin/v1/pool/weight", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		weight, err := strconv.Atoi(q.Get("weight"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		st, err := a.PoolWeight(q.Get("backend"), q.Get("server"), weight)
		writeResult(w, st, err)
	})

	mux.HandleFunc("GET /admin/v1/pool/status", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		st, err := a.PoolStatus(q.Get("backend"), q.Get("server"))
		writeResult(w, st, err)
	})

	mux.HandleFunc("GET /admin/v1/pool/contents", func(w http.ResponseWriter, r *http.Request) {
		list, err := a.PoolContents(r.URL.Query().Get("backend"))
		if err != nil {
			writeErr(w, errCode(err), err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("POST /admin/v1/pool/remove", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		err := a.PoolRemove(q.Get("backend"), q.Get("server"))
		writeErr(w, http.StatusNotImplemented, err)
	})

	return mux
}

func errCode(err error) int {
	switch {
	case errors.Is(err, ErrUnknownBackend), errors.Is(err, ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, ErrNotSupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, st ServerStatus, err error) {
	if err != nil {
		writeErr(w, errCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

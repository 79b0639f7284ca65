// @copyright 2014-Present Couchbase, Inc.
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

// Package adminport implements the HTTP API surface: a config-driven
// NewServer/Start/Stop lifecycle wrapping a net/http.Server, routed
// with gorilla/mux since every handler here is parameterized by a path
// segment ({indexName}).
package adminport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/couchbase/reindex-upgrader/secondary/common"
	"github.com/couchbase/reindex-upgrader/secondary/logging"
	"github.com/couchbase/reindex-upgrader/secondary/reindex"
)

// Server is the HTTP front end over a *reindex.Service.
type Server struct {
	laddr  string
	srv    *http.Server
	worker forceRefresher
}

// forceRefresher lets the server nudge the worker after creating a new
// operation, without adminport importing the concrete worker.Worker
// type (avoiding a cmd-only import cycle, since worker already imports
// reindex and adminport needs nothing else from it).
type forceRefresher interface {
	ForceRefresh()
}

// NewServer wires routes for every reindex operation against service,
// reading "adminport.listenAddr" from config.
func NewServer(config common.Config, service *reindex.Service, worker forceRefresher) *Server {
	r := mux.NewRouter()
	h := &handlers{service: service, worker: worker}

	r.HandleFunc("/reindex/{indexName}/warnings", h.warnings).Methods(http.MethodGet)
	r.HandleFunc("/reindex/{indexName}/pause", h.pause).Methods(http.MethodPost)
	r.HandleFunc("/reindex/{indexName}/resume", h.resume).Methods(http.MethodPost)
	r.HandleFunc("/reindex/{indexName}", h.create).Methods(http.MethodPost)
	r.HandleFunc("/reindex/{indexName}", h.status).Methods(http.MethodGet)

	laddr := config["adminport.listenAddr"].String()
	return &Server{
		laddr: laddr,
		srv: &http.Server{
			Addr:         laddr,
			Handler:      r,
			ReadTimeout:  config["adminport.readTimeout"].Duration(),
			WriteTimeout: config["adminport.writeTimeout"].Duration(),
		},
	}
}

// Start runs the HTTP server in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("adminport::Server failed on %s: %v", s.laddr, err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type handlers struct {
	service *reindex.Service
	worker  forceRefresher
}

func (h *handlers) warnings(w http.ResponseWriter, r *http.Request) {
	indexName := mux.Vars(r)["indexName"]
	warnings, err := h.service.DetectReindexWarnings(r.Context(), indexName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, warnings)
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	indexName := mux.Vars(r)["indexName"]
	op, err := h.service.CreateReindexOperation(r.Context(), indexName)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.worker != nil {
		h.worker.ForceRefresh()
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	indexName := mux.Vars(r)["indexName"]
	op, err := h.service.FindReindexOperation(r.Context(), indexName)
	if err != nil {
		writeError(w, err)
		return
	}
	if op == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	indexName := mux.Vars(r)["indexName"]
	op, err := h.service.PauseReindexOperation(r.Context(), indexName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	indexName := mux.Vars(r)["indexName"]
	op, err := h.service.ResumeReindexOperation(r.Context(), indexName)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.worker != nil {
		h.worker.ForceRefresh()
	}
	writeJSON(w, http.StatusOK, op)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Errorf("adminport::writeJSON failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case common.IsPrecondition(err):
		status = http.StatusPreconditionFailed
	case common.IsConflict(err):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

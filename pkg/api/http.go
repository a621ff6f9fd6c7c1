// Package api implements the small net/http+encoding/json admin control
// API that SPEC_FULL gives each worker and the master (GET /stats, GET
// /healthz, POST|GET /kv/{key}), grounded directly on the teacher's
// pkg/api/http.go HTTPHandler shape: one *http.ServeMux, one handler
// function per route, structured JSON error bodies in place of the
// teacher's "not leader" redirects (this system has no leader; a miss on
// /kv/{key} is a plain 404 "key not found" error that names no other
// worker).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/New-B/farm/pkg/kv"
	"github.com/New-B/farm/pkg/master"
)

// HTTPHandler serves the admin control API for one process. Either m or
// store may be nil: a worker process has no master.Master, and a
// K/V-less deployment has no kv.Store.
type HTTPHandler struct {
	mux   *http.ServeMux
	wid   uint16
	m     *master.Master
	store *kv.Store
}

// NewHTTPHandler returns an HTTPHandler for a process identifying itself
// as wid (the reserved master id, gaddr.MasterWID, on the master process).
func NewHTTPHandler(wid uint16, m *master.Master, store *kv.Store) *HTTPHandler {
	h := &HTTPHandler{mux: http.NewServeMux(), wid: wid, m: m, store: store}
	h.mux.HandleFunc("/healthz", h.handleHealthz)
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/kv/", h.handleKV)
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Request-Id", uuid.NewString())
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"wid":    h.wid,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.m == nil {
		writeError(w, http.StatusNotImplemented, "this process is not the master; stats are aggregated there")
		return
	}
	writeJSON(w, http.StatusOK, h.m.Fetch())
}

func (h *HTTPHandler) handleKV(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "this process has no kv store")
		return
	}
	keyStr := strings.TrimPrefix(r.URL.Path, "/kv/")
	if keyStr == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}
	key, err := strconv.ParseUint(keyStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "key must be a u64: "+err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := h.store.Get(key)
		if !ok {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": value})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value []byte `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		resp := h.store.Put(uuid.NewString(), 1, key, req.Value)
		writeJSON(w, http.StatusOK, map[string]any{"value": resp})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

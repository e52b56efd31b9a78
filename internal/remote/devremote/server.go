// Package devremote is an in-memory document store implementing the sync
// core's remote wire contract: per-document CRUD, atomic batch writes, a
// changed-since query and a websocket change feed. It backs cmd/devremote
// and the integration tests; durability is explicitly not its job.
package devremote

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/cors"

	"github.com/nekay/nekaysync/internal/models"
	"github.com/nekay/nekaysync/internal/remote"
)

// Server holds the in-memory collections and the watch hub.
type Server struct {
	mu          sync.RWMutex
	collections map[models.Kind]map[string]*models.Record
	hub         *hub
}

// New returns an empty Server.
func New() *Server {
	return &Server{
		collections: make(map[models.Kind]map[string]*models.Record),
		hub:         newHub(),
	}
}

// Handler returns the full HTTP handler, CORS-wrapped so browser-hosted
// clients can reach a locally running dev store.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/watch", s.handleWatch)
	mux.HandleFunc("/v1/", s.handleDocuments)
	return cors.AllowAll().Handler(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleDocuments routes /v1/{collection}, /v1/{collection}/batch and
// /v1/{collection}/{id}.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/"), "/")

	kind := models.Kind(parts[0])
	if !kind.Valid() {
		httpError(w, http.StatusBadRequest, "unknown collection")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleChangedSince(w, r, kind)
	case len(parts) == 2 && parts[1] == "batch":
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleBatch(w, r, kind)
	case len(parts) == 2:
		s.handleDocument(w, r, kind, parts[1])
	default:
		httpError(w, http.StatusNotFound, "no such route")
	}
}

func (s *Server) handleChangedSince(w http.ResponseWriter, r *http.Request, kind models.Kind) {
	since := int64(0)
	if q := r.URL.Query().Get("changedSince"); q != "" {
		if err := json.Unmarshal([]byte(q), &since); err != nil {
			httpError(w, http.StatusBadRequest, "bad changedSince")
			return
		}
	}

	s.mu.RLock()
	var recs []*models.Record
	for _, rec := range s.collections[kind] {
		if rec.LastModified > since {
			recs = append(recs, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].LastModified < recs[j].LastModified })

	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, kind models.Kind) {
	var req struct {
		Records []*models.Record `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad batch body")
		return
	}
	for _, rec := range req.Records {
		if rec.ID == "" {
			httpError(w, http.StatusBadRequest, "record without id")
			return
		}
	}

	// Validate first, then commit under one lock: the batch is atomic.
	s.mu.Lock()
	types := make([]remote.DeltaType, len(req.Records))
	for i, rec := range req.Records {
		types[i] = s.deltaTypeLocked(kind, rec.ID)
		s.upsertLocked(kind, rec)
	}
	s.mu.Unlock()

	for i, rec := range req.Records {
		s.hub.broadcast(kind, remote.Delta{Type: types[i], Kind: kind, ID: rec.ID, Record: rec.Clone()})
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, kind models.Kind, id string) {
	switch r.Method {
	case http.MethodGet:
		s.mu.RLock()
		rec, ok := s.collections[kind][id]
		if ok {
			rec = rec.Clone()
		}
		s.mu.RUnlock()
		if !ok {
			httpError(w, http.StatusNotFound, "document not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodPut:
		var rec models.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, "bad document body")
			return
		}
		rec.ID = id
		s.mu.Lock()
		dt := s.deltaTypeLocked(kind, id)
		s.upsertLocked(kind, &rec)
		s.mu.Unlock()
		s.hub.broadcast(kind, remote.Delta{Type: dt, Kind: kind, ID: id, Record: rec.Clone()})
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		s.mu.Lock()
		_, existed := s.collections[kind][id]
		delete(s.collections[kind], id)
		s.mu.Unlock()
		if existed {
			s.hub.broadcast(kind, remote.Delta{Type: remote.DeltaRemoved, Kind: kind, ID: id})
		}
		// Idempotent either way.
		w.WriteHeader(http.StatusNoContent)

	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// upsertLocked stores a copy of rec. Callers hold s.mu.
func (s *Server) upsertLocked(kind models.Kind, rec *models.Record) {
	if s.collections[kind] == nil {
		s.collections[kind] = make(map[string]*models.Record)
	}
	c := rec.Clone()
	c.Kind = kind
	s.collections[kind][rec.ID] = c
}

// deltaTypeLocked reports whether an upsert of id would add or modify.
// Callers hold s.mu.
func (s *Server) deltaTypeLocked(kind models.Kind, id string) remote.DeltaType {
	if _, ok := s.collections[kind][id]; ok {
		return remote.DeltaModified
	}
	return remote.DeltaAdded
}

// Get returns the stored copy of a document, for assertions in tests.
func (s *Server) Get(kind models.Kind, id string) (*models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[kind][id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Count returns the number of documents in a collection.
func (s *Server) Count(kind models.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[kind])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

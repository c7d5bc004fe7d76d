package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hotdata-dev/rivetdb"
)

// Server is the thin HTTP layer over the query engine.
type Server struct {
	engine rivetdb.QueryEngine
	router chi.Router
}

// NewServer creates a Server with all routes registered
func NewServer(engine rivetdb.QueryEngine) *Server {
	s := &Server{engine: engine}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/query", s.handleQuery)
	r.Get("/results/{id}", s.handleGetResult)
	r.Post("/connections", s.handleCreateConnection)
	r.Get("/connections", s.handleListConnections)
	r.Delete("/connections/{name}", s.handleDeleteConnection)
	r.Get("/tables", s.handleListTables)
	r.Post("/refresh", s.handleRefresh)

	s.router = r
	return s
}

// Router exposes the chi router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleQuery handles POST /query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SQL string `json:"sql"`
	}
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.engine.Query(r.Context(), body.SQL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetResult handles GET /results/{id}
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	resultID := chi.URLParam(r, "id")

	result, err := s.engine.GetResult(r.Context(), resultID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCreateConnection handles POST /connections
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string          `json:"name"`
		SourceType string          `json:"source_type"`
		Config     json.RawMessage `json:"config"`
	}
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.engine.CreateConnection(r.Context(), body.Name, body.SourceType, body.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// handleListConnections handles GET /connections
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	connections, err := s.engine.ListConnections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if connections == nil {
		connections = []rivetdb.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, connections)
}

// handleDeleteConnection handles DELETE /connections/{name}
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.DeleteConnection(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListTables handles GET /tables
func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.engine.ListTables(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tables == nil {
		tables = []rivetdb.TableInfo{}
	}
	writeJSON(w, http.StatusOK, tables)
}

// handleRefresh handles POST /refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req rivetdb.RefreshRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	summary, err := s.engine.Refresh(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdata-dev/rivetdb"
)

// stubEngine fakes the engine surface so handler behavior can be tested
// without DuckDB or a catalog.
type stubEngine struct {
	queryResult *rivetdb.QueryResult
	queryErr    error
	results     map[string]*rivetdb.QueryResult
	connections map[string]*rivetdb.ConnectionInfo
	refreshed   *rivetdb.RefreshSummary
	refreshErr  error
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		results:     map[string]*rivetdb.QueryResult{},
		connections: map[string]*rivetdb.ConnectionInfo{},
	}
}

func (s *stubEngine) Query(ctx context.Context, sqlText string) (*rivetdb.QueryResult, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.queryResult, nil
}

func (s *stubEngine) GetResult(ctx context.Context, resultID string) (*rivetdb.QueryResult, error) {
	if r, ok := s.results[resultID]; ok {
		return r, nil
	}
	return nil, rivetdb.NewNotFoundError("result %q not found", resultID)
}

func (s *stubEngine) CreateConnection(ctx context.Context, name, sourceType string, config []byte) (*rivetdb.ConnectionInfo, error) {
	if _, ok := s.connections[name]; ok {
		return nil, rivetdb.NewConflictError("connection %q already exists", name)
	}
	if _, err := rivetdb.ParseSource(sourceType, config); err != nil {
		return nil, err
	}
	conn := &rivetdb.ConnectionInfo{ID: int64(len(s.connections) + 1), ExternalID: "ext-" + name, Name: name, SourceType: sourceType}
	s.connections[name] = conn
	return conn, nil
}

func (s *stubEngine) ListConnections(ctx context.Context) ([]rivetdb.ConnectionInfo, error) {
	var out []rivetdb.ConnectionInfo
	for _, c := range s.connections {
		out = append(out, *c)
	}
	return out, nil
}

func (s *stubEngine) DeleteConnection(ctx context.Context, name string) error {
	if _, ok := s.connections[name]; !ok {
		return rivetdb.NewNotFoundError("connection %q not found", name)
	}
	delete(s.connections, name)
	return nil
}

func (s *stubEngine) ListTables(ctx context.Context) ([]rivetdb.TableInfo, error) {
	return nil, nil
}

func (s *stubEngine) Refresh(ctx context.Context, req rivetdb.RefreshRequest) (*rivetdb.RefreshSummary, error) {
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	if req.SchemaName != "" && req.ConnectionID == "" {
		return nil, rivetdb.NewValidationError("schema_name requires connection_id")
	}
	return s.refreshed, nil
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleQuerySuccess(t *testing.T) {
	stub := newStubEngine()
	id := "abc123"
	stub.queryResult = &rivetdb.QueryResult{
		ResultID: &id,
		Columns:  []string{"num"},
		Rows:     [][]any{{1}},
		RowCount: 1,
	}
	server := NewServer(stub)

	rec := doRequest(t, server.Router(), http.MethodPost, "/query", `{"sql":"SELECT 1 AS num"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "abc123", body["result_id"])
	assert.EqualValues(t, 1, body["row_count"])
	assert.Nil(t, body["warning"])
}

func TestHandleQueryPersistenceWarning(t *testing.T) {
	stub := newStubEngine()
	stub.queryResult = &rivetdb.QueryResult{
		Warning:  "results not persisted: injected storage failure",
		Columns:  []string{"num"},
		Rows:     [][]any{{1}},
		RowCount: 1,
	}
	server := NewServer(stub)

	rec := doRequest(t, server.Router(), http.MethodPost, "/query", `{"sql":"SELECT 1 AS num"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	// result_id is present and null, not omitted.
	v, present := body["result_id"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Contains(t, body["warning"], "not persisted")
}

func TestHandleQueryInvalidSQL(t *testing.T) {
	stub := newStubEngine()
	stub.queryErr = rivetdb.NewValidationError("query failed: syntax error")
	server := NewServer(stub)

	rec := doRequest(t, server.Router(), http.MethodPost, "/query", `{"sql":"SELEC"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "BAD_REQUEST", errObj["code"])
}

func TestHandleGetResultNotFound(t *testing.T) {
	server := NewServer(newStubEngine())

	rec := doRequest(t, server.Router(), http.MethodGet, "/results/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestHandleGetResultFound(t *testing.T) {
	stub := newStubEngine()
	id := "xyz"
	stub.results["xyz"] = &rivetdb.QueryResult{ResultID: &id, Columns: []string{"x"}, Rows: [][]any{}, RowCount: 0}
	server := NewServer(stub)

	rec := doRequest(t, server.Router(), http.MethodGet, "/results/xyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "xyz", body["result_id"])
}

func TestHandleCreateConnection(t *testing.T) {
	server := NewServer(newStubEngine())

	payload := `{"name":"c1","source_type":"duckdb","config":{"path":"/tmp/x.duckdb"}}`
	rec := doRequest(t, server.Router(), http.MethodPost, "/connections", payload)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ext-c1", body["id"])
	assert.Equal(t, "c1", body["name"])

	// Duplicate name conflicts.
	rec = doRequest(t, server.Router(), http.MethodPost, "/connections", payload)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "CONFLICT", errObj["code"])
}

func TestHandleCreateConnectionInvalidConfig(t *testing.T) {
	server := NewServer(newStubEngine())

	payload := `{"name":"c1","source_type":"postgres","config":{"type":"duckdb","path":"/x"}}`
	rec := doRequest(t, server.Router(), http.MethodPost, "/connections", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRefreshValidation(t *testing.T) {
	stub := newStubEngine()
	stub.refreshed = &rivetdb.RefreshSummary{}
	server := NewServer(stub)

	rec := doRequest(t, server.Router(), http.MethodPost, "/refresh", `{"schema_name":"s"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "BAD_REQUEST", errObj["code"])
	assert.Contains(t, errObj["message"], "requires connection_id")
}

func TestHandleRefreshEmptyBody(t *testing.T) {
	stub := newStubEngine()
	stub.refreshed = &rivetdb.RefreshSummary{}
	server := NewServer(stub)

	rec := doRequest(t, server.Router(), http.MethodPost, "/refresh", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 0, body["connections_refreshed"])
}

func TestHandleRefreshUpstreamFailure(t *testing.T) {
	stub := newStubEngine()
	stub.refreshErr = rivetdb.NewUpstreamError("discover tables: connection refused")
	server := NewServer(stub)

	rec := doRequest(t, server.Router(), http.MethodPost, "/refresh", `{"connection_id":"c1"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "BAD_GATEWAY", errObj["code"])
}

func TestHandleDeleteConnection(t *testing.T) {
	stub := newStubEngine()
	server := NewServer(stub)
	_, err := stub.CreateConnection(context.Background(), "c1", "duckdb", []byte(`{"path":"/x.duckdb"}`))
	require.NoError(t, err)

	rec := doRequest(t, server.Router(), http.MethodDelete, "/connections/c1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, server.Router(), http.MethodDelete, "/connections/c1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/approval"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/pipeline"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
	"github.com/fetcharr/fetcharr/internal/websocket"
)

func newTestServer(t *testing.T) (*Server, *testutil.TestDB) {
	t.Helper()

	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	sched, err := scheduler.New(tdb.Logger)
	require.NoError(t, err)

	limiter := ratelimit.New(nil, tdb.Logger)
	q := queue.New(tdb.Store, sched, queue.Config{Concurrency: 2}, tdb.Logger)
	indexers := indexer.NewService(limiter, tdb.Logger)
	exec := pipeline.New(tdb.Store, q, indexers, downloader.NewMock(), limiter, pipeline.Config{}, tdb.Logger)
	approvals := approval.NewService(tdb.Store, exec, tdb.Logger)
	exec.SetApprovals(approvals)

	cfg := config.Default()
	broadcaster := logger.NewBroadcaster(16)

	s := NewServer(cfg, tdb.Store, q, exec, approvals, sched, websocket.NewHub(), broadcaster, tdb.Logger)
	return s, tdb
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateAndGetRequest(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/requests", `{
		"externalId": "tt0133093",
		"kind": "movie",
		"title": "The Matrix",
		"year": 1999,
		"targets": [{"serverId": "plex-main"}],
		"requiredResolution": "1080p"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created store.MediaRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "The Matrix", created.Title)
	assert.Equal(t, store.RequestNew, created.Status)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/requests/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		Request store.MediaRequest `json:"request"`
		Items   []store.ProcessingItem
		Jobs    []store.Job
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "tt0133093", detail.Request.ExternalID)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/requests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "The Matrix")
}

func TestCreateRequestValidation(t *testing.T) {
	s, _ := newTestServer(t)

	// Unknown kind.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/requests",
		`{"externalId": "x", "kind": "album", "title": "T", "targets": [{"serverId": "a"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No delivery targets.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests",
		`{"externalId": "tt1", "kind": "movie", "title": "T", "targets": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRequestNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/requests/42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/requests/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRequest(t *testing.T) {
	s, tdb := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/requests", `{
		"externalId": "tt0133093",
		"kind": "movie",
		"title": "The Matrix",
		"targets": [{"serverId": "plex-main"}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests/1/cancel", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	req, err := tdb.Store.GetRequest(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.RequestCancelled, req.Status)
}

func TestJobStats(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/jobs/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApprovalDecisionValidation(t *testing.T) {
	s, _ := newTestServer(t)

	// Missing processedBy.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/approvals/1/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nonexistent approval is not pending.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/approvals/99/approve", `{"processedBy": "admin"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/v1/settings/require_approval", `{"value": "true"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"require_approval":"true"`)
}

func TestSchedulerTaskList(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/scheduler/tasks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

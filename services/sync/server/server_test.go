package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/config"
	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/resolution"
)

func newTestServer(t *testing.T) (*Server, *engine.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orch := engine.New(config.DefaultConfig().Sync, nil, nil)
	t.Cleanup(orch.Stop)

	return New(config.DefaultConfig().Server, orch, nil), orch
}

func perform(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// seedConflict plants a two-writer content conflict and returns its id.
func seedConflict(t *testing.T, orch *engine.Orchestrator) string {
	t.Helper()

	incoming := datatypes.NewContextChange(datatypes.ChangeEvent{
		ChangeType: datatypes.ChangeTypeUpdate,
		EntityType: "task",
		EntityID:   "task-1",
		ProjectID:  "P1",
		After:      map[string]any{"name": "from-a", "priority": "high"},
		ClientID:   "client-a",
		UserID:     "user-a",
	})
	concurrent := datatypes.NewContextChange(datatypes.ChangeEvent{
		ChangeType: datatypes.ChangeTypeUpdate,
		EntityType: "task",
		EntityID:   "task-1",
		ProjectID:  "P1",
		After:      map[string]any{"name": "from-b", "priority": "low"},
		ClientID:   "client-b",
		UserID:     "user-b",
	})
	concurrent.Metadata.Timestamp = incoming.Metadata.Timestamp.Add(-time.Second)

	info := orch.HandleConflict(context.Background(), incoming, []datatypes.ContextChange{concurrent})
	require.NotNil(t, info)
	return info.ConflictID
}

func TestServer_HealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := perform(t, srv.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_NotifyChangeAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := perform(t, srv.Router(), http.MethodPost, "/v1/sync/changes", NotifyChangeRequest{
		ChangeType: datatypes.ChangeTypeCreate,
		EntityType: "business_rule",
		EntityID:   "rule-1",
		ProjectID:  "P1",
		Entity:     map[string]any{"name": "r"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = perform(t, srv.Router(), http.MethodGet, "/v1/sync/status/P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	decode(t, rec, &status)
	// No websocket clients connected, so the project reports unhealthy.
	assert.Equal(t, "unhealthy", status["status"])
}

func TestServer_NotifyChangeRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := perform(t, srv.Router(), http.MethodPost, "/v1/sync/changes", map[string]any{
		"change_type": "upsert",
		"entity_type": "task",
		"project_id":  "P1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ConflictLifecycle(t *testing.T) {
	srv, orch := newTestServer(t)
	id := seedConflict(t, orch)

	rec := perform(t, srv.Router(), http.MethodGet, "/v1/conflicts?project_id=P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count     int              `json:"count"`
		Conflicts []*conflict.Info `json:"conflicts"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Conflicts[0].ConflictID)

	rec = perform(t, srv.Router(), http.MethodGet, "/v1/conflicts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = perform(t, srv.Router(), http.MethodGet, "/v1/conflicts/"+id+"/recommendation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var re map[string]any
	decode(t, rec, &re)
	assert.Equal(t, string(conflict.AutoMerge), re["recommended_strategy"])

	rec = perform(t, srv.Router(), http.MethodPost, "/v1/conflicts/"+id+"/resolve", ResolveConflictRequest{
		Strategy:   conflict.LastWriterWins,
		ResolvedBy: "operator",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved conflict.Info
	decode(t, rec, &resolved)
	assert.NotNil(t, resolved.ResolvedAt)

	rec = perform(t, srv.Router(), http.MethodGet, "/v1/conflicts?project_id=P1&state=resolved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)
}

func TestServer_GetMissingConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := perform(t, srv.Router(), http.MethodGet, "/v1/conflicts/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ResolutionSessionWalk(t *testing.T) {
	srv, orch := newTestServer(t)
	id := seedConflict(t, orch)

	rec := perform(t, srv.Router(), http.MethodPost, "/v1/resolution/sessions", StartSessionRequest{
		ConflictID: id,
		UserID:     "operator",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var session resolution.Session
	decode(t, rec, &session)
	require.NotEmpty(t, session.SessionID)
	assert.Equal(t, resolution.StepConflictPresentation, session.Step)

	rec = perform(t, srv.Router(), http.MethodPut, "/v1/resolution/sessions/"+session.SessionID+"/state", UpdateSessionRequest{
		Step:     resolution.StepStrategySelection,
		Strategy: conflict.LastWriterWins,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = perform(t, srv.Router(), http.MethodPut, "/v1/resolution/sessions/"+session.SessionID+"/state", UpdateSessionRequest{
		Step:     resolution.StepPreviewConfirmation,
		Strategy: conflict.LastWriterWins,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &session)
	assert.NotEmpty(t, session.PreviewEntity)

	rec = perform(t, srv.Router(), http.MethodPost, "/v1/resolution/sessions/"+session.SessionID+"/complete", CompleteSessionRequest{
		Notes: "newest writer kept",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = perform(t, srv.Router(), http.MethodGet, "/v1/resolution/sessions/"+session.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &session)
	assert.Equal(t, resolution.StepComplete, session.Step)
}

func TestServer_SessionInvalidTransitionMapsToConflict(t *testing.T) {
	srv, orch := newTestServer(t)
	id := seedConflict(t, orch)

	rec := perform(t, srv.Router(), http.MethodPost, "/v1/resolution/sessions", StartSessionRequest{
		ConflictID: id,
		UserID:     "operator",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var session resolution.Session
	decode(t, rec, &session)

	// Jumping straight to preview skips strategy selection.
	rec = perform(t, srv.Router(), http.MethodPut, "/v1/resolution/sessions/"+session.SessionID+"/state", UpdateSessionRequest{
		Step: resolution.StepPreviewConfirmation,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_CancelSession(t *testing.T) {
	srv, orch := newTestServer(t)
	id := seedConflict(t, orch)

	rec := perform(t, srv.Router(), http.MethodPost, "/v1/resolution/sessions", StartSessionRequest{
		ConflictID: id,
		UserID:     "operator",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var session resolution.Session
	decode(t, rec, &session)

	rec = perform(t, srv.Router(), http.MethodPost, "/v1/resolution/sessions/"+session.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &session)
	assert.Equal(t, resolution.StepCancelled, session.Step)
}

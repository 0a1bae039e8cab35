package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/config"
	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/testutil"
)

const (
	keyUnit1 = "key-unit-1"
	keyUnit2 = "key-unit-2"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	cfg := config.Config{
		APIKeys:         map[string]string{keyUnit1: "unit-1", keyUnit2: "unit-2"},
		SyncConcurrency: 4,
		RequestTimeout:  10 * time.Second,
	}
	st := testutil.NewSQLiteStore(t)
	log := zap.NewNop()
	return NewRouter(cfg, NewDeps(cfg, st, log), log)
}

type call struct {
	method  string
	path    string
	apiKey  string
	body    any
	headers map[string]string
}

func do(t *testing.T, r http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case string:
		body.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&body).Encode(b))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func createPerson(t *testing.T, r http.Handler, apiKey, name string) int64 {
	t.Helper()
	w := do(t, r, call{method: http.MethodPost, path: "/people", apiKey: apiKey, body: map[string]any{"name": name}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.CreateResponse](t, w).ID
}

func TestHealthAndReady(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, call{method: http.MethodGet, path: "/ready"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, call{method: http.MethodPost, path: "/sync/batch", body: map[string]any{"items": []any{}}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, call{method: http.MethodGet, path: "/stops/1", apiKey: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreatePerson_IdempotencyKeyHeader(t *testing.T) {
	r := newTestRouter(t)
	headers := map[string]string{"Idempotency-Key": "req-1"}

	w := do(t, r, call{method: http.MethodPost, path: "/people", apiKey: keyUnit1, headers: headers,
		body: map[string]any{"name": "Ana", "client_key": "ignored-body-key"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[models.CreateResponse](t, w)
	assert.False(t, first.Duplicate)
	assert.Equal(t, models.EntityPerson, first.Type)

	w = do(t, r, call{method: http.MethodPost, path: "/people", apiKey: keyUnit1, headers: headers,
		body: map[string]any{"name": "Ana"}})
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[models.CreateResponse](t, w)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/people/%d", first.ID), apiKey: keyUnit1})
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[models.Person](t, w)
	assert.Equal(t, "req-1", p.ClientKey)
}

func TestCreateStop_Errors(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"occurred_at":`, http.StatusBadRequest, "validation"},
		{"missing occurred_at", map[string]any{"notes": "x"}, http.StatusBadRequest, "validation"},
		{"latitude out of range", map[string]any{"occurred_at": "2026-01-01T00:00:00Z", "latitude": 91}, http.StatusBadRequest, "validation"},
		{"unknown person", map[string]any{"occurred_at": "2026-01-01T00:00:00Z", "person_ids": []int64{404}}, http.StatusUnprocessableEntity, "referential"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, call{method: http.MethodPost, path: "/stops", apiKey: keyUnit1, body: tt.body})
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, decode[errorBody](t, w).Error.Code)
		})
	}
}

func TestStopsAreUnitScoped(t *testing.T) {
	r := newTestRouter(t)
	a := createPerson(t, r, keyUnit1, "Ana")
	b := createPerson(t, r, keyUnit1, "Bruno")

	w := do(t, r, call{method: http.MethodPost, path: "/stops", apiKey: keyUnit1, body: map[string]any{
		"occurred_at": "2026-01-01T22:00:00-03:00",
		"person_ids":  []int64{a, b},
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	stopID := decode[models.CreateResponse](t, w).ID

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/stops/%d", stopID), apiKey: keyUnit1})
	require.Equal(t, http.StatusOK, w.Code)
	stop := decode[models.Stop](t, w)
	assert.Equal(t, models.OriginOnline, stop.Origin)
	assert.Equal(t, time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC), stop.OccurredAt)

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/stops/%d", stopID), apiKey: keyUnit2})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, call{method: http.MethodGet, path: "/stops/abc", apiKey: keyUnit1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateVehicle_PlateConflict(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, call{method: http.MethodPost, path: "/vehicles", apiKey: keyUnit1, body: map[string]any{"plate": "abc-1d23"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[models.CreateResponse](t, w).ID

	w = do(t, r, call{method: http.MethodPost, path: "/vehicles", apiKey: keyUnit1, body: map[string]any{"plate": "ABC 1D23"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decode[errorBody](t, w).Error.Code)

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/vehicles/%d", id), apiKey: keyUnit1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ABC1D23", decode[models.Vehicle](t, w).Plate)
}

func TestSyncBatchAndRelationships(t *testing.T) {
	r := newTestRouter(t)
	a := createPerson(t, r, keyUnit1, "Ana")
	b := createPerson(t, r, keyUnit1, "Bruno")
	c := createPerson(t, r, keyUnit1, "Carla")

	batch := map[string]any{"items": []map[string]any{
		{"client_idempotency_key": "s1", "action_type": "stop", "payload": map[string]any{
			"occurred_at": "2026-01-01T10:00:00Z", "person_ids": []int64{a, b, c},
		}},
		{"client_idempotency_key": "s2", "action_type": "stop", "payload": map[string]any{
			"occurred_at": "2026-01-02T10:00:00Z", "person_ids": []int64{b, a},
		}},
		{"client_idempotency_key": "s3", "action_type": "stop", "payload": map[string]any{
			"occurred_at": "2026-01-03T10:00:00Z", "person_ids": []int64{a, 999},
		}},
	}}

	w := do(t, r, call{method: http.MethodPost, path: "/sync/batch", apiKey: keyUnit1, body: batch})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.SyncBatchResponse](t, w)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, models.StatusApplied, resp.Results[0].Status)
	assert.Equal(t, models.StatusApplied, resp.Results[1].Status)
	assert.Equal(t, models.StatusRejected, resp.Results[2].Status)
	assert.Equal(t, "referential", resp.Results[2].ErrorKind)

	w = do(t, r, call{method: http.MethodPost, path: "/sync/batch", apiKey: keyUnit1, body: batch})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[models.SyncBatchResponse](t, w)
	assert.Equal(t, models.StatusAlreadyApplied, resp.Results[0].Status)
	assert.Equal(t, models.StatusAlreadyApplied, resp.Results[1].Status)

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/relationships/person/%d", a), apiKey: keyUnit1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rels := decode[struct {
		PersonID      int64                 `json:"person_id"`
		Relationships []models.Relationship `json:"relationships"`
	}](t, w)
	assert.Equal(t, a, rels.PersonID)
	require.Len(t, rels.Relationships, 2)
	assert.Equal(t, b, rels.Relationships[0].PersonID)
	assert.Equal(t, 2, rels.Relationships[0].Frequency)
	assert.Equal(t, c, rels.Relationships[1].PersonID)

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/relationships/person/%d?min_frequency=2", a), apiKey: keyUnit1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"frequency":2`)
	assert.NotContains(t, w.Body.String(), `"frequency":1`)

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/relationships/person/%d", a), apiKey: keyUnit2})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/relationships/person/%d?limit=0", a), apiKey: keyUnit1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncBatch_MalformedBody(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, call{method: http.MethodPost, path: "/sync/batch", apiKey: keyUnit1, body: `{"items":`})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, call{method: http.MethodPost, path: "/sync/batch", apiKey: keyUnit1, body: `{}`})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "items required", decode[errorBody](t, w).Error.Message)
}

func TestRelationshipPair(t *testing.T) {
	r := newTestRouter(t)
	a := createPerson(t, r, keyUnit1, "Ana")
	b := createPerson(t, r, keyUnit1, "Bruno")
	c := createPerson(t, r, keyUnit1, "Carla")

	w := do(t, r, call{method: http.MethodPost, path: "/stops", apiKey: keyUnit1, body: map[string]any{
		"occurred_at": "2026-01-01T10:00:00Z", "person_ids": []int64{a, b},
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, call{method: http.MethodGet, path: fmt.Sprintf("/relationships/pair/%d/%d", b, a), apiKey: keyUnit1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	edge := decode[models.RelationshipEdge](t, w)
	assert.Equal(t, a, edge.PersonA)
	assert.Equal(t, b, edge.PersonB)
	assert.Equal(t, 1, edge.Frequency)

	tests := []struct {
		name   string
		path   string
		apiKey string
		status int
	}{
		{"never met", fmt.Sprintf("/relationships/pair/%d/%d", a, c), keyUnit1, http.StatusNotFound},
		{"same person", fmt.Sprintf("/relationships/pair/%d/%d", a, a), keyUnit1, http.StatusBadRequest},
		{"bad id", fmt.Sprintf("/relationships/pair/%d/x", a), keyUnit1, http.StatusBadRequest},
		{"other unit", fmt.Sprintf("/relationships/pair/%d/%d", a, b), keyUnit2, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, call{method: http.MethodGet, path: tt.path, apiKey: tt.apiKey})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestServerErrorsCarryRequestID(t *testing.T) {
	cfg := config.Config{
		APIKeys:         map[string]string{keyUnit1: "unit-1"},
		SyncConcurrency: 2,
		RequestTimeout:  10 * time.Second,
	}
	st := testutil.NewSQLiteStore(t)
	log := zap.NewNop()
	r := NewRouter(cfg, NewDeps(cfg, st, log), log)
	require.NoError(t, st.Close())

	const reqID = "0b6f3a52-2a43-4c51-9a3e-3f1f0f5f6a10"
	headers := map[string]string{"X-Request-ID": reqID}
	type body struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}

	w := do(t, r, call{method: http.MethodGet, path: "/stops/1", apiKey: keyUnit1, headers: headers})
	require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	got := decode[body](t, w)
	assert.Equal(t, "internal", got.Error.Code)
	assert.Equal(t, reqID, got.Error.RequestID)

	w = do(t, r, call{method: http.MethodPost, path: "/sync/batch", apiKey: keyUnit1, headers: headers, body: map[string]any{
		"items": []map[string]any{
			{"client_idempotency_key": "p1", "action_type": "person", "payload": map[string]any{"name": "Ana"}},
		},
	}})
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	got = decode[body](t, w)
	assert.Equal(t, "unavailable", got.Error.Code)
	assert.Equal(t, reqID, got.Error.RequestID)

	w = do(t, r, call{method: http.MethodGet, path: "/stops/x", apiKey: keyUnit1, headers: headers})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, decode[body](t, w).Error.RequestID, "client errors stay as before")
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busdelay/internal/feature"
	"busdelay/internal/modelstore"
	"busdelay/internal/predict"
	"busdelay/internal/refresh"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEstimator struct {
	got    predict.Query
	est    predict.Estimate
	err    error
	loaded int64
}

func (f *fakeEstimator) Estimate(_ context.Context, q predict.Query) (predict.Estimate, error) {
	f.got = q
	return f.est, f.err
}

func (f *fakeEstimator) LoadedVersion() (int64, bool) { return f.loaded, f.loaded > 0 }

type fakeModels struct {
	artifacts map[int64]modelstore.Artifact
	active    int64
	err       error
}

func (f *fakeModels) List(context.Context) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	var ids []int64
	for id := int64(1); id <= int64(len(f.artifacts)+5); id++ {
		if _, ok := f.artifacts[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeModels) Get(_ context.Context, id int64) (modelstore.Artifact, error) {
	a, ok := f.artifacts[id]
	if !ok {
		return a, modelstore.ErrNotFound
	}
	return a, nil
}

func (f *fakeModels) ActiveVersion(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.active == 0 {
		return 0, modelstore.ErrNoActiveModel
	}
	return f.active, nil
}

type fakeRefresher struct {
	busy    bool
	trigger int
}

func (f *fakeRefresher) Trigger(context.Context) bool {
	f.trigger++
	return !f.busy
}

func (f *fakeRefresher) Status() (refresh.State, *refresh.Result) {
	if f.busy {
		return refresh.StateTraining, nil
	}
	return refresh.StateIdle, &refresh.Result{Outcome: refresh.OutcomePromoted, CandidateVersion: 2}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestEstimate_Get(t *testing.T) {
	est := &fakeEstimator{est: predict.Estimate{Minutes: 6.2, Confidence: 0.61, ModelVersionUsed: 3, Level: feature.LevelStop}}
	h := New(est, &fakeModels{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/estimate?route_id=B41&direction=0&stop_id=308956&time=2024-03-04T08:15:00-05:00", nil)
	rec := httptest.NewRecorder()
	h.Estimate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode[map[string]any](t, rec)
	assert.InDelta(t, 6.2, body["minutes"], 1e-9)
	assert.InDelta(t, 0.61, body["confidence"], 1e-9)
	assert.EqualValues(t, 3, body["model_version_used"])

	assert.Equal(t, "B41", est.got.RouteID)
	assert.Equal(t, "0", est.got.Direction)
	assert.Equal(t, "308956", est.got.StopID)
	assert.True(t, est.got.Time.Equal(time.Date(2024, 3, 4, 13, 15, 0, 0, time.UTC)))
}

func TestEstimate_PostDefaultsTime(t *testing.T) {
	est := &fakeEstimator{est: predict.Estimate{Minutes: 1}}
	h := New(est, &fakeModels{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate",
		strings.NewReader(`{"route_id":"B41","direction":"0","stop_id":"308956"}`))
	rec := httptest.NewRecorder()
	h.Estimate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, est.got.Time.IsZero())
}

func TestEstimate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		err        error
		wantStatus int
		wantKind   string
		retryable  bool
	}{
		{
			name:       "unknown route",
			method:     http.MethodGet,
			target:     "/api/v1/estimate?route_id=ZZZ99&direction=0&stop_id=308956",
			err:        &predict.Error{Kind: predict.KindInvalidQuery, Message: "unknown route ZZZ99"},
			wantStatus: http.StatusBadRequest,
			wantKind:   "InvalidQuery",
		},
		{
			name:       "bad time",
			method:     http.MethodGet,
			target:     "/api/v1/estimate?route_id=B41&direction=0&stop_id=308956&time=tomorrow",
			wantStatus: http.StatusBadRequest,
			wantKind:   "InvalidQuery",
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			target:     "/api/v1/estimate",
			body:       `{"route_id":`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "InvalidQuery",
		},
		{
			name:       "unknown field",
			method:     http.MethodPost,
			target:     "/api/v1/estimate",
			body:       `{"route":"B41"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "InvalidQuery",
		},
		{
			name:       "no active model",
			method:     http.MethodGet,
			target:     "/api/v1/estimate?route_id=B41&direction=0&stop_id=308956",
			err:        &predict.Error{Kind: predict.KindServiceUnavailable, Message: "no active model"},
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   "ServiceUnavailable",
			retryable:  true,
		},
		{
			name:       "unexpected",
			method:     http.MethodGet,
			target:     "/api/v1/estimate?route_id=B41&direction=0&stop_id=308956",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   "Internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&fakeEstimator{err: tt.err}, &fakeModels{}, nil, quietLogger())
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			rec := httptest.NewRecorder()
			h.Estimate(rec, httptest.NewRequest(tt.method, tt.target, body))

			assert.Equal(t, tt.wantStatus, rec.Code)
			got := decode[errorBody](t, rec)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
			if tt.retryable {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func testModels() *fakeModels {
	created := time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)
	return &fakeModels{
		active: 2,
		artifacts: map[int64]modelstore.Artifact{
			1: {VersionID: 1, CreatedAt: created, Estimator: "historical-average", ValidationError: 2.5, Parameters: []byte(`{}`)},
			2: {VersionID: 2, CreatedAt: created.Add(6 * time.Hour), Estimator: "historical-average", ValidationError: 1.5},
			3: {VersionID: 3, CreatedAt: created.Add(12 * time.Hour), Estimator: "linear-regression", ValidationError: 1.9},
		},
	}
}

func TestListModels(t *testing.T) {
	h := New(&fakeEstimator{}, testModels(), nil, quietLogger())
	rec := httptest.NewRecorder()
	h.ListModels(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "serialized_parameters")
	models := decode[[]modelInfo](t, rec)
	require.Len(t, models, 3)
	assert.Equal(t, int64(3), models[0].VersionID)
	assert.False(t, models[0].Active)
	assert.True(t, models[1].Active)
	assert.Equal(t, "linear-regression", models[0].Estimator)
}

func TestListModels_NoneActive(t *testing.T) {
	m := testModels()
	m.active = 0
	h := New(&fakeEstimator{}, m, nil, quietLogger())
	rec := httptest.NewRecorder()
	h.ListModels(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	for _, mi := range decode[[]modelInfo](t, rec) {
		assert.False(t, mi.Active)
	}
}

func TestListModels_StoreDown(t *testing.T) {
	h := New(&fakeEstimator{}, &fakeModels{err: errors.New("connection refused")}, nil, quietLogger())
	rec := httptest.NewRecorder()
	h.ListModels(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, decode[errorBody](t, rec).Retryable)
}

func TestActiveModel(t *testing.T) {
	h := New(&fakeEstimator{}, testModels(), nil, quietLogger())
	rec := httptest.NewRecorder()
	h.ActiveModel(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models/active", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	mi := decode[modelInfo](t, rec)
	assert.Equal(t, int64(2), mi.VersionID)
	assert.True(t, mi.Active)
	assert.InDelta(t, 1.5, mi.ValidationError, 1e-9)
}

func TestActiveModel_None(t *testing.T) {
	h := New(&fakeEstimator{}, &fakeModels{}, nil, quietLogger())
	rec := httptest.NewRecorder()
	h.ActiveModel(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models/active", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", decode[errorBody](t, rec).Kind)
}

func TestTriggerRefresh(t *testing.T) {
	r := &fakeRefresher{}
	h := New(&fakeEstimator{}, &fakeModels{}, r, quietLogger())

	rec := httptest.NewRecorder()
	h.TriggerRefresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[refreshStatus](t, rec).Started)

	r.busy = true
	rec = httptest.NewRecorder()
	h.TriggerRefresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	st := decode[refreshStatus](t, rec)
	assert.False(t, st.Started)
	assert.Equal(t, refresh.StateTraining, st.State)
	assert.Equal(t, 2, r.trigger)
}

func TestRefresh_Disabled(t *testing.T) {
	h := New(&fakeEstimator{}, &fakeModels{}, nil, quietLogger())
	rec := httptest.NewRecorder()
	h.TriggerRefresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.RefreshStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/refresh", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := New(&fakeEstimator{loaded: 7}, &fakeModels{}, &fakeRefresher{}, quietLogger())
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", got.Status)
	assert.True(t, got.ModelLoaded)
	assert.Equal(t, int64(7), got.ModelVersion)
	assert.Equal(t, refresh.StateIdle, got.RefreshState)
}

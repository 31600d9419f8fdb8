package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"busdelay/internal/modelstore"
	"busdelay/internal/predict"
	"busdelay/internal/refresh"
)

// modelInfo is an artifact without its parameters.
type modelInfo struct {
	VersionID           int64     `json:"version_id"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
	Estimator           string    `json:"estimator"`
	RunID               string    `json:"run_id,omitempty"`
	TrainingWindowStart time.Time `json:"training_window_start"`
	TrainingWindowEnd   time.Time `json:"training_window_end"`
	ValidationError     float64   `json:"validation_error"`
	TrainingSamples     int       `json:"training_samples"`
	ValidationSamples   int       `json:"validation_samples"`
}

func newModelInfo(a modelstore.Artifact, active int64) modelInfo {
	return modelInfo{
		VersionID:           a.VersionID,
		Active:              a.VersionID == active,
		CreatedAt:           a.CreatedAt,
		Estimator:           a.Estimator,
		RunID:               a.RunID,
		TrainingWindowStart: a.TrainingWindowStart,
		TrainingWindowEnd:   a.TrainingWindowEnd,
		ValidationError:     a.ValidationError,
		TrainingSamples:     a.TrainingSamples,
		ValidationSamples:   a.ValidationSamples,
	}
}

// activeVersion returns the active version id, or 0 when none is set.
func (h *Handler) activeVersion(ctx context.Context) (int64, error) {
	id, err := h.models.ActiveVersion(ctx)
	if errors.Is(err, modelstore.ErrNoActiveModel) {
		return 0, nil
	}
	return id, err
}

// ListModels handles GET /api/v1/models, newest first.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active, err := h.activeVersion(ctx)
	if err != nil {
		h.storeError(w, err)
		return
	}
	ids, err := h.models.List(ctx)
	if err != nil {
		h.storeError(w, err)
		return
	}

	out := make([]modelInfo, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		a, err := h.models.Get(ctx, ids[i])
		if errors.Is(err, modelstore.ErrNotFound) {
			// deleted between List and Get
			continue
		}
		if err != nil {
			h.storeError(w, err)
			return
		}
		out = append(out, newModelInfo(a, active))
	}
	writeJSON(w, http.StatusOK, out)
}

// ActiveModel handles GET /api/v1/models/active.
func (h *Handler) ActiveModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.models.ActiveVersion(ctx)
	if errors.Is(err, modelstore.ErrNoActiveModel) {
		WriteError(w, http.StatusNotFound, kindNotFound, "no model has been promoted", false)
		return
	}
	if err != nil {
		h.storeError(w, err)
		return
	}
	a, err := h.models.Get(ctx, id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newModelInfo(a, id))
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	h.logger.Error("model store request failed", "error", err)
	WriteError(w, http.StatusServiceUnavailable, string(predict.KindServiceUnavailable), "model store unavailable", true)
}

type refreshStatus struct {
	Started bool            `json:"started"`
	State   refresh.State   `json:"state"`
	Last    *refresh.Result `json:"last,omitempty"`
}

// TriggerRefresh handles POST /api/v1/refresh. The cycle outlives the request.
func (h *Handler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		WriteError(w, http.StatusNotFound, kindNotFound, "refresh is disabled", false)
		return
	}
	started := h.refresher.Trigger(context.WithoutCancel(r.Context()))
	state, last := h.refresher.Status()
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	writeJSON(w, status, refreshStatus{Started: started, State: state, Last: last})
}

// RefreshStatus handles GET /api/v1/refresh.
func (h *Handler) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		WriteError(w, http.StatusNotFound, kindNotFound, "refresh is disabled", false)
		return
	}
	state, last := h.refresher.Status()
	writeJSON(w, http.StatusOK, refreshStatus{State: state, Last: last})
}

// Package handler implements the JSON serving API.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"busdelay/internal/modelstore"
	"busdelay/internal/predict"
	"busdelay/internal/refresh"
)

// Estimator answers delay queries. *predict.Service implements it.
type Estimator interface {
	Estimate(ctx context.Context, q predict.Query) (predict.Estimate, error)
	LoadedVersion() (int64, bool)
}

// Models is the read side of the model store. *modelstore.Store implements it.
type Models interface {
	List(ctx context.Context) ([]int64, error)
	Get(ctx context.Context, id int64) (modelstore.Artifact, error)
	ActiveVersion(ctx context.Context) (int64, error)
}

// Refresher starts refresh cycles. *refresh.Controller implements it.
type Refresher interface {
	Trigger(ctx context.Context) bool
	Status() (refresh.State, *refresh.Result)
}

// Handler holds shared dependencies for all HTTP handlers.
type Handler struct {
	est       Estimator
	models    Models
	refresher Refresher // nil when background refresh is disabled
	logger    *slog.Logger
}

// New creates a Handler. r may be nil.
func New(est Estimator, models Models, r Refresher, logger *slog.Logger) *Handler {
	return &Handler{est: est, models: models, refresher: r, logger: logger}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

const (
	kindNotFound = "NotFound"
	kindInternal = "Internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error body. Retryable errors carry a Retry-After hint.
func WriteError(w http.ResponseWriter, status int, kind, message string, retryable bool) {
	if retryable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Kind: kind, Message: message, Retryable: retryable})
}

type healthResponse struct {
	Status       string        `json:"status"`
	ModelLoaded  bool          `json:"model_loaded"`
	ModelVersion int64         `json:"model_version,omitempty"`
	RefreshState refresh.State `json:"refresh_state,omitempty"`
}

// Health reports liveness and the model the service is currently serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if v, ok := h.est.LoadedVersion(); ok {
		resp.ModelLoaded = true
		resp.ModelVersion = v
	}
	if h.refresher != nil {
		resp.RefreshState, _ = h.refresher.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

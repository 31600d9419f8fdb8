package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"busdelay/internal/predict"
)

// estimateRequest is the POST body. Time is RFC 3339; empty means now.
type estimateRequest struct {
	RouteID   string `json:"route_id"`
	Direction string `json:"direction"`
	StopID    string `json:"stop_id"`
	Time      string `json:"time"`
}

// Estimate handles GET /api/v1/estimate?route_id=&direction=&stop_id=&time=
// and POST /api/v1/estimate with the same fields as JSON.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if r.Method == http.MethodPost {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, string(predict.KindInvalidQuery), fmt.Sprintf("malformed request body: %v", err), false)
			return
		}
	} else {
		q := r.URL.Query()
		req = estimateRequest{
			RouteID:   q.Get("route_id"),
			Direction: q.Get("direction"),
			StopID:    q.Get("stop_id"),
			Time:      q.Get("time"),
		}
	}

	query := predict.Query{RouteID: req.RouteID, Direction: req.Direction, StopID: req.StopID}
	if ts := strings.TrimSpace(req.Time); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			WriteError(w, http.StatusBadRequest, string(predict.KindInvalidQuery), fmt.Sprintf("time %q is not RFC 3339", ts), false)
			return
		}
		query.Time = t
	}

	est, err := h.est.Estimate(r.Context(), query)
	if err != nil {
		h.writeEstimateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (h *Handler) writeEstimateError(w http.ResponseWriter, err error) {
	var pe *predict.Error
	if !errors.As(err, &pe) {
		h.logger.Error("estimate failed", "error", err)
		WriteError(w, http.StatusInternalServerError, kindInternal, "internal error", false)
		return
	}
	switch pe.Kind {
	case predict.KindInvalidQuery:
		WriteError(w, http.StatusBadRequest, string(pe.Kind), pe.Message, false)
	case predict.KindServiceUnavailable:
		WriteError(w, http.StatusServiceUnavailable, string(pe.Kind), pe.Message, true)
	default:
		h.logger.Error("estimate failed", "error", err)
		WriteError(w, http.StatusInternalServerError, kindInternal, "internal error", false)
	}
}

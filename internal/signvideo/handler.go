package signvideo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/signbridge/internal/observe"
)

const maxRequestBytes = 64 << 10

// Looker is the part of [Client] the handler needs.
type Looker interface {
	Lookup(ctx context.Context, text string) (string, error)
}

// Handler serves POST /get-sign.
//
//	200 {"video_url": "..."}
//	400 {"error": "..."}                  text missing
//	xxx {"error": "...", "details": "..."} upstream non-2xx, status forwarded
//	500 {"error": "..."}                  anything else
type Handler struct {
	looker Looker
}

// NewHandler returns a Handler backed by l.
func NewHandler(l Looker) *Handler {
	return &Handler{looker: l}
}

type getSignRequest struct {
	Text string `json:"text"`
}

type getSignResponse struct {
	VideoURL string `json:"video_url"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var req getSignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Request body must be JSON."})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "The 'text' field is required in the request body."})
		return
	}

	videoURL, err := h.looker.Lookup(r.Context(), req.Text)
	if err != nil {
		var up *UpstreamError
		if errors.As(err, &up) {
			log.Warn("sign video upstream failed", "status", up.StatusCode)
			writeJSON(w, up.StatusCode, errorResponse{
				Error:   "Failed to get translation from upstream service.",
				Details: up.Body,
			})
			return
		}
		log.Error("sign video lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, getSignResponse{VideoURL: videoURL})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

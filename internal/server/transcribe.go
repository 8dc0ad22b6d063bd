package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/shoutd/internal/session"
	"github.com/MrWong99/shoutd/pkg/audio"
)

// transcribeResponse is the JSON body returned from POST /v1/transcribe.
type transcribeResponse struct {
	RunID   string `json:"run_id"`
	Samples int    `json:"samples"`
}

// cancelResponse is the JSON body returned from POST /v1/cancel.
type cancelResponse struct {
	Running bool `json:"running"`
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
}

// handleTranscribe handles POST /v1/transcribe. The body is raw audio in
// the format named by the query. The run is started asynchronously and its
// results arrive on /v1/events.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	batch, _, _ := s.defaults()
	req, err := parseBatch(r.URL.Query(), batch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := s.cfg.MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conv, err := audio.NewConverter(req.format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	samples, err := conv.Convert(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 && len(samples) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("body is not a whole number of "+req.format.String()+" frames"))
		return
	}

	handle, err := s.host.Run(samples, req.params)
	if err != nil {
		if errors.Is(err, session.ErrModelNotLoaded) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	slog.Info("transcription accepted",
		"run_id", handle.ID,
		"samples", len(samples),
		"format", req.format.String(),
		"language", req.params.Language,
	)
	writeJSON(w, http.StatusAccepted, transcribeResponse{RunID: handle.ID, Samples: len(samples)})
}

// handleCancel handles POST /v1/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cancelResponse{Running: s.host.Cancel() == 1})
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError replies with an [errorResponse].
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

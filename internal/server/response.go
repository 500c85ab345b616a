package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"local-qa-bot/internal/rag"
)

// envelope is the body of every response: data on success, error otherwise.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Int("status", status).Msg("Failed to write response")
	}
}

func respond(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{Error: message})
}

// askStatus maps an orchestrator error to a status code. A bad question is
// the caller's fault; anything else failed upstream of the server.
func askStatus(err error) int {
	switch {
	case errors.Is(err, rag.ErrEmptyQuestion):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/loqalabs/lovanote/internal/apperr"
)

func jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	jsonResponse(w, map[string]string{"error": msg}, status)
}

// pipelineError reports a failed request with its failure class.
func pipelineError(w http.ResponseWriter, prefix string, err error) {
	jsonResponse(w, map[string]string{
		"error": prefix + err.Error(),
		"kind":  apperr.KindOf(err).String(),
	}, apperr.HTTPStatus(err))
}

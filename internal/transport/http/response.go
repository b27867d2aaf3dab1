package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"enforcement-queue/internal/repository/postgresql"
	"enforcement-queue/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps service and repository errors to HTTP statuses.
func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, postgresql.ErrNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, postgresql.ErrNotFailed):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrKindRequired),
		errors.Is(err, service.ErrInvalidKind),
		errors.Is(err, service.ErrInvalidState):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrQueueEndpointMissing):
		writeErr(w, http.StatusServiceUnavailable, "queue unavailable")
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"cronhub/internal/storage"
	"cronhub/internal/task/cronexpr"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/registry"
	"cronhub/internal/task/scheduler"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string                `json:"error"`
	Fields []registry.FieldError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeErr maps domain errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var verr *registry.ParameterValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	writeJSON(w, statusOf(err), body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrSkipped),
		errors.Is(err, scheduler.ErrJobArchived),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, engine.ErrNotCancellable),
		errors.Is(err, scheduler.ErrJobLimit):
		return http.StatusConflict
	case errors.Is(err, cronexpr.ErrInvalidCronExpression),
		errors.Is(err, registry.ErrUnknownTask),
		errors.Is(err, registry.ErrParameterValidation),
		errors.Is(err, scheduler.ErrInvalidPolicy),
		errors.Is(err, scheduler.ErrInvalidJob):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrStoreUnavailable),
		errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrDisabled),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type listResponse struct {
	Items  any `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

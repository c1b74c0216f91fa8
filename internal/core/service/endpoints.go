package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/api/dto"
	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/store"
)

const maxPushBody = 10 << 20

func (a *Adapter) handlerFor(kind routeKind) http.Handler {
	switch kind {
	case routePush:
		return http.HandlerFunc(a.handlePush)
	case routeBackPressure:
		return http.HandlerFunc(a.handleBackPressure)
	case routeQueuePeek:
		return http.HandlerFunc(a.handlePeek)
	default:
		return http.HandlerFunc(a.handlePop)
	}
}

func (a *Adapter) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "push payload must be valid JSON")
		return
	}

	event, err := a.Ingest(r.Context(), body)
	if err != nil {
		a.logger.Warn("push rejected", zap.Error(err))
		status, code := ErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

func (a *Adapter) handleBackPressure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.BackPressure())
}

func (a *Adapter) handlePeek(w http.ResponseWriter, r *http.Request) {
	out, err := a.Peek(r.Context())
	if err != nil {
		status, code := ErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Adapter) handlePop(w http.ResponseWriter, r *http.Request) {
	out, err := a.Pop(r.Context())
	if err != nil {
		status, code := ErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ErrorStatus traduz a classe do erro para status HTTP e código da API
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest, "CONFIGURATION_ERROR"
	case errors.Is(err, domain.ErrTransientIO):
		return http.StatusServiceUnavailable, "TRANSIENT_IO_ERROR"
	case errors.Is(err, domain.ErrDataConsistency):
		return http.StatusInternalServerError, "DATA_CONSISTENCY_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, dto.ErrorResponse{Error: message, Code: code})
}

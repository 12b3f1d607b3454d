package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/document"
	"agreementflow/partner"
	"agreementflow/settings"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = "req_" + uuid.NewString()
	}
	writeJSON(w, status, errorBody{
		RequestID: requestID,
		Error:     errorDetail{Code: code, Message: message},
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound), errors.Is(err, partner.ErrNotFound), errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, document.ErrAttachmentNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, agreement.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
	case errors.Is(err, agreement.ErrPrecondition), errors.Is(err, settings.ErrInvalidSetting),
		errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrPartnerRequired):
		writeError(w, r, http.StatusUnprocessableEntity, "PRECONDITION_FAILED", err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, agreement.ErrExternalService):
		s.logger.WarnContext(r.Context(), "external service failure", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusBadGateway, "EXTERNAL_SERVICE", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

// accessLog logs one line per request.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

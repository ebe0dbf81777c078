package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/auth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError replies with the status for err's kind. Internal errors are
// logged and their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	msg := err.Error()

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", status),
			zap.Error(err),
		)
		if kind == apperr.KindInternal {
			msg = "internal error"
		}
	}

	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
		"kind":    kind,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.ErrPayloadTooLarge, err)
		}
		return &apperr.Error{Kind: apperr.KindValidation, Message: "invalid JSON body", Cause: err}
	}
	return nil
}

// pathParam returns the unescaped chi URL parameter.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func currentUser(r *http.Request) (string, error) {
	id, ok := auth.UserID(r.Context())
	if !ok {
		return "", apperr.ErrUnauthorized
	}
	return id, nil
}

// requireSelf fails unless the signed-in user is userID.
func requireSelf(r *http.Request, userID string) error {
	id, err := currentUser(r)
	if err != nil {
		return err
	}
	if id != userID {
		return apperr.ErrForbidden
	}
	return nil
}

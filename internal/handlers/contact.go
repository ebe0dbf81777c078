package handlers

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/mailer"
	"github.com/petermazzocco/carspotter/internal/validation"
)

func SendContactEmailHandler(w http.ResponseWriter, r *http.Request, sender mailer.Sender, v *validator.Validate, logger *zap.Logger) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)

	var msg mailer.ContactMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, r, logger, err)
		return
	}
	msg.Name = strings.TrimSpace(msg.Name)
	msg.Email = strings.TrimSpace(msg.Email)
	msg.Message = strings.TrimSpace(msg.Message)
	if err := validation.Struct(v, msg); err != nil {
		writeError(w, r, logger, err)
		return
	}

	if err := sender.SendContact(r.Context(), msg); err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

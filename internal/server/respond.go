package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"herald/internal/discord"
	"herald/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondOK wraps a payload in the success envelope. Extra keys ride next
// to "success": {"success":true, "users":[...]}.
func respondOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func respondError(w http.ResponseWriter, status int, message string, details any) {
	body := map[string]any{"success": false, "message": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// respondFailure maps an error from the service layer onto the failure
// envelope: unknown bot is 404, an upstream Discord rejection is 400 with
// the upstream status in details, anything else is a local failure.
func respondFailure(w http.ResponseWriter, log *slog.Logger, err error, message string) {
	if errors.Is(err, store.ErrBotNotFound) {
		respondError(w, http.StatusNotFound, "bot not found", nil)
		return
	}
	var apiErr *discord.APIError
	if errors.As(err, &apiErr) {
		respondError(w, http.StatusBadRequest, message, map[string]any{
			"status":  apiErr.Status,
			"message": apiErr.Message,
		})
		return
	}
	log.Warn(message, slog.Any("err", err))
	respondError(w, http.StatusBadGateway, message, map[string]any{"message": err.Error()})
}

// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/msgfleet/msgfleet/session"
)

// restHandler exposes the session table read-only over HTTP, plus the
// one destructive operation (delete) operators script against. The
// notification channel remains the primary surface; this exists for
// curl and dashboards.
func restHandler(coordinator *session.Coordinator, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, map[string]any{
			"sessions": coordinator.Snapshot(),
		})
	})

	mux.HandleFunc("GET /api/authorized-users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, map[string]any{
			"users": coordinator.AuthorizedUsers(),
		})
	})

	mux.HandleFunc("DELETE /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := coordinator.DeleteSession(r.Context(), id)
		switch {
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, "unknown session", http.StatusNotFound)
		case err != nil:
			logger.Error("delete via rest failed", "session_id", id, "error", err)
			http.Error(w, "deletion failed", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("writing response failed", "error", err)
	}
}

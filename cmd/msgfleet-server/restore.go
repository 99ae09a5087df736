// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/msgfleet/msgfleet/lib/sealed"
	"github.com/msgfleet/msgfleet/session"
	"github.com/msgfleet/msgfleet/store"
)

// restoreSessions re-provisions every session that was ready when the
// previous process stopped. A record that cannot be restored — its
// identity will not unseal, or its runner will not start — is purged
// rather than retried forever: the authenticated browser profile it
// points at is gone or unusable, and the operator creates a fresh
// session instead.
func restoreSessions(ctx context.Context, coordinator *session.Coordinator, st *store.Store, key *sealed.Identity, logger *slog.Logger) error {
	records, err := st.FindByStatus(ctx, session.StateReady)
	if err != nil {
		return fmt.Errorf("reading restorable sessions: %w", err)
	}

	restored := 0
	for _, record := range records {
		if record.SealedIdentity == "" {
			logger.Warn("record has no sealed identity, purging", "session_id", record.SessionID)
			purge(ctx, st, record.SessionID, logger)
			continue
		}
		identity, err := store.UnsealIdentity(key, record.SealedIdentity)
		if err != nil {
			logger.Warn("unsealing identity failed, purging",
				"session_id", record.SessionID,
				"error", err,
			)
			purge(ctx, st, record.SessionID, logger)
			continue
		}
		if err := coordinator.RestoreSession(ctx, record, identity); err != nil {
			logger.Warn("restore failed, purging",
				"session_id", record.SessionID,
				"error", err,
			)
			purge(ctx, st, record.SessionID, logger)
			continue
		}
		restored++
	}

	if len(records) > 0 {
		logger.Info("session restoration complete",
			"eligible", len(records),
			"restored", restored,
		)
	}
	return nil
}

func purge(ctx context.Context, st *store.Store, sessionID string, logger *slog.Logger) {
	if err := st.Delete(ctx, sessionID); err != nil {
		logger.Error("purging record failed", "session_id", sessionID, "error", err)
	}
}

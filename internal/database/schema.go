package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// Schema DDL. Statements are idempotent so startup can run them
// unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id UUID PRIMARY KEY,
		recipient VARCHAR(255) NOT NULL,
		message TEXT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		channel_used VARCHAR(20),
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications (recipient)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications (status)`,
	`CREATE TABLE IF NOT EXISTS notification_attempts (
		id BIGSERIAL PRIMARY KEY,
		notification_id UUID NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
		channel VARCHAR(20) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		success BOOLEAN NOT NULL,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_attempts_notification_id ON notification_attempts (notification_id)`,
}

// EnsureSchema creates the notification tables and indexes if they do not
// exist. It runs in a single transaction so a partial bootstrap cannot leave
// the schema half-built.
func EnsureSchema(ctx context.Context, db *DB) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "ensure_schema",
	})

	err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema statement: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("Schema bootstrap failed")
		return err
	}

	logger.Info("Database schema ensured")
	return nil
}

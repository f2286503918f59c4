package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/notifyrelay/notifyrelay/internal/database"
)

// ErrNotFound is returned when a notification is not found.
var ErrNotFound = errors.New("notification not found")

// ErrAlreadySent is returned by guarded status updates when the notification
// has already reached the terminal sent state.
var ErrAlreadySent = errors.New("notification already sent")

// Store handles PostgreSQL operations for notifications. It provides the
// audit trail and persistent state the delivery engine and retry worker
// operate on.
type Store interface {
	// Create inserts a new notification in status pending.
	Create(ctx context.Context, n *Notification) error

	// AppendAttempt records one delivery attempt and advances the parent
	// notification's updated_at. Attempts are append-only.
	AppendAttempt(ctx context.Context, a *Attempt) error

	// MarkSent atomically transitions a notification to sent and records
	// the channel that succeeded. Returns ErrAlreadySent when the row is
	// already sent; sent is terminal.
	MarkSent(ctx context.Context, id uuid.UUID, channel Channel) error

	// MarkFailed transitions a notification to failed unless it is sent.
	MarkFailed(ctx context.Context, id uuid.UUID) error

	// MarkPending resets a notification to pending before a retry round,
	// unless it is sent.
	MarkPending(ctx context.Context, id uuid.UUID) error

	// Load retrieves a notification with its attempts in insertion order.
	Load(ctx context.Context, id uuid.UUID) (*Notification, error)

	// List retrieves notifications matching the filter, newest first,
	// without attempts.
	List(ctx context.Context, filter ListFilter) ([]*Notification, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new notification in status pending.
func (s *PostgresStore) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now().UTC()
	n.Status = StatusPending
	n.CreatedAt = now
	n.UpdatedAt = now

	query := `
		INSERT INTO notifications (id, recipient, message, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.Recipient, n.Message, n.Status, n.Metadata, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	return nil
}

// AppendAttempt records one delivery attempt. The insert and the parent's
// updated_at bump commit together, and always before any status transition
// that follows, so a reader observing status=sent also observes the success
// attempt.
func (s *PostgresStore) AppendAttempt(ctx context.Context, a *Attempt) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO notification_attempts (notification_id, channel, timestamp, success, error_message)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`
		if err := tx.QueryRowContext(ctx, query,
			a.NotificationID, a.Channel, a.Timestamp, a.Success, a.ErrorMessage,
		).Scan(&a.ID); err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}

		bump := `UPDATE notifications SET updated_at = $2 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, bump, a.NotificationID, a.Timestamp); err != nil {
			return fmt.Errorf("failed to advance notification updated_at: %w", err)
		}

		return nil
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return err
	}

	return nil
}

// MarkSent atomically transitions a notification to sent.
func (s *PostgresStore) MarkSent(ctx context.Context, id uuid.UUID, channel Channel) error {
	query := `
		UPDATE notifications
		SET status = $2, channel_used = $3, updated_at = $4
		WHERE id = $1 AND status <> $2
	`

	result, err := s.db.ExecContext(ctx, query, id, StatusSent, channel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}

	return s.requireUpdated(ctx, result, id)
}

// MarkFailed transitions a notification to failed unless it is sent.
func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, StatusFailed)
}

// MarkPending resets a notification to pending unless it is sent.
func (s *PostgresStore) MarkPending(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, StatusPending)
}

func (s *PostgresStore) setStatus(ctx context.Context, id uuid.UUID, status Status) error {
	query := `
		UPDATE notifications
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status <> $4
	`

	result, err := s.db.ExecContext(ctx, query, id, status, time.Now().UTC(), StatusSent)
	if err != nil {
		return fmt.Errorf("failed to set notification status: %w", err)
	}

	return s.requireUpdated(ctx, result, id)
}

// requireUpdated resolves a zero-row guarded update. The guard only skips
// rows in the terminal sent state, so a zero count means the row is either
// missing or already sent.
func (s *PostgresStore) requireUpdated(ctx context.Context, result sql.Result, id uuid.UUID) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var status Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM notifications WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check notification status: %w", err)
	}

	return ErrAlreadySent
}

// Load retrieves a notification with its attempts in insertion order.
func (s *PostgresStore) Load(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT id, recipient, message, status, channel_used, metadata, created_at, updated_at
		FROM notifications
		WHERE id = $1
	`

	var n Notification
	var channelUsed sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&n.ID, &n.Recipient, &n.Message, &n.Status, &channelUsed, &n.Metadata, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	if channelUsed.Valid {
		channel := Channel(channelUsed.String)
		n.ChannelUsed = &channel
	}

	n.Attempts, err = s.loadAttempts(ctx, id)
	if err != nil {
		return nil, err
	}

	return &n, nil
}

func (s *PostgresStore) loadAttempts(ctx context.Context, id uuid.UUID) ([]Attempt, error) {
	query := `
		SELECT id, notification_id, channel, timestamp, success, error_message
		FROM notification_attempts
		WHERE notification_id = $1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}
	defer rows.Close()

	attempts := []Attempt{}
	for rows.Next() {
		var a Attempt
		var errorMessage sql.NullString

		if err := rows.Scan(&a.ID, &a.NotificationID, &a.Channel, &a.Timestamp, &a.Success, &errorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if errorMessage.Valid {
			msg := errorMessage.String
			a.ErrorMessage = &msg
		}

		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}

	return attempts, nil
}

// List retrieves notifications matching the filter, newest first. Attempts
// are not loaded; callers wanting the audit trail use Load.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Notification, error) {
	query := `
		SELECT id, recipient, message, status, channel_used, metadata, created_at, updated_at
		FROM notifications
	`

	conds := []string{}
	args := []interface{}{}

	if filter.Recipient != "" {
		args = append(args, filter.Recipient)
		conds = append(conds, fmt.Sprintf("recipient = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*Notification{}
	for rows.Next() {
		var n Notification
		var channelUsed sql.NullString

		if err := rows.Scan(&n.ID, &n.Recipient, &n.Message, &n.Status, &channelUsed, &n.Metadata, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if channelUsed.Valid {
			channel := Channel(channelUsed.String)
			n.ChannelUsed = &channel
		}

		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return notifications, nil
}

// isForeignKeyViolation reports whether err is a Postgres foreign key
// violation (SQLSTATE 23503), raised when appending an attempt for a
// notification that no longer exists.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

package notification

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyrelay/notifyrelay/internal/database"
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	return NewPostgresStore(&database.DB{DB: raw}), mock
}

func TestStoreCreate(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(sqlmock.AnyArg(), "user@example.com", "hello", "pending", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n := &Notification{Recipient: "user@example.com", Message: "hello"}
	err := store.Create(context.Background(), n)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, n.ID, "Create assigns an ID when none is given")
	assert.Equal(t, StatusPending, n.Status)
	assert.False(t, n.CreatedAt.IsZero())
	assert.Equal(t, n.CreatedAt, n.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCreateKeepsProvidedID(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(id, "user@example.com", "hello", "pending", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n := &Notification{ID: id, Recipient: "user@example.com", Message: "hello", Metadata: Metadata{"k": "v"}}
	require.NoError(t, store.Create(context.Background(), n))
	assert.Equal(t, id, n.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAppendAttempt(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	cause := "twilio 500"

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO notification_attempts").
		WithArgs(id, "sms", sqlmock.AnyArg(), false, cause).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("UPDATE notifications SET updated_at").
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &Attempt{NotificationID: id, Channel: ChannelSMS, Success: false, ErrorMessage: &cause}
	err := store.AppendAttempt(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, int64(7), a.ID)
	assert.False(t, a.Timestamp.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAppendAttemptMissingNotification(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO notification_attempts").
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})
	mock.ExpectRollback()

	a := &Attempt{NotificationID: uuid.New(), Channel: ChannelEmail, Success: true}
	err := store.AppendAttempt(context.Background(), a)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkSent(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE notifications").
		WithArgs(id, "sent", "email", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkSent(context.Background(), id, ChannelEmail)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkSentAlreadySent(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE notifications").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM notifications").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("sent"))

	err := store.MarkSent(context.Background(), id, ChannelSMS)
	assert.ErrorIs(t, err, ErrAlreadySent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkSentNotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE notifications").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM notifications").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	err := store.MarkSent(context.Background(), id, ChannelSMS)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkFailedGuardsTerminalSent(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	// The guard excludes rows already sent; the follow-up probe finds one.
	mock.ExpectExec("UPDATE notifications").
		WithArgs(id, "failed", sqlmock.AnyArg(), "sent").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM notifications").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("sent"))

	err := store.MarkFailed(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadySent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkPending(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE notifications").
		WithArgs(id, "pending", sqlmock.AnyArg(), "sent").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkPending(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoad(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, recipient, message, status, channel_used, metadata, created_at, updated_at").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "recipient", "message", "status", "channel_used", "metadata", "created_at", "updated_at",
		}).AddRow(id.String(), "user@example.com", "hello", "sent", "sms", []byte(`{"origin":"signup"}`), now, now))

	mock.ExpectQuery("SELECT id, notification_id, channel, timestamp, success, error_message").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "notification_id", "channel", "timestamp", "success", "error_message",
		}).
			AddRow(int64(1), id.String(), "email", now, false, "bounce").
			AddRow(int64(2), id.String(), "sms", now, true, nil))

	n, err := store.Load(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, n.ID)
	assert.Equal(t, StatusSent, n.Status)
	require.NotNil(t, n.ChannelUsed)
	assert.Equal(t, ChannelSMS, *n.ChannelUsed)
	assert.Equal(t, "signup", n.Metadata["origin"])

	require.Len(t, n.Attempts, 2)
	assert.Equal(t, ChannelEmail, n.Attempts[0].Channel)
	require.NotNil(t, n.Attempts[0].ErrorMessage)
	assert.Equal(t, "bounce", *n.Attempts[0].ErrorMessage)
	assert.True(t, n.Attempts[1].Success)
	assert.Nil(t, n.Attempts[1].ErrorMessage)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoadNotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery("SELECT id, recipient, message, status, channel_used, metadata, created_at, updated_at").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Load(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreListFilters(t *testing.T) {
	store, mock := newStoreWithMock(t)

	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE recipient = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("user@example.com", "failed", 10, 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "recipient", "message", "status", "channel_used", "metadata", "created_at", "updated_at",
		}).AddRow(id.String(), "user@example.com", "hello", "failed", nil, nil, now, now))

	list, err := store.List(context.Background(), ListFilter{
		Recipient: "user@example.com",
		Status:    StatusFailed,
		Limit:     10,
		Offset:    5,
	})
	require.NoError(t, err)

	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Nil(t, list[0].ChannelUsed)
	assert.Nil(t, list[0].Metadata)
	assert.Empty(t, list[0].Attempts, "List does not load the audit trail")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreListLimitBounds(t *testing.T) {
	emptyRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "recipient", "message", "status", "channel_used", "metadata", "created_at", "updated_at",
		})
	}

	t.Run("default limit", func(t *testing.T) {
		store, mock := newStoreWithMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $1")).
			WithArgs(50).
			WillReturnRows(emptyRows())

		list, err := store.List(context.Background(), ListFilter{})
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit capped", func(t *testing.T) {
		store, mock := newStoreWithMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $1")).
			WithArgs(200).
			WillReturnRows(emptyRows())

		_, err := store.List(context.Background(), ListFilter{Limit: 1000})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

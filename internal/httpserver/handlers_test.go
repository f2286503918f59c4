package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/notifyrelay/notifyrelay/internal/monitoring"
	"github.com/notifyrelay/notifyrelay/internal/notification"
)

type mockNotificationService struct {
	mock.Mock
}

func (m *mockNotificationService) CreateAndSend(ctx context.Context, req notification.CreateRequest) (*notification.Notification, error) {
	args := m.Called(ctx, req)
	if n := args.Get(0); n != nil {
		return n.(*notification.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotificationService) GetByID(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	args := m.Called(ctx, id)
	if n := args.Get(0); n != nil {
		return n.(*notification.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotificationService) List(ctx context.Context, filter notification.ListFilter) ([]*notification.Notification, error) {
	args := m.Called(ctx, filter)
	if ns := args.Get(0); ns != nil {
		return ns.([]*notification.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

// wireNotification mirrors the response JSON for decoding in assertions.
type wireNotification struct {
	ID          string        `json:"id"`
	Recipient   string        `json:"recipient"`
	Message     string        `json:"message"`
	Status      string        `json:"status"`
	ChannelUsed *string       `json:"channel_used"`
	Attempts    []wireAttempt `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type wireAttempt struct {
	Channel      string  `json:"channel"`
	Success      bool    `json:"success"`
	ErrorMessage *string `json:"error_message"`
}

func newTestServer(service NotificationService) *Server {
	gin.SetMode(gin.TestMode)
	return New(Options{
		Addr:          ":0",
		ServiceName:   "notifyrelay-test",
		Service:       service,
		HealthChecker: monitoring.NewHealthChecker("notifyrelay-test", "test"),
	})
}

func sentNotification(id uuid.UUID) *notification.Notification {
	channel := notification.ChannelSMS
	errMsg := "smtp connect refused"
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &notification.Notification{
		ID:          id,
		Recipient:   "user@example.com",
		Message:     "hello",
		Status:      notification.StatusSent,
		ChannelUsed: &channel,
		Metadata:    notification.Metadata{"origin": "signup"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Attempts: []notification.Attempt{
			{ID: 1, NotificationID: id, Channel: notification.ChannelEmail, Timestamp: now, Success: false, ErrorMessage: &errMsg},
			{ID: 2, NotificationID: id, Channel: notification.ChannelSMS, Timestamp: now, Success: true},
		},
	}
}

func TestCreateNotificationDelivered(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	id := uuid.New()
	expectedReq := notification.CreateRequest{
		Recipient: "user@example.com",
		Message:   "hello",
		Channels:  []notification.Channel{notification.ChannelEmail, notification.ChannelSMS},
	}
	service.On("CreateAndSend", mock.Anything, expectedReq).Return(sentNotification(id), nil)

	body := `{"recipient":"user@example.com","message":"hello","channels":["email","sms"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var got wireNotification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, id.String(), got.ID)
	assert.Equal(t, "sent", got.Status)
	require.NotNil(t, got.ChannelUsed)
	assert.Equal(t, "sms", *got.ChannelUsed)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, "email", got.Attempts[0].Channel)
	assert.False(t, got.Attempts[0].Success)
	require.NotNil(t, got.Attempts[0].ErrorMessage)
	assert.Equal(t, "smtp connect refused", *got.Attempts[0].ErrorMessage)
	assert.True(t, got.Attempts[1].Success)

	// Metadata is write-only: accepted on create, never returned.
	assert.NotContains(t, w.Body.String(), "metadata")

	service.AssertExpectations(t)
}

func TestCreateNotificationFailedStillCreated(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	id := uuid.New()
	errMsg := "no provider for telegram"
	now := time.Now().UTC()
	failed := &notification.Notification{
		ID:        id,
		Recipient: "user@example.com",
		Message:   "hello",
		Status:    notification.StatusFailed,
		CreatedAt: now,
		UpdatedAt: now,
		Attempts: []notification.Attempt{
			{ID: 1, NotificationID: id, Channel: notification.ChannelTelegram, Timestamp: now, Success: false, ErrorMessage: &errMsg},
		},
	}
	service.On("CreateAndSend", mock.Anything, mock.Anything).Return(failed, nil)

	body := `{"recipient":"user@example.com","message":"hello","channels":["telegram"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var got wireNotification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "failed", got.Status)
	assert.Nil(t, got.ChannelUsed)
}

func TestCreateNotificationMalformedBody(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
	service.AssertNotCalled(t, "CreateAndSend", mock.Anything, mock.Anything)
}

func TestCreateNotificationValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "empty recipient",
			body: `{"recipient":"","message":"hello","channels":["email"]}`,
		},
		{
			name: "empty channels",
			body: `{"recipient":"user@example.com","message":"hello","channels":[]}`,
		},
		{
			name: "unknown channel",
			body: `{"recipient":"user@example.com","message":"hello","channels":["fax"]}`,
		},
		{
			name: "message too long",
			body: `{"recipient":"user@example.com","message":"` + strings.Repeat("a", notification.MaxMessageLen+1) + `","channels":["email"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &mockNotificationService{}
			server := newTestServer(service)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			server.Handler().ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			service.AssertNotCalled(t, "CreateAndSend", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateNotificationServiceError(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	service.On("CreateAndSend", mock.Anything, mock.Anything).
		Return(nil, errors.New("failed to create notification: connection refused"))

	body := `{"recipient":"user@example.com","message":"hello","channels":["email"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestGetNotification(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	id := uuid.New()
	service.On("GetByID", mock.Anything, id).Return(sentNotification(id), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/"+id.String(), nil)
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var got wireNotification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, id.String(), got.ID)
	assert.Len(t, got.Attempts, 2)
	service.AssertExpectations(t)
}

func TestGetNotificationNotFound(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	id := uuid.New()
	service.On("GetByID", mock.Anything, id).Return(nil, notification.ErrNotFound)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/"+id.String(), nil)
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestGetNotificationMalformedID(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/not-a-uuid", nil)
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	service.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestGetNotificationStoreError(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	id := uuid.New()
	service.On("GetByID", mock.Anything, id).Return(nil, errors.New("pq: relation does not exist"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/"+id.String(), nil)
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "relation")
}

func TestListNotifications(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	expectedFilter := notification.ListFilter{
		Recipient: "user@example.com",
		Status:    notification.StatusFailed,
		Limit:     10,
		Offset:    5,
	}
	service.On("List", mock.Anything, expectedFilter).
		Return([]*notification.Notification{sentNotification(uuid.New()), sentNotification(uuid.New())}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/notifications?recipient=user@example.com&status=failed&limit=10&offset=5", nil)
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Notifications []wireNotification `json:"notifications"`
		Count         int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)
	assert.Len(t, got.Notifications, 2)
	service.AssertExpectations(t)
}

func TestListNotificationsEmpty(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	service.On("List", mock.Anything, notification.ListFilter{}).
		Return([]*notification.Notification{}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"notifications":[]`)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestListNotificationsInvalidStatus(t *testing.T) {
	service := &mockNotificationService{}
	server := newTestServer(service)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications?status=delivered", nil)
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	service.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
}

func TestListNotificationsInvalidPagination(t *testing.T) {
	for _, query := range []string{"limit=-1", "limit=abc", "offset=-3"} {
		t.Run(query, func(t *testing.T) {
			service := &mockNotificationService{}
			server := newTestServer(service)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications?"+query, nil)
			server.Handler().ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			service.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
		})
	}
}

package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/notifyrelay/notifyrelay/internal/errors"
	"github.com/notifyrelay/notifyrelay/internal/middleware"
	"github.com/notifyrelay/notifyrelay/internal/notification"
)

// NotificationService is the slice of the notification service the HTTP
// handlers depend on.
type NotificationService interface {
	CreateAndSend(ctx context.Context, req notification.CreateRequest) (*notification.Notification, error)
	GetByID(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	List(ctx context.Context, filter notification.ListFilter) ([]*notification.Notification, error)
}

// Handler holds the HTTP handlers for the notification endpoints.
type Handler struct {
	service NotificationService
}

// NewHandler creates the endpoint handlers.
func NewHandler(service NotificationService) *Handler {
	return &Handler{service: service}
}

// createNotificationRequest is the POST body.
type createNotificationRequest struct {
	Recipient string                 `json:"recipient"`
	Message   string                 `json:"message"`
	Channels  []string               `json:"channels"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// notificationResponse is the wire shape of a notification. Metadata is
// accepted on create but not returned.
type notificationResponse struct {
	ID          uuid.UUID             `json:"id"`
	Recipient   string                `json:"recipient"`
	Message     string                `json:"message"`
	Status      notification.Status   `json:"status"`
	ChannelUsed *notification.Channel `json:"channel_used"`
	Attempts    []attemptResponse     `json:"attempts"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

type attemptResponse struct {
	Channel      notification.Channel `json:"channel"`
	Timestamp    time.Time            `json:"timestamp"`
	Success      bool                 `json:"success"`
	ErrorMessage *string              `json:"error_message"`
}

func toNotificationResponse(n *notification.Notification) notificationResponse {
	attempts := make([]attemptResponse, 0, len(n.Attempts))
	for _, a := range n.Attempts {
		attempts = append(attempts, attemptResponse{
			Channel:      a.Channel,
			Timestamp:    a.Timestamp,
			Success:      a.Success,
			ErrorMessage: a.ErrorMessage,
		})
	}

	return notificationResponse{
		ID:          n.ID,
		Recipient:   n.Recipient,
		Message:     n.Message,
		Status:      n.Status,
		ChannelUsed: n.ChannelUsed,
		Attempts:    attempts,
		CreatedAt:   n.CreatedAt,
		UpdatedAt:   n.UpdatedAt,
	}
}

// CreateNotification handles POST /api/v1/notifications. The first delivery
// round runs synchronously: the response is 201 with the full audit trail
// whether delivery succeeded or the retry pipeline took over.
func (h *Handler) CreateNotification(c *gin.Context) {
	var body createNotificationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		middleware.RespondWithError(c, apperrors.NewValidationError("body", err.Error()))
		return
	}

	channels := make([]notification.Channel, 0, len(body.Channels))
	for _, tag := range body.Channels {
		channels = append(channels, notification.Channel(tag))
	}

	req := notification.CreateRequest{
		Recipient: body.Recipient,
		Message:   body.Message,
		Channels:  channels,
		Metadata:  notification.Metadata(body.Metadata),
	}
	if err := req.Validate(); err != nil {
		middleware.RespondWithError(c, apperrors.NewValidationError("request", err.Error()))
		return
	}

	n, err := h.service.CreateAndSend(c.Request.Context(), req)
	if err != nil {
		middleware.RespondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toNotificationResponse(n))
}

// GetNotification handles GET /api/v1/notifications/:id.
func (h *Handler) GetNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.RespondWithError(c, apperrors.NewValidationError("id", "id must be a valid UUID"))
		return
	}

	n, err := h.service.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			middleware.RespondWithError(c, apperrors.NewNotFoundError("notification"))
			return
		}
		middleware.RespondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toNotificationResponse(n))
}

// ListNotifications handles GET /api/v1/notifications with optional
// recipient, status, limit and offset query parameters.
func (h *Handler) ListNotifications(c *gin.Context) {
	filter := notification.ListFilter{
		Recipient: c.Query("recipient"),
	}

	if raw := c.Query("status"); raw != "" {
		status := notification.Status(raw)
		switch status {
		case notification.StatusPending, notification.StatusSent, notification.StatusFailed:
			filter.Status = status
		default:
			middleware.RespondWithError(c, apperrors.NewValidationError("status",
				"status must be one of pending, sent, failed"))
			return
		}
	}

	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	notifications, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		middleware.RespondWithError(c, err)
		return
	}

	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, toNotificationResponse(n))
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": responses,
		"count":         len(responses),
	})
}

// queryInt parses a non-negative integer query parameter. On failure it
// writes the error response and reports false.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		middleware.RespondWithError(c, apperrors.NewValidationError(name,
			name+" must be a non-negative integer"))
		return 0, false
	}

	return value, true
}

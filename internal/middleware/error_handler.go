package middleware

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	apperrors "github.com/notifyrelay/notifyrelay/internal/errors"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// ErrorHandler recovers from panics in downstream handlers and turns them
// into a structured 500 response. Mount it after RequestLogger so the
// correlation ID is already on the request context.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				ctx := c.Request.Context()
				stackTrace := string(debug.Stack())

				logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
					"operation":   "error_handler_panic",
					"panic_value": fmt.Sprintf("%v", r),
					"stack_trace": stackTrace,
					"method":      c.Request.Method,
					"path":        c.Request.URL.Path,
				})
				logger.Error("Panic recovered in HTTP handler")

				appErr := apperrors.NewInternalError("An unexpected error occurred", nil).
					WithCorrelationID(telemetry.GetCorrelationID(ctx))
				c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr})
			}
		}()

		c.Next()
	}
}

// RespondWithError writes a structured error response. Known *AppError values
// keep their type and status, context deadline errors become timeouts, and
// anything else is reported as an internal error without exposing its cause.
func RespondWithError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, context.DeadlineExceeded):
		appErr = apperrors.NewAppErrorWithCause(apperrors.ErrorTypeTimeout, "REQUEST_TIMEOUT", "Request timed out", err)
	default:
		appErr = apperrors.NewInternalError("An unexpected error occurred", err)
		appErr.Details = ""
	}

	if appErr.CorrelationID == "" {
		appErr.WithCorrelationID(telemetry.GetCorrelationID(ctx))
	}

	logAppError(ctx, appErr)

	// Surface the original error to the request logger.
	c.Error(err) //nolint:errcheck

	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

// logAppError logs an application error with severity matching its type.
// Client mistakes are warnings; everything else is an error.
func logAppError(ctx context.Context, appErr *apperrors.AppError) {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":  "error_handler",
		"error_type": string(appErr.Type),
		"error_code": appErr.Code,
	})
	if appErr.Cause != nil {
		logger = logger.WithError(appErr.Cause)
	}

	switch appErr.Type {
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeNotFound, apperrors.ErrorTypeTimeout:
		logger.Warn(appErr.Message)
	default:
		logger.Error(appErr.Message)
	}
}

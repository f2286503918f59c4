package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// LoggingConfig holds the configuration for the request logging middleware
type LoggingConfig struct {
	SkipPaths   []string `json:"skip_paths"`
	LogBody     bool     `json:"log_body"`
	LogHeaders  bool     `json:"log_headers"`
	MaxBodySize int      `json:"max_body_size"` // bytes
}

// DefaultLoggingConfig returns the default request logging configuration.
// Bodies are not logged by default: notification payloads carry recipient
// addresses and message text.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		SkipPaths: []string{
			"/health",
			"/health/ready",
		},
		LogBody:     false,
		LogHeaders:  true,
		MaxBodySize: 1024, // 1KB
	}
}

// RequestLogger creates the request logging middleware. It expects
// CorrelationID to be mounted before it; skipped paths (health probes) stay
// correlated but are kept out of the logs.
func RequestLogger(config *LoggingConfig) gin.HandlerFunc {
	if config == nil {
		config = DefaultLoggingConfig()
	}

	return func(c *gin.Context) {
		// Skip logging for specified paths
		for _, path := range config.SkipPaths {
			if c.Request.URL.Path == path {
				c.Next()
				return
			}
		}

		start := time.Now()
		logger := telemetry.LogFromContext(c.Request.Context())

		requestFields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"query":      c.Request.URL.RawQuery,
			"user_agent": c.Request.UserAgent(),
			"remote_ip":  c.ClientIP(),
		}

		if config.LogHeaders {
			headers := make(map[string]string)
			for name, values := range c.Request.Header {
				// Skip sensitive headers
				if name == "Authorization" || name == "Cookie" || name == "X-Api-Key" {
					headers[name] = "[REDACTED]"
				} else if len(values) > 0 {
					headers[name] = values[0]
				}
			}
			requestFields["headers"] = headers
		}

		if config.LogBody && c.Request.Body != nil {
			bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(config.MaxBodySize)))
			if err == nil {
				// Restore the full body for the next handler; only the
				// captured prefix goes to the log.
				c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(bodyBytes), c.Request.Body))
				requestFields["body"] = string(bodyBytes)
			}
		}

		logger.WithFields(requestFields).Info("Incoming HTTP request")

		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &bytes.Buffer{},
			logBody:        config.LogBody,
			maxBodySize:    config.MaxBodySize,
		}
		c.Writer = writer

		c.Next()

		duration := time.Since(start)

		responseFields := logrus.Fields{
			"status":      c.Writer.Status(),
			"duration_ms": float64(duration.Nanoseconds()) / 1000000,
			"size":        c.Writer.Size(),
		}

		if config.LogBody && writer.body.Len() > 0 {
			responseFields["response_body"] = writer.body.String()
		}

		if len(c.Errors) > 0 {
			errs := make([]string, len(c.Errors))
			for i, err := range c.Errors {
				errs[i] = err.Error()
			}
			responseFields["errors"] = errs
		}

		allFields := make(logrus.Fields)
		for k, v := range requestFields {
			allFields[k] = v
		}
		for k, v := range responseFields {
			allFields[k] = v
		}

		logEntry := logger.WithFields(allFields)
		switch {
		case c.Writer.Status() >= 500:
			logEntry.Error("HTTP request completed with server error")
		case c.Writer.Status() >= 400:
			logEntry.Warn("HTTP request completed with client error")
		case duration > 5*time.Second:
			logEntry.Warn("HTTP request completed (slow)")
		default:
			logEntry.Info("HTTP request completed")
		}
	}
}

// responseWriter wraps gin.ResponseWriter to capture response data
type responseWriter struct {
	gin.ResponseWriter
	body        *bytes.Buffer
	logBody     bool
	maxBodySize int
}

// Write captures the response body if logging is enabled
func (w *responseWriter) Write(data []byte) (int, error) {
	if w.logBody && w.body.Len() < w.maxBodySize {
		remaining := w.maxBodySize - w.body.Len()
		if len(data) > remaining {
			w.body.Write(data[:remaining])
		} else {
			w.body.Write(data)
		}
	}
	return w.ResponseWriter.Write(data)
}

// WriteString captures the response body if logging is enabled
func (w *responseWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

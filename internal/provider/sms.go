package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/notifyrelay/notifyrelay/internal/config"
	"github.com/notifyrelay/notifyrelay/internal/notification"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

const twilioAPIBaseURL = "https://api.twilio.com"

// SMSProviderConfig holds SMS provider configuration.
type SMSProviderConfig struct {
	// Twilio account credentials.
	Twilio config.TwilioConfig

	// Timeout for HTTP requests.
	Timeout time.Duration

	// BaseURL for the Twilio API (optional, for testing).
	BaseURL string
}

// SMSProvider delivers notifications via the Twilio Messages API.
type SMSProvider struct {
	config     config.TwilioConfig
	httpClient *http.Client
	apiBaseURL string
}

// NewSMSProvider creates an SMS provider. With incomplete Twilio credentials
// the provider mock-delivers.
func NewSMSProvider(cfg SMSProviderConfig) *SMSProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = twilioAPIBaseURL
	}

	return &SMSProvider{
		config: cfg.Twilio,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		apiBaseURL: baseURL,
	}
}

// ChannelTag returns the channel this provider handles.
func (p *SMSProvider) ChannelTag() notification.Channel {
	return notification.ChannelSMS
}

// Send delivers message to recipient as an SMS.
func (p *SMSProvider) Send(ctx context.Context, recipient, message string) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "send_sms",
		"recipient": recipient,
	})

	if !p.config.Configured() {
		logger.Info("Twilio not configured, mock-delivering SMS")
		return nil
	}

	form := url.Values{}
	form.Set("To", recipient)
	form.Set("From", p.config.FromNumber)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.apiBaseURL, p.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(p.config.AccountSID, p.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var twilioErr twilioErrorResponse
		if err := json.Unmarshal(respBody, &twilioErr); err == nil && twilioErr.Message != "" {
			return fmt.Errorf("twilio error %d: %s", twilioErr.Code, twilioErr.Message)
		}
		return fmt.Errorf("twilio returned status %d", resp.StatusCode)
	}

	var result twilioMessageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"message_sid": result.SID,
		"status":      result.Status,
	}).Info("SMS sent")
	return nil
}

// twilioMessageResponse is the accepted-message response from Twilio.
type twilioMessageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// twilioErrorResponse is the error envelope Twilio returns on 4xx/5xx.
type twilioErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

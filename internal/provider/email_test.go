package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyrelay/notifyrelay/internal/config"
	"github.com/notifyrelay/notifyrelay/internal/notification"
)

func TestEmailProviderMockMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SMTPConfig
	}{
		{
			name: "nothing configured",
			cfg:  config.SMTPConfig{},
		},
		{
			name: "host without user",
			cfg:  config.SMTPConfig{Host: "smtp.example.com", Port: "587"},
		},
		{
			name: "user without host",
			cfg:  config.SMTPConfig{User: "mailer", Password: "secret"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := NewEmailProvider(tt.cfg)
			err := provider.Send(context.Background(), "user@example.com", "hello")
			require.NoError(t, err, "incomplete SMTP credentials must mock success, not dial out")
		})
	}
}

func TestEmailProviderChannelTag(t *testing.T) {
	provider := NewEmailProvider(config.SMTPConfig{})
	assert.Equal(t, notification.ChannelEmail, provider.ChannelTag())
}

func TestEmailProviderDialFailure(t *testing.T) {
	// Port 1 on localhost refuses connections, so the configured path must
	// surface a connect error instead of mocking success.
	provider := NewEmailProvider(config.SMTPConfig{
		Host:     "127.0.0.1",
		Port:     "1",
		User:     "mailer",
		Password: "secret",
		From:     "noreply@example.com",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := provider.Send(ctx, "user@example.com", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to SMTP server")
}

// Package provider implements the channel delivery backends behind the
// notification engine: SMTP email, Twilio SMS and Telegram. Providers
// missing credentials run in mock-success mode so local environments work
// without external accounts.
package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/notifyrelay/notifyrelay/internal/config"
	"github.com/notifyrelay/notifyrelay/internal/notification"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

const (
	smtpDialTimeout = 10 * time.Second
	emailSubject    = "Notification"
)

// EmailProvider delivers notifications over SMTP with STARTTLS.
type EmailProvider struct {
	config config.SMTPConfig
}

// NewEmailProvider creates an email provider. With incomplete SMTP
// credentials the provider mock-delivers.
func NewEmailProvider(cfg config.SMTPConfig) *EmailProvider {
	return &EmailProvider{config: cfg}
}

// ChannelTag returns the channel this provider handles.
func (p *EmailProvider) ChannelTag() notification.Channel {
	return notification.ChannelEmail
}

// Send delivers message to recipient as a plain-text email.
func (p *EmailProvider) Send(ctx context.Context, recipient, message string) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "send_email",
		"recipient": recipient,
	})

	if !p.config.Configured() {
		logger.Info("SMTP not configured, mock-delivering email")
		return nil
	}

	addr := net.JoinHostPort(p.config.Host, p.config.Port)
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	// One deadline bounds the whole SMTP conversation.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(smtpDialTimeout))
	}

	client, err := smtp.NewClient(conn, p.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if p.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{
				ServerName: p.config.Host,
				MinVersion: tls.VersionTLS12,
			}
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if p.config.User != "" && p.config.Password != "" {
		auth := smtp.PlainAuth("", p.config.User, p.config.Password, p.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(p.config.From); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		p.config.From, recipient, emailSubject, message)
	if _, err := writer.Write([]byte(msg)); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write email body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close DATA writer: %w", err)
	}

	if err := client.Quit(); err != nil {
		logger.WithError(err).Warn("SMTP QUIT failed")
	}

	logger.Info("Email sent")
	return nil
}

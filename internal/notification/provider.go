package notification

import (
	"context"
)

// Provider is the interface for channel delivery implementations. Each
// channel (email, SMS, telegram) has its own Provider.
//
// Providers without complete credentials run in mock-success mode: Send
// returns nil without performing any I/O. The engine treats those sends as
// genuine successes.
type Provider interface {
	// Send delivers message to recipient. A non-nil error marks the
	// attempt failed; the cause string is recorded verbatim in the audit
	// trail. Sends are expected to finish within a bounded wall-clock
	// (around 10s); timeouts count as failures.
	Send(ctx context.Context, recipient, message string) error

	// ChannelTag returns the channel this provider handles.
	ChannelTag() Channel
}

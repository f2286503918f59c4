package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
)

// KnownChannels lists the channel tags accepted at the API boundary, in no
// particular order. The engine itself treats tags as opaque: a stored
// preference list may carry tags with no registered provider.
var KnownChannels = []Channel{ChannelEmail, ChannelSMS, ChannelTelegram}

// ParseChannel validates a channel tag from client input.
func ParseChannel(tag string) (Channel, error) {
	for _, c := range KnownChannels {
		if string(c) == tag {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", tag)
}

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Validation limits enforced at the API boundary.
const (
	MaxRecipientLen = 255
	MaxMessageLen   = 10000
)

// Metadata is a free-form key→value mapping stored alongside a notification.
// It is opaque to the delivery engine.
type Metadata map[string]interface{}

// Value implements driver.Valuer for JSONB columns.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB columns.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}

	return json.Unmarshal(data, m)
}

// Notification is the persisted aggregate: the request plus its delivery
// state and audit trail.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	Recipient   string    `json:"recipient"`
	Message     string    `json:"message"`
	Status      Status    `json:"status"`
	ChannelUsed *Channel  `json:"channel_used"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Attempts    []Attempt `json:"attempts"`
}

// Attempt is one append-only delivery attempt row.
type Attempt struct {
	ID             int64     `json:"id"`
	NotificationID uuid.UUID `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	ErrorMessage   *string   `json:"error_message"`
}

// CreateRequest is the validated input for creating a notification.
type CreateRequest struct {
	Recipient string
	Message   string
	Channels  []Channel
	Metadata  Metadata
}

// Validate enforces the boundary rules. The HTTP adapter rejects invalid
// requests before they reach the engine.
func (r CreateRequest) Validate() error {
	if r.Recipient == "" {
		return errors.New("recipient must not be empty")
	}
	if len(r.Recipient) > MaxRecipientLen {
		return fmt.Errorf("recipient exceeds %d characters", MaxRecipientLen)
	}
	if len(r.Message) == 0 {
		return errors.New("message must not be empty")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLen)
	}
	if len(r.Channels) == 0 {
		return errors.New("channels must contain at least one entry")
	}
	for _, c := range r.Channels {
		if _, err := ParseChannel(string(c)); err != nil {
			return err
		}
	}
	return nil
}

// RetryRecord is one message on the retry queue. Attempt is the 1-based
// counter of the retry round; 1 is the first retry after the initial
// synchronous round.
type RetryRecord struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Channels       []Channel `json:"channels"`
	Attempt        int       `json:"attempt"`
}

// Next returns the record escalated to the following retry round.
func (r RetryRecord) Next() RetryRecord {
	return RetryRecord{
		NotificationID: r.NotificationID,
		Channels:       r.Channels,
		Attempt:        r.Attempt + 1,
	}
}

// Backoff computes the pre-round delay: base^(attempt-1) seconds, never
// negative.
func (r RetryRecord) Backoff(base float64) time.Duration {
	exp := float64(r.Attempt - 1)
	if exp < 0 {
		exp = 0
	}
	seconds := math.Pow(base, exp)
	if seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// ListFilter narrows List queries. Zero values mean "no constraint".
type ListFilter struct {
	Recipient string
	Status    Status
	Limit     int
	Offset    int
}

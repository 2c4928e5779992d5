package domain

import "time"

// NotificationStatus is the delivery state of a queue entry or log record.
type NotificationStatus string

// Notification statuses.
const (
	StatusPending    NotificationStatus = "pending"
	StatusQueued     NotificationStatus = "queued"
	StatusProcessing NotificationStatus = "processing" // claimed by a worker
	StatusRetrying   NotificationStatus = "retrying"
	StatusSent       NotificationStatus = "sent"
	StatusDelivered  NotificationStatus = "delivered"
	StatusFailed     NotificationStatus = "failed"
	StatusCancelled  NotificationStatus = "cancelled"
)

// IsTerminal reports whether no further transition may occur.
func (s NotificationStatus) IsTerminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsSuccess reports whether the status counts as a successful delivery.
func (s NotificationStatus) IsSuccess() bool {
	return s == StatusSent || s == StatusDelivered
}

// IsCancellable reports whether a cancellation may still move the entry.
func (s NotificationStatus) IsCancellable() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRetrying, StatusProcessing:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s NotificationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusRetrying,
		StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// QueueEntry is the unit of delivery work. Subject and body are rendered at
// enqueue time and never re-rendered.
type QueueEntry struct {
	ID            string             `json:"id"`
	UserID        int64              `json:"user_id"`
	TemplateID    string             `json:"template_id"`
	EventType     EventType          `json:"event_type"`
	Channel       Channel            `json:"channel"`
	Priority      Priority           `json:"priority"`
	Subject       string             `json:"subject,omitempty"`
	Body          string             `json:"body"`
	ContextData   map[string]any     `json:"context_data,omitempty"`
	Status        NotificationStatus `json:"status"`
	ScheduledAt   time.Time          `json:"scheduled_at"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	RetryCount    int                `json:"retry_count"`
	MaxRetries    int                `json:"max_retries"`
	NextRetryAt   *time.Time         `json:"next_retry_at,omitempty"`
	ExternalID    string             `json:"external_id,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	CancelReason  string             `json:"cancel_reason,omitempty"`
	ClaimedBy     string             `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time         `json:"claimed_at,omitempty"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// LogEntry records one delivery attempt. It is never mutated.
type LogEntry struct {
	ID               string             `json:"id"`
	QueueID          *string            `json:"queue_id,omitempty"`
	UserID           int64              `json:"user_id"`
	Channel          Channel            `json:"channel"`
	EventType        EventType          `json:"event_type"`
	Status           NotificationStatus `json:"status"`
	Subject          string             `json:"subject,omitempty"`
	ExternalID       string             `json:"external_id,omitempty"`
	ProviderResponse string             `json:"provider_response,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	ErrorCode        string             `json:"error_code,omitempty"`
	CorrelationID    string             `json:"correlation_id,omitempty"`
	DeliveredAt      time.Time          `json:"delivered_at"`
}

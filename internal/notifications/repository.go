// Package notifications implements the notification delivery engine: channel
// preferences, templates, the durable delivery queue, the retrying worker and
// the delivery log.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
)

// PreferenceStore persists the per-user channel matrix.
type PreferenceStore interface {
	UpsertPreference(ctx context.Context, pref *domain.Preference) error
	ListPreferences(ctx context.Context, userID int64) ([]domain.Preference, error)
	ListEnabledPreferences(ctx context.Context, userID int64, eventType domain.EventType) ([]domain.Preference, error)
	DeletePreference(ctx context.Context, userID int64, eventType domain.EventType, channel domain.Channel) error
	// InsertPreferencesIfAbsent inserts rows whose key does not exist yet and
	// returns how many were inserted.
	InsertPreferencesIfAbsent(ctx context.Context, prefs []domain.Preference) (int64, error)
}

// TemplateStore persists notification templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tmpl *domain.Template) error
	GetTemplateByID(ctx context.Context, id string) (*domain.Template, error)
	// FindActiveTemplate returns the highest active version for the key.
	FindActiveTemplate(ctx context.Context, eventType domain.EventType, channel domain.Channel, locale string) (*domain.Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]domain.Template, error)
	UpdateTemplate(ctx context.Context, tmpl *domain.Template) error
}

// QueueStore persists queue entries and the delivery log.
type QueueStore interface {
	EnqueueBatch(ctx context.Context, entries []*domain.QueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error)
	ListQueue(ctx context.Context, filter QueueFilter) ([]domain.QueueEntry, error)

	// ListPending returns PENDING/QUEUED entries due at now, highest priority
	// first, then oldest scheduled_at.
	ListPending(ctx context.Context, now time.Time, limit int) ([]domain.QueueEntry, error)
	// ListRetryReady returns RETRYING entries whose next_retry_at has passed
	// and that still have retries left, oldest next_retry_at first.
	ListRetryReady(ctx context.Context, now time.Time, limit int) ([]domain.QueueEntry, error)

	// ClaimReady atomically moves up to limit due entries to PROCESSING owned by
	// workerID. Pending entries are claimed before retry-ready ones.
	ClaimReady(ctx context.Context, workerID string, now time.Time, limit int) ([]*domain.QueueEntry, error)
	// ClaimByIDs claims the listed entries that are still pullable and due.
	ClaimByIDs(ctx context.Context, workerID string, ids []string, now time.Time) ([]*domain.QueueEntry, error)
	// CompleteAttempt appends the log record and applies the outcome only if
	// the entry is still PROCESSING and owned by the worker. It reports
	// whether the outcome was applied.
	CompleteAttempt(ctx context.Context, outcome AttemptOutcome) (bool, error)
	// RecoverStuckProcessing releases claims older than claimedBefore.
	RecoverStuckProcessing(ctx context.Context, claimedBefore time.Time) (int64, error)

	CancelByCorrelationID(ctx context.Context, correlationID, reason string, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[domain.NotificationStatus]int64, error)

	ListLogs(ctx context.Context, filter LogFilter) ([]domain.LogEntry, error)
	// CountDeliveredSince counts successful delivery records since the given time.
	CountDeliveredSince(ctx context.Context, since time.Time) (int64, error)
	// PurgeBefore deletes terminal entries updated before cutoff and log
	// records delivered before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (entries, logs int64, err error)
}

// Repository is the full storage surface of the notification engine.
type Repository interface {
	PreferenceStore
	TemplateStore
	QueueStore
}

// UserDirectory resolves addressable profile fields of platform users.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
}

// DeviceTokens resolves push device tokens.
type DeviceTokens interface {
	DeviceToken(ctx context.Context, userID int64) (string, error)
}

// TemplateFilter narrows template listings. Zero values match everything.
type TemplateFilter struct {
	EventType  domain.EventType
	Channel    domain.Channel
	Locale     string
	ActiveOnly bool
}

// QueueFilter narrows queue listings.
type QueueFilter struct {
	Statuses      []domain.NotificationStatus
	Priority      domain.Priority
	UserID        int64
	CorrelationID string
	Limit         int
}

// LogFilter narrows delivery log listings.
type LogFilter struct {
	UserID int64
	Start  time.Time
	End    time.Time
	Limit  int
}

// AttemptOutcome is the result of one delivery attempt.
type AttemptOutcome struct {
	EntryID     string
	WorkerID    string
	Status      domain.NotificationStatus // SENT, RETRYING or FAILED
	RetryCount  int
	NextRetryAt *time.Time
	ExternalID  string
	LastError   string
	At          time.Time
	Log         domain.LogEntry
}

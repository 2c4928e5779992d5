package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Processor runs one synchronous worker pass.
type Processor interface {
	ProcessOnce(ctx context.Context) (BatchReport, error)
}

// Service is the facade the HTTP layer and event producers use.
type Service struct {
	preferences *PreferenceResolver
	templates   *TemplateRegistry
	dispatcher  *Dispatcher
	queue       QueueStore
	processor   Processor
	reaper      *Reaper
	clock       Clock
}

// NewService creates a new notifications service.
func NewService(
	preferences *PreferenceResolver,
	templates *TemplateRegistry,
	dispatcher *Dispatcher,
	queue QueueStore,
	processor Processor,
	reaper *Reaper,
	clock Clock,
) *Service {
	return &Service{
		preferences: preferences,
		templates:   templates,
		dispatcher:  dispatcher,
		queue:       queue,
		processor:   processor,
		reaper:      reaper,
		clock:       clock,
	}
}

// SendNotification enqueues one business event for a user.
func (s *Service) SendNotification(ctx context.Context, in SendInput) (*SendResult, error) {
	return s.dispatcher.Send(ctx, in)
}

// ListPreferences returns the stored preferences of a user.
func (s *Service) ListPreferences(ctx context.Context, userID int64) ([]domain.Preference, error) {
	return s.preferences.ListPreferences(ctx, userID)
}

// SetPreference upserts one preference.
func (s *Service) SetPreference(ctx context.Context, userID int64, in PreferenceInput) (*domain.Preference, error) {
	return s.preferences.SetPreference(ctx, userID, in)
}

// DeletePreference removes one preference.
func (s *Service) DeletePreference(ctx context.Context, userID int64, eventType domain.EventType, channel domain.Channel) error {
	return s.preferences.DeletePreference(ctx, userID, eventType, channel)
}

// SeedDefaultPreferences provisions the baseline preference matrix.
func (s *Service) SeedDefaultPreferences(ctx context.Context, userID int64) (int64, error) {
	n, err := s.preferences.SeedDefaults(ctx, userID)
	if err != nil {
		return 0, err
	}
	slog.Info("default preferences seeded", "user_id", userID, "inserted", n)
	return n, nil
}

// ListTemplates returns templates matching filter.
func (s *Service) ListTemplates(ctx context.Context, filter TemplateFilter) ([]domain.Template, error) {
	return s.templates.List(ctx, filter)
}

// GetTemplate returns a template by id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	return s.templates.GetByID(ctx, id)
}

// CreateTemplate stores a new template version.
func (s *Service) CreateTemplate(ctx context.Context, in TemplateInput) (*domain.Template, error) {
	return s.templates.Create(ctx, in)
}

// UpdateTemplate replaces the editable fields of a template.
func (s *Service) UpdateTemplate(ctx context.Context, id string, in TemplateInput) (*domain.Template, error) {
	return s.templates.Update(ctx, id, in)
}

// DeactivateTemplate hides a template from lookup.
func (s *Service) DeactivateTemplate(ctx context.Context, id string) (*domain.Template, error) {
	return s.templates.Deactivate(ctx, id)
}

// ListQueue returns queue entries matching filter, newest first.
func (s *Service) ListQueue(ctx context.Context, filter QueueFilter) ([]domain.QueueEntry, error) {
	for _, st := range filter.Statuses {
		if !st.IsValid() {
			return nil, NewValidationError("status", "unknown status %q", st)
		}
	}
	if filter.Priority != 0 && !filter.Priority.IsValid() {
		return nil, NewValidationError("priority", "invalid priority %d", int(filter.Priority))
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.queue.ListQueue(ctx, filter)
}

// ListPending returns due PENDING/QUEUED entries in delivery order.
func (s *Service) ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	return s.queue.ListPending(ctx, s.clock.Now(), clampLimit(limit))
}

// ListRetryReady returns RETRYING entries whose backoff has elapsed.
func (s *Service) ListRetryReady(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	return s.queue.ListRetryReady(ctx, s.clock.Now(), clampLimit(limit))
}

// GetQueueEntry returns one queue entry.
func (s *Service) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return s.queue.GetQueueEntry(ctx, id)
}

// ProcessQueue runs one worker pass synchronously.
func (s *Service) ProcessQueue(ctx context.Context) (BatchReport, error) {
	return s.processor.ProcessOnce(ctx)
}

// CancelByCorrelationID cancels every not yet delivered entry of the group.
// Repeating the call cancels nothing more.
func (s *Service) CancelByCorrelationID(ctx context.Context, correlationID, reason string) (int64, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return 0, NewValidationError("correlation_id", "is required")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}

	n, err := s.queue.CancelByCorrelationID(ctx, correlationID, reason, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel notifications: %w", err)
	}
	slog.Info("notifications cancelled", "correlation_id", correlationID, "count", n, "reason", reason)
	return n, nil
}

// History returns the delivery log of a user, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]domain.LogEntry, error) {
	if userID <= 0 {
		return nil, NewValidationError("user_id", "must be a positive integer")
	}
	return s.queue.ListLogs(ctx, LogFilter{UserID: userID, Limit: clampLimit(limit)})
}

// Statistics aggregates the delivery log over [start, end).
func (s *Service) Statistics(ctx context.Context, start, end time.Time) (*Statistics, error) {
	return GetStatistics(ctx, s.queue, start, end)
}

// Health reports queue depth and recent deliveries.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	return GetHealth(ctx, s.queue, s.clock.Now())
}

// Purge runs the retention reaper once.
func (s *Service) Purge(ctx context.Context) (*PurgeResult, error) {
	return s.reaper.RunOnce(ctx)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

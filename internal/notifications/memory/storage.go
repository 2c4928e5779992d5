// Package memory provides an in-memory notifications repository for tests
// and local development.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/google/uuid"
)

type prefKey struct {
	userID    int64
	eventType domain.EventType
	channel   domain.Channel
}

// Storage implements notifications.Repository and notifications.UserDirectory.
type Storage struct {
	mu        sync.RWMutex
	users     map[int64]domain.User
	prefs     map[prefKey]domain.Preference
	templates map[string]*domain.Template
	entries   map[string]*domain.QueueEntry
	logs      []domain.LogEntry
}

// NewStorage creates an empty Storage.
func NewStorage() *Storage {
	return &Storage{
		users:     make(map[int64]domain.User),
		prefs:     make(map[prefKey]domain.Preference),
		templates: make(map[string]*domain.Template),
		entries:   make(map[string]*domain.QueueEntry),
	}
}

// PutUser adds or replaces a user profile.
func (s *Storage) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// GetUser implements notifications.UserDirectory.
func (s *Storage) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, notifications.ErrUserNotFound
	}
	return &u, nil
}

// UpsertPreference implements notifications.PreferenceStore.
func (s *Storage) UpsertPreference(_ context.Context, pref *domain.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefKey{pref.UserID, pref.EventType, pref.Channel}
	if existing, ok := s.prefs[key]; ok {
		pref.CreatedAt = existing.CreatedAt
	}
	s.prefs[key] = *pref
	return nil
}

// ListPreferences implements notifications.PreferenceStore.
func (s *Storage) ListPreferences(_ context.Context, userID int64) ([]domain.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Preference, 0)
	for k, p := range s.prefs {
		if k.userID == userID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b domain.Preference) int {
		return cmp.Or(cmp.Compare(a.EventType, b.EventType), cmp.Compare(a.Channel, b.Channel))
	})
	return out, nil
}

// ListEnabledPreferences implements notifications.PreferenceStore.
func (s *Storage) ListEnabledPreferences(_ context.Context, userID int64, eventType domain.EventType) ([]domain.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Preference
	for k, p := range s.prefs {
		if k.userID == userID && k.eventType == eventType && p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeletePreference implements notifications.PreferenceStore.
func (s *Storage) DeletePreference(_ context.Context, userID int64, eventType domain.EventType, channel domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefKey{userID, eventType, channel}
	if _, ok := s.prefs[key]; !ok {
		return notifications.ErrPreferenceNotFound
	}
	delete(s.prefs, key)
	return nil
}

// InsertPreferencesIfAbsent implements notifications.PreferenceStore.
func (s *Storage) InsertPreferencesIfAbsent(_ context.Context, prefs []domain.Preference) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int64
	for _, p := range prefs {
		key := prefKey{p.UserID, p.EventType, p.Channel}
		if _, ok := s.prefs[key]; ok {
			continue
		}
		s.prefs[key] = p
		inserted++
	}
	return inserted, nil
}

// CreateTemplate implements notifications.TemplateStore. It assigns the id
// and the next version for the template key.
func (s *Storage) CreateTemplate(_ context.Context, tmpl *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if _, ok := s.templates[tmpl.ID]; ok {
		return fmt.Errorf("template %s already exists", tmpl.ID)
	}

	version := 0
	for _, t := range s.templates {
		if sameKey(t, tmpl) {
			version = max(version, t.Version)
		}
	}
	tmpl.Version = version + 1

	s.templates[tmpl.ID] = cloneTemplate(tmpl)
	return nil
}

// GetTemplateByID implements notifications.TemplateStore.
func (s *Storage) GetTemplateByID(_ context.Context, id string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, notifications.ErrTemplateNotFound
	}
	return cloneTemplate(t), nil
}

// FindActiveTemplate implements notifications.TemplateStore.
func (s *Storage) FindActiveTemplate(_ context.Context, eventType domain.EventType, channel domain.Channel, locale string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Template
	for _, t := range s.templates {
		if !t.IsActive || t.EventType != eventType || t.Channel != channel || t.Locale != locale {
			continue
		}
		if best == nil || t.Version > best.Version {
			best = t
		}
	}
	if best == nil {
		return nil, notifications.ErrTemplateNotFound
	}
	return cloneTemplate(best), nil
}

// ListTemplates implements notifications.TemplateStore.
func (s *Storage) ListTemplates(_ context.Context, filter notifications.TemplateFilter) ([]domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Template, 0)
	for _, t := range s.templates {
		if filter.EventType != "" && t.EventType != filter.EventType {
			continue
		}
		if filter.Channel != "" && t.Channel != filter.Channel {
			continue
		}
		if filter.Locale != "" && t.Locale != filter.Locale {
			continue
		}
		if filter.ActiveOnly && !t.IsActive {
			continue
		}
		out = append(out, *cloneTemplate(t))
	}
	slices.SortFunc(out, func(a, b domain.Template) int {
		return cmp.Or(
			cmp.Compare(a.EventType, b.EventType),
			cmp.Compare(a.Channel, b.Channel),
			cmp.Compare(a.Locale, b.Locale),
			cmp.Compare(b.Version, a.Version),
		)
	})
	return out, nil
}

// UpdateTemplate implements notifications.TemplateStore.
func (s *Storage) UpdateTemplate(_ context.Context, tmpl *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[tmpl.ID]; !ok {
		return notifications.ErrTemplateNotFound
	}
	s.templates[tmpl.ID] = cloneTemplate(tmpl)
	return nil
}

// EnqueueBatch implements notifications.QueueStore.
func (s *Storage) EnqueueBatch(_ context.Context, entries []*domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.entries[e.ID]; ok {
			return fmt.Errorf("queue entry %s already exists", e.ID)
		}
	}
	for _, e := range entries {
		s.entries[e.ID] = cloneEntry(e)
	}
	return nil
}

// GetQueueEntry implements notifications.QueueStore.
func (s *Storage) GetQueueEntry(_ context.Context, id string) (*domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, notifications.ErrQueueEntryNotFound
	}
	return cloneEntry(e), nil
}

// ListQueue implements notifications.QueueStore.
func (s *Storage) ListQueue(_ context.Context, filter notifications.QueueFilter) ([]domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.QueueEntry, 0)
	for _, e := range s.entries {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, e.Status) {
			continue
		}
		if filter.Priority != 0 && e.Priority != filter.Priority {
			continue
		}
		if filter.UserID != 0 && e.UserID != filter.UserID {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		out = append(out, *cloneEntry(e))
	}
	slices.SortFunc(out, func(a, b domain.QueueEntry) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return truncate(out, filter.Limit), nil
}

// ListPending implements notifications.QueueStore.
func (s *Storage) ListPending(_ context.Context, now time.Time, limit int) ([]domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return deref(truncate(s.pendingLocked(now), limit)), nil
}

// ListRetryReady implements notifications.QueueStore.
func (s *Storage) ListRetryReady(_ context.Context, now time.Time, limit int) ([]domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return deref(truncate(s.retryReadyLocked(now), limit)), nil
}

// ClaimReady implements notifications.QueueStore.
func (s *Storage) ClaimReady(_ context.Context, workerID string, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := append(s.pendingLocked(now), s.retryReadyLocked(now)...)
	ready = truncate(ready, limit)

	out := make([]*domain.QueueEntry, 0, len(ready))
	for _, e := range ready {
		out = append(out, s.claimLocked(e.ID, workerID, now))
	}
	return out, nil
}

// ClaimByIDs implements notifications.QueueStore.
func (s *Storage) ClaimByIDs(_ context.Context, workerID string, ids []string, now time.Time) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.QueueEntry
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok || !claimable(e, now) {
			continue
		}
		out = append(out, s.claimLocked(id, workerID, now))
	}
	return out, nil
}

// CompleteAttempt implements notifications.QueueStore.
func (s *Storage) CompleteAttempt(_ context.Context, o notifications.AttemptOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, o.Log)

	e, ok := s.entries[o.EntryID]
	if !ok || e.Status != domain.StatusProcessing || e.ClaimedBy != o.WorkerID {
		return false, nil
	}

	e.Status = o.Status
	e.RetryCount = o.RetryCount
	e.NextRetryAt = o.NextRetryAt
	if o.ExternalID != "" {
		e.ExternalID = o.ExternalID
	}
	e.LastError = o.LastError
	if o.Status.IsSuccess() {
		at := o.At
		e.SentAt = &at
	}
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	e.UpdatedAt = o.At
	return true, nil
}

// RecoverStuckProcessing implements notifications.QueueStore.
func (s *Storage) RecoverStuckProcessing(_ context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if e.Status != domain.StatusProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(claimedBefore) {
			continue
		}
		e.Status = notifications.ReleasedStatus(e)
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		n++
	}
	return n, nil
}

// CancelByCorrelationID implements notifications.QueueStore.
func (s *Storage) CancelByCorrelationID(_ context.Context, correlationID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if e.CorrelationID != correlationID || !e.Status.IsCancellable() {
			continue
		}
		e.Status = domain.StatusCancelled
		e.CancelReason = reason
		e.NextRetryAt = nil
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		e.UpdatedAt = now

		id := e.ID
		s.logs = append(s.logs, domain.LogEntry{
			ID:            uuid.NewString(),
			QueueID:       &id,
			UserID:        e.UserID,
			Channel:       e.Channel,
			EventType:     e.EventType,
			Status:        domain.StatusCancelled,
			Subject:       e.Subject,
			ErrorMessage:  reason,
			CorrelationID: correlationID,
			DeliveredAt:   now,
		})
		n++
	}
	return n, nil
}

// CountByStatus implements notifications.QueueStore.
func (s *Storage) CountByStatus(_ context.Context) (map[domain.NotificationStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.NotificationStatus]int64)
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts, nil
}

// ListLogs implements notifications.QueueStore.
func (s *Storage) ListLogs(_ context.Context, filter notifications.LogFilter) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LogEntry, 0)
	for _, l := range s.logs {
		if filter.UserID != 0 && l.UserID != filter.UserID {
			continue
		}
		if !filter.Start.IsZero() && l.DeliveredAt.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && !l.DeliveredAt.Before(filter.End) {
			continue
		}
		out = append(out, l)
	}
	slices.SortStableFunc(out, func(a, b domain.LogEntry) int {
		return b.DeliveredAt.Compare(a.DeliveredAt)
	})
	return truncate(out, filter.Limit), nil
}

// CountDeliveredSince implements notifications.QueueStore.
func (s *Storage) CountDeliveredSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, l := range s.logs {
		if l.Status.IsSuccess() && !l.DeliveredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// PurgeBefore implements notifications.QueueStore.
func (s *Storage) PurgeBefore(_ context.Context, cutoff time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries int64
	for id, e := range s.entries {
		if e.Status.IsTerminal() && e.UpdatedAt.Before(cutoff) {
			delete(s.entries, id)
			entries++
		}
	}

	kept := s.logs[:0]
	for _, l := range s.logs {
		if l.DeliveredAt.Before(cutoff) {
			continue
		}
		kept = append(kept, l)
	}
	logs := int64(len(s.logs) - len(kept))
	s.logs = kept

	return entries, logs, nil
}

func (s *Storage) pendingLocked(now time.Time) []*domain.QueueEntry {
	var out []*domain.QueueEntry
	for _, e := range s.entries {
		if (e.Status == domain.StatusPending || e.Status == domain.StatusQueued) && !e.ScheduledAt.After(now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *domain.QueueEntry) int {
		return cmp.Or(
			cmp.Compare(b.Priority, a.Priority),
			a.ScheduledAt.Compare(b.ScheduledAt),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

func (s *Storage) retryReadyLocked(now time.Time) []*domain.QueueEntry {
	var out []*domain.QueueEntry
	for _, e := range s.entries {
		if isRetryReady(e, now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *domain.QueueEntry) int {
		return cmp.Or(a.NextRetryAt.Compare(*b.NextRetryAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (s *Storage) claimLocked(id, workerID string, now time.Time) *domain.QueueEntry {
	e := s.entries[id]
	claimedAt := now
	e.Status = domain.StatusProcessing
	e.ClaimedBy = workerID
	e.ClaimedAt = &claimedAt
	e.UpdatedAt = now
	return cloneEntry(e)
}

func isRetryReady(e *domain.QueueEntry, now time.Time) bool {
	return e.Status == domain.StatusRetrying &&
		e.NextRetryAt != nil && !e.NextRetryAt.After(now) &&
		e.RetryCount < e.MaxRetries
}

func claimable(e *domain.QueueEntry, now time.Time) bool {
	switch e.Status {
	case domain.StatusPending, domain.StatusQueued:
		return !e.ScheduledAt.After(now)
	case domain.StatusRetrying:
		return isRetryReady(e, now)
	}
	return false
}

func sameKey(a, b *domain.Template) bool {
	return a.EventType == b.EventType && a.Channel == b.Channel && a.Locale == b.Locale
}

func cloneTemplate(t *domain.Template) *domain.Template {
	c := *t
	c.Variables = slices.Clone(t.Variables)
	return &c
}

func cloneEntry(e *domain.QueueEntry) *domain.QueueEntry {
	c := *e
	c.ContextData = maps.Clone(e.ContextData)
	c.NextRetryAt = clonePtr(e.NextRetryAt)
	c.ClaimedAt = clonePtr(e.ClaimedAt)
	c.SentAt = clonePtr(e.SentAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func deref(entries []*domain.QueueEntry) []domain.QueueEntry {
	out := make([]domain.QueueEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *cloneEntry(e))
	}
	return out
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

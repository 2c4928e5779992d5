package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/google/uuid"
)

// Standard render context fields, set before caller data is merged in.
const (
	FieldUserName     = "user_name"
	FieldUserEmail    = "user_email"
	FieldUserPhone    = "user_phone"
	FieldPlatformName = "platform_name"
	FieldEventType    = "event_type"
)

func isStandardField(name string) bool {
	switch name {
	case FieldUserName, FieldUserEmail, FieldUserPhone, FieldPlatformName, FieldEventType:
		return true
	}
	return false
}

// Deliverer accepts entries that are due now. Submit must not block on
// delivery; the returned channel yields one report once the hand-off is
// processed and may be ignored.
type Deliverer interface {
	Submit(ids []string) <-chan BatchReport
}

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	PlatformName      string
	DefaultLocale     string
	MaxRetries        int
	RespectQuietHours bool
	Location          *time.Location
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PlatformName:  "Salon",
		DefaultLocale: "en",
		MaxRetries:    3,
		Location:      time.UTC,
	}
}

// Dispatcher turns a business event into rendered queue entries.
type Dispatcher struct {
	config      DispatcherConfig
	users       UserDirectory
	preferences *PreferenceResolver
	templates   *TemplateRegistry
	renderer    *Renderer
	queue       QueueStore
	deliverer   Deliverer
	clock       Clock
}

// NewDispatcher creates a new notification dispatcher. deliverer may be nil,
// in which case due entries wait for the next worker poll.
func NewDispatcher(
	config DispatcherConfig,
	users UserDirectory,
	preferences *PreferenceResolver,
	templates *TemplateRegistry,
	renderer *Renderer,
	queue QueueStore,
	deliverer Deliverer,
	clock Clock,
) *Dispatcher {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.DefaultLocale == "" {
		config.DefaultLocale = "en"
	}
	return &Dispatcher{
		config:      config,
		users:       users,
		preferences: preferences,
		templates:   templates,
		renderer:    renderer,
		queue:       queue,
		deliverer:   deliverer,
		clock:       clock,
	}
}

// SendInput describes one business event to notify a user about.
type SendInput struct {
	UserID        int64
	EventType     domain.EventType
	ContextData   map[string]any
	Priority      domain.Priority // zero means the template's priority
	Channels      []domain.Channel
	ScheduledAt   *time.Time
	CorrelationID string
	Locale        string
}

// SendResult summarises what was enqueued.
type SendResult struct {
	NotificationsQueued int              `json:"notifications_queued"`
	Channels            []domain.Channel `json:"channels"`
	EntryIDs            []string         `json:"entry_ids"`
	// Delivery reports the immediate hand-off of due entries. It is nil when
	// nothing was handed off.
	Delivery <-chan BatchReport `json:"-"`
}

// Send resolves channels, renders every template and enqueues the entries.
// A missing template skips only its channel. Any other failure aborts the
// call before anything is persisted.
func (d *Dispatcher) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	if err := d.validate(in); err != nil {
		return nil, err
	}

	user, err := d.users.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	scheduledAt := now
	if in.ScheduledAt != nil {
		scheduledAt = in.ScheduledAt.UTC()
	}
	locale := strings.ToLower(strings.TrimSpace(in.Locale))
	if locale == "" {
		locale = d.config.DefaultLocale
	}

	targets, err := d.resolveTargets(ctx, in)
	if err != nil {
		return nil, err
	}
	result := &SendResult{Channels: []domain.Channel{}, EntryIDs: []string{}}
	if len(targets) == 0 {
		slog.Debug("no channels enabled", "user_id", in.UserID, "event_type", in.EventType)
		return result, nil
	}

	renderCtx := d.renderContext(user, in)

	var entries []*domain.QueueEntry
	for _, t := range targets {
		tmpl, err := d.templates.Get(ctx, in.EventType, t.channel, locale)
		if err != nil {
			if errors.Is(err, ErrTemplateNotFound) {
				slog.Debug("no active template, skipping channel",
					"event_type", in.EventType,
					"channel", t.channel,
					"locale", locale,
				)
				continue
			}
			return nil, fmt.Errorf("get template: %w", err)
		}

		rendered, err := d.renderer.Render(tmpl, renderCtx)
		if err != nil {
			return nil, err
		}

		priority := in.Priority
		if priority == 0 {
			priority = tmpl.Priority
		}
		if priority == 0 {
			priority = domain.PriorityNormal
		}

		at := scheduledAt
		if t.pref != nil && d.config.RespectQuietHours && priority != domain.PriorityUrgent {
			if end, quiet := QuietHoursEnd(*t.pref, at, d.config.Location); quiet {
				slog.Debug("deferring past quiet hours",
					"user_id", in.UserID,
					"channel", t.channel,
					"until", end,
				)
				at = end
			}
		}

		status := domain.StatusPending
		if !at.After(now) {
			status = domain.StatusQueued
		}

		entries = append(entries, &domain.QueueEntry{
			ID:            uuid.NewString(),
			UserID:        in.UserID,
			TemplateID:    tmpl.ID,
			EventType:     in.EventType,
			Channel:       t.channel,
			Priority:      priority,
			Subject:       rendered.Subject,
			Body:          rendered.Body,
			ContextData:   renderCtx,
			Status:        status,
			ScheduledAt:   at,
			CorrelationID: in.CorrelationID,
			MaxRetries:    d.config.MaxRetries,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if len(entries) == 0 {
		return result, nil
	}

	if err := d.queue.EnqueueBatch(ctx, entries); err != nil {
		return nil, fmt.Errorf("enqueue notifications: %w", err)
	}

	var due []string
	for _, e := range entries {
		result.Channels = append(result.Channels, e.Channel)
		result.EntryIDs = append(result.EntryIDs, e.ID)
		recordEnqueued(e.Channel)
		if e.Status == domain.StatusQueued {
			due = append(due, e.ID)
		}
	}
	result.NotificationsQueued = len(entries)

	slog.Info("notifications enqueued",
		"user_id", in.UserID,
		"event_type", in.EventType,
		"count", len(entries),
		"due", len(due),
		"correlation_id", in.CorrelationID,
	)

	if len(due) > 0 && d.deliverer != nil {
		result.Delivery = d.deliverer.Submit(due)
	}

	return result, nil
}

func (d *Dispatcher) validate(in SendInput) error {
	if in.UserID <= 0 {
		return NewValidationError("user_id", "must be a positive integer")
	}
	if !in.EventType.IsValid() {
		return NewValidationError("event_type", "invalid event type %q", in.EventType)
	}
	if in.Priority != 0 && !in.Priority.IsValid() {
		return NewValidationError("priority", "invalid priority %d", int(in.Priority))
	}
	for _, ch := range in.Channels {
		if !ch.IsValid() {
			return NewValidationError("channels", "unknown channel %q", ch)
		}
	}
	return nil
}

type target struct {
	channel domain.Channel
	pref    *domain.Preference
}

// resolveTargets returns the explicit channels, deduplicated, or the user's
// enabled preferences.
func (d *Dispatcher) resolveTargets(ctx context.Context, in SendInput) ([]target, error) {
	if len(in.Channels) > 0 {
		seen := make(map[domain.Channel]bool, len(in.Channels))
		var out []target
		for _, ch := range in.Channels {
			if seen[ch] {
				continue
			}
			seen[ch] = true
			out = append(out, target{channel: ch})
		}
		return out, nil
	}

	prefs, err := d.preferences.EnabledPreferences(ctx, in.UserID, in.EventType)
	if err != nil {
		return nil, err
	}
	out := make([]target, 0, len(prefs))
	for i := range prefs {
		out = append(out, target{channel: prefs[i].Channel, pref: &prefs[i]})
	}
	return out, nil
}

// renderContext builds the context shared by every channel of the event.
// Caller data overrides the standard fields.
func (d *Dispatcher) renderContext(user *domain.User, in SendInput) map[string]any {
	data := map[string]any{
		FieldUserName:     user.DisplayName,
		FieldUserEmail:    user.Email,
		FieldUserPhone:    user.Phone,
		FieldPlatformName: d.config.PlatformName,
		FieldEventType:    string(in.EventType),
	}
	maps.Copy(data, in.ContextData)
	return data
}

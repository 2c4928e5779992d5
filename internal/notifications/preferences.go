package notifications

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
)

// DefaultPreferenceMatrix is seeded for every newly provisioned user.
var DefaultPreferenceMatrix = map[domain.EventType][]domain.Channel{
	domain.EventBookingConfirmed:    {domain.ChannelEmail, domain.ChannelSMS, domain.ChannelInApp},
	domain.EventBookingReminder:     {domain.ChannelSMS, domain.ChannelPush, domain.ChannelInApp},
	domain.EventBookingCancelled:    {domain.ChannelEmail, domain.ChannelSMS, domain.ChannelInApp},
	domain.EventBookingRescheduled:  {domain.ChannelEmail, domain.ChannelSMS, domain.ChannelInApp},
	domain.EventBookingCompleted:    {domain.ChannelInApp},
	domain.EventReviewRequest:       {domain.ChannelEmail, domain.ChannelInApp},
	domain.EventLoyaltyPointsEarned: {domain.ChannelInApp},
	domain.EventLoyaltyReward:       {domain.ChannelEmail, domain.ChannelInApp},
	domain.EventWaitlistAvailable:   {domain.ChannelSMS, domain.ChannelPush, domain.ChannelInApp},
	domain.EventPromotion:           {domain.ChannelEmail},
}

const defaultReminderAdvance = 24 * 60

// PreferenceResolver reads and maintains the channel opt-in matrix.
type PreferenceResolver struct {
	store PreferenceStore
	clock Clock
}

// NewPreferenceResolver creates a new PreferenceResolver.
func NewPreferenceResolver(store PreferenceStore, clock Clock) *PreferenceResolver {
	return &PreferenceResolver{store: store, clock: clock}
}

// GetEnabledChannels returns the channels the user enabled for eventType.
// A channel without a stored preference is disabled.
func (r *PreferenceResolver) GetEnabledChannels(ctx context.Context, userID int64, eventType domain.EventType) ([]domain.Channel, error) {
	prefs, err := r.EnabledPreferences(ctx, userID, eventType)
	if err != nil {
		return nil, err
	}
	channels := make([]domain.Channel, 0, len(prefs))
	for _, p := range prefs {
		channels = append(channels, p.Channel)
	}
	return channels, nil
}

// EnabledPreferences returns enabled preference rows in canonical channel order.
func (r *PreferenceResolver) EnabledPreferences(ctx context.Context, userID int64, eventType domain.EventType) ([]domain.Preference, error) {
	prefs, err := r.store.ListEnabledPreferences(ctx, userID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list enabled preferences: %w", err)
	}

	byChannel := make(map[domain.Channel]domain.Preference, len(prefs))
	for _, p := range prefs {
		if p.Enabled && p.Channel.IsValid() {
			byChannel[p.Channel] = p
		}
	}

	out := make([]domain.Preference, 0, len(byChannel))
	for _, ch := range domain.AllChannels {
		if p, ok := byChannel[ch]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// PreferenceInput is an upsert request for one matrix cell.
type PreferenceInput struct {
	EventType       domain.EventType
	Channel         domain.Channel
	Enabled         bool
	AdvanceMinutes  *int
	QuietHoursStart *string
	QuietHoursEnd   *string
}

// SetPreference validates and upserts a preference.
func (r *PreferenceResolver) SetPreference(ctx context.Context, userID int64, in PreferenceInput) (*domain.Preference, error) {
	if userID <= 0 {
		return nil, NewValidationError("user_id", "must be a positive integer")
	}
	if !in.EventType.IsValid() {
		return nil, NewValidationError("event_type", "invalid event type %q", in.EventType)
	}
	if !in.Channel.IsValid() {
		return nil, NewValidationError("channel", "unknown channel %q", in.Channel)
	}
	if in.AdvanceMinutes != nil && *in.AdvanceMinutes < 0 {
		return nil, NewValidationError("advance_minutes", "must not be negative")
	}
	if (in.QuietHoursStart == nil) != (in.QuietHoursEnd == nil) {
		return nil, NewValidationError("quiet_hours", "start and end must be set together")
	}
	if in.QuietHoursStart != nil {
		if _, err := ParseClock(*in.QuietHoursStart); err != nil {
			return nil, NewValidationError("quiet_hours_start", "%v", err)
		}
		if _, err := ParseClock(*in.QuietHoursEnd); err != nil {
			return nil, NewValidationError("quiet_hours_end", "%v", err)
		}
	}

	now := r.clock.Now()
	pref := &domain.Preference{
		UserID:          userID,
		EventType:       in.EventType,
		Channel:         in.Channel,
		Enabled:         in.Enabled,
		AdvanceMinutes:  in.AdvanceMinutes,
		QuietHoursStart: in.QuietHoursStart,
		QuietHoursEnd:   in.QuietHoursEnd,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.UpsertPreference(ctx, pref); err != nil {
		return nil, fmt.Errorf("upsert preference: %w", err)
	}
	return pref, nil
}

// ListPreferences returns every stored preference of the user.
func (r *PreferenceResolver) ListPreferences(ctx context.Context, userID int64) ([]domain.Preference, error) {
	return r.store.ListPreferences(ctx, userID)
}

// DeletePreference removes a preference, reverting the cell to disabled.
func (r *PreferenceResolver) DeletePreference(ctx context.Context, userID int64, eventType domain.EventType, channel domain.Channel) error {
	return r.store.DeletePreference(ctx, userID, eventType, channel)
}

// SeedDefaults inserts DefaultPreferenceMatrix for the user, leaving existing
// rows untouched. It returns the number of rows inserted.
func (r *PreferenceResolver) SeedDefaults(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, NewValidationError("user_id", "must be a positive integer")
	}

	now := r.clock.Now()
	var prefs []domain.Preference
	for _, eventType := range domain.KnownEventTypes {
		enabled := make(map[domain.Channel]bool)
		for _, ch := range DefaultPreferenceMatrix[eventType] {
			enabled[ch] = true
		}
		for _, ch := range domain.AllChannels {
			p := domain.Preference{
				UserID:    userID,
				EventType: eventType,
				Channel:   ch,
				Enabled:   enabled[ch],
				CreatedAt: now,
				UpdatedAt: now,
			}
			if eventType == domain.EventBookingReminder {
				advance := defaultReminderAdvance
				p.AdvanceMinutes = &advance
			}
			prefs = append(prefs, p)
		}
	}

	n, err := r.store.InsertPreferencesIfAbsent(ctx, prefs)
	if err != nil {
		return 0, fmt.Errorf("seed default preferences: %w", err)
	}
	return n, nil
}

// ParseClock parses an "HH:MM" time of day into minutes after midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || !twoDigits(hh) || !twoDigits(mm) {
		return 0, fmt.Errorf("%q is not in HH:MM form", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return h*60 + m, nil
}

func twoDigits(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

// QuietHoursEnd reports whether t (interpreted in loc) falls inside the
// preference's quiet window and, if so, when the window ends. Windows may
// wrap midnight ("22:00"–"07:00").
func QuietHoursEnd(pref domain.Preference, t time.Time, loc *time.Location) (time.Time, bool) {
	if pref.QuietHoursStart == nil || pref.QuietHoursEnd == nil {
		return time.Time{}, false
	}
	start, err := ParseClock(*pref.QuietHoursStart)
	if err != nil {
		return time.Time{}, false
	}
	end, err := ParseClock(*pref.QuietHoursEnd)
	if err != nil || start == end {
		return time.Time{}, false
	}

	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	now := local.Hour()*60 + local.Minute()

	var inside bool
	if start < end {
		inside = now >= start && now < end
	} else {
		inside = now >= start || now < end
	}
	if !inside {
		return time.Time{}, false
	}

	endAt := midnight.Add(time.Duration(end) * time.Minute)
	if !endAt.After(local) {
		endAt = endAt.AddDate(0, 0, 1)
	}
	return endAt.UTC(), true
}

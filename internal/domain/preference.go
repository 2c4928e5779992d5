package domain

import "time"

// Preference is one cell of the user × event type × channel opt-in matrix.
// A missing row means the channel is disabled.
type Preference struct {
	UserID          int64     `json:"user_id"`
	EventType       EventType `json:"event_type"`
	Channel         Channel   `json:"channel"`
	Enabled         bool      `json:"enabled"`
	AdvanceMinutes  *int      `json:"advance_minutes,omitempty"`
	QuietHoursStart *string   `json:"quiet_hours_start,omitempty"` // "HH:MM"
	QuietHoursEnd   *string   `json:"quiet_hours_end,omitempty"`   // "HH:MM"
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

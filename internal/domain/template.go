package domain

import "time"

// Template is a channel-specific rendering recipe for an event type.
// Templates are versioned and deactivated rather than deleted.
type Template struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	EventType      EventType `json:"event_type"`
	Channel        Channel   `json:"channel"`
	Locale         string    `json:"locale"`
	Version        int       `json:"version"`
	SubjectPattern string    `json:"subject_pattern,omitempty"`
	BodyPattern    string    `json:"body_pattern"`
	Variables      []string  `json:"variables"`
	Priority       Priority  `json:"priority"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

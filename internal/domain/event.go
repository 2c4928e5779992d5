package domain

// EventType identifies the booking-platform trigger a notification is about.
type EventType string

// Event types raised by the booking, review and loyalty subsystems.
const (
	EventBookingConfirmed    EventType = "booking_confirmed"
	EventBookingReminder     EventType = "booking_reminder"
	EventBookingCancelled    EventType = "booking_cancelled"
	EventBookingRescheduled  EventType = "booking_rescheduled"
	EventBookingCompleted    EventType = "booking_completed"
	EventReviewRequest       EventType = "review_request"
	EventLoyaltyPointsEarned EventType = "loyalty_points_earned"
	EventLoyaltyReward       EventType = "loyalty_reward_available"
	EventWaitlistAvailable   EventType = "waitlist_slot_available"
	EventPromotion           EventType = "promotion"
)

// KnownEventTypes lists every event type the platform emits.
var KnownEventTypes = []EventType{
	EventBookingConfirmed,
	EventBookingReminder,
	EventBookingCancelled,
	EventBookingRescheduled,
	EventBookingCompleted,
	EventReviewRequest,
	EventLoyaltyPointsEarned,
	EventLoyaltyReward,
	EventWaitlistAvailable,
	EventPromotion,
}

// IsValid reports whether the event type is non-empty and uses the
// lowercase snake_case form.
func (e EventType) IsValid() bool {
	if e == "" || len(e) > 64 {
		return false
	}
	for _, r := range e {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

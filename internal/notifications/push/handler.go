// Package push provides the push channel handler.
//
// No push provider is integrated yet. Tokens are validated so that entries
// with malformed addresses fail as invalid recipients, and every send is
// rejected as a permanent provider error.
package push

import (
	"context"
	"errors"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
)

// ErrNoProvider is returned by Send.
var ErrNoProvider = errors.New("push provider not configured")

// Handler implements notifications.ChannelHandler for push.
type Handler struct{}

// NewHandler creates a push handler.
func NewHandler() *Handler {
	return &Handler{}
}

// Channel returns the channel type.
func (h *Handler) Channel() domain.Channel {
	return domain.ChannelPush
}

// ValidateRecipient accepts hex device tokens.
func (h *Handler) ValidateRecipient(address string) bool {
	return notifications.ValidDeviceToken(address)
}

// Send always fails permanently.
func (h *Handler) Send(context.Context, notifications.Message) (*notifications.SendReceipt, error) {
	return nil, &notifications.ProviderError{Err: ErrNoProvider, Code: "push_unavailable"}
}

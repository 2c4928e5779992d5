package notifications

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bissquit/salon-notify/internal/domain"
)

// Message is a rendered notification ready for a channel provider.
type Message struct {
	EntryID       string
	To            string
	Subject       string
	Body          string
	CorrelationID string
	UserID        int64
	EventType     domain.EventType
	Context       map[string]any
}

// SendReceipt is what a provider reports for an accepted message.
type SendReceipt struct {
	ExternalID       string
	ProviderStatus   string
	ProviderResponse string
	// Delivered is set when the provider confirms final delivery
	// synchronously, as the in-app inbox does.
	Delivered bool
}

// ChannelHandler delivers messages over one channel.
// ValidateRecipient is always consulted before Send.
type ChannelHandler interface {
	Channel() domain.Channel
	ValidateRecipient(address string) bool
	Send(ctx context.Context, msg Message) (*SendReceipt, error)
}

// HandlerRegistry holds the channel handlers, one per channel.
type HandlerRegistry struct {
	handlers map[domain.Channel]ChannelHandler
}

// NewHandlerRegistry creates a registry; a later handler for the same
// channel replaces an earlier one.
func NewHandlerRegistry(handlers ...ChannelHandler) *HandlerRegistry {
	m := make(map[domain.Channel]ChannelHandler, len(handlers))
	for _, h := range handlers {
		m[h.Channel()] = h
	}
	return &HandlerRegistry{handlers: m}
}

// Get returns the handler for channel or ErrNoHandler.
func (r *HandlerRegistry) Get(channel domain.Channel) (ChannelHandler, error) {
	h, ok := r.handlers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, channel)
	}
	return h, nil
}

// Channels returns registered channels in canonical order.
func (r *HandlerRegistry) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(r.handlers))
	for _, ch := range domain.AllChannels {
		if _, ok := r.handlers[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// NoDeviceRegistry is the DeviceTokens used until a device registry exists.
// Every lookup fails, so push entries end FAILED with invalid_recipient.
type NoDeviceRegistry struct{}

// DeviceToken always returns ErrNoDeviceToken.
func (NoDeviceRegistry) DeviceToken(context.Context, int64) (string, error) {
	return "", ErrNoDeviceToken
}

// RecipientResolver maps a user and channel to a provider address.
type RecipientResolver struct {
	users   UserDirectory
	devices DeviceTokens
}

// NewRecipientResolver creates a new RecipientResolver.
func NewRecipientResolver(users UserDirectory, devices DeviceTokens) *RecipientResolver {
	if devices == nil {
		devices = NoDeviceRegistry{}
	}
	return &RecipientResolver{users: users, devices: devices}
}

// Resolve returns the address for userID on channel. Missing profile fields
// and unknown users are reported as ErrInvalidRecipient; storage failures
// are returned as-is.
func (r *RecipientResolver) Resolve(ctx context.Context, userID int64, channel domain.Channel) (string, error) {
	if channel == domain.ChannelPush {
		token, err := r.devices.DeviceToken(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrNoDeviceToken) {
				return "", fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
			}
			return "", fmt.Errorf("resolve device token: %w", err)
		}
		return token, nil
	}
	if channel == domain.ChannelInApp {
		return strconv.FormatInt(userID, 10), nil
	}

	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
		}
		return "", fmt.Errorf("get user: %w", err)
	}
	return AddressFor(user, channel), nil
}

// AddressFor returns the profile field addressing channel.
func AddressFor(user *domain.User, channel domain.Channel) string {
	switch channel {
	case domain.ChannelEmail:
		return user.Email
	case domain.ChannelSMS, domain.ChannelWhatsApp:
		return user.Phone
	case domain.ChannelInApp:
		return user.IDString()
	}
	return ""
}

var (
	emailPattern       = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	phonePattern       = regexp.MustCompile(`^\+?[1-9]\d{7,14}$`)
	deviceTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// MinDeviceTokenLength is the shortest accepted push token.
const MinDeviceTokenLength = 64

// ValidEmail checks the usual local@domain.tld shape.
func ValidEmail(address string) bool {
	return len(address) <= 254 && emailPattern.MatchString(address)
}

// ValidPhone accepts E.164 numbers; spaces, dashes and parentheses are ignored.
func ValidPhone(address string) bool {
	return phonePattern.MatchString(NormalizePhone(address))
}

// NormalizePhone strips formatting characters from a phone number.
func NormalizePhone(address string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(address))
}

// ValidDeviceToken accepts hex tokens of at least MinDeviceTokenLength characters.
func ValidDeviceToken(address string) bool {
	return len(address) >= MinDeviceTokenLength && deviceTokenPattern.MatchString(address)
}

// ValidUserID accepts positive decimal integers.
func ValidUserID(address string) bool {
	id, err := strconv.ParseInt(address, 10, 64)
	return err == nil && id > 0
}

// Package twilio provides SMS and WhatsApp channel handlers backed by Twilio.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"
)

const whatsAppPrefix = "whatsapp:"

// Config holds Twilio configuration shared by SMS and WhatsApp.
type Config struct {
	Enabled      bool    `koanf:"enabled"`
	AccountSID   string  `koanf:"account_sid"`
	AuthToken    string  `koanf:"auth_token"`
	SMSFrom      string  `koanf:"sms_from"`
	WhatsAppFrom string  `koanf:"whatsapp_from"`
	RateLimit    float64 `koanf:"rate_limit"`
}

// MessageCreator is the part of the Twilio REST API the handlers use.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// NewClient creates the Twilio REST API client.
// Returns error if credentials are missing.
func NewClient(config Config) (MessageCreator, error) {
	if config.AccountSID == "" || config.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	return client.Api, nil
}

// Handler sends text messages through Twilio on one channel.
type Handler struct {
	channel domain.Channel
	from    string
	prefix  string
	api     MessageCreator
	limiter *rate.Limiter
}

// NewSMSHandler creates the SMS handler.
func NewSMSHandler(config Config, api MessageCreator) (*Handler, error) {
	if config.SMSFrom == "" {
		return nil, errors.New("twilio: sms from number is required")
	}
	return newHandler(domain.ChannelSMS, config.SMSFrom, "", config.RateLimit, api), nil
}

// NewWhatsAppHandler creates the WhatsApp handler.
func NewWhatsAppHandler(config Config, api MessageCreator) (*Handler, error) {
	if config.WhatsAppFrom == "" {
		return nil, errors.New("twilio: whatsapp from number is required")
	}
	return newHandler(domain.ChannelWhatsApp, config.WhatsAppFrom, whatsAppPrefix, config.RateLimit, api), nil
}

func newHandler(channel domain.Channel, from, prefix string, rateLimit float64, api MessageCreator) *Handler {
	limit := rate.Inf
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}

	slog.Info("twilio handler configured",
		"channel", channel,
		"from", from,
		"rate_limit", rateLimit,
	)

	return &Handler{
		channel: channel,
		from:    withPrefix(prefix, notifications.NormalizePhone(from)),
		prefix:  prefix,
		api:     api,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Channel returns the channel type.
func (h *Handler) Channel() domain.Channel {
	return h.channel
}

// ValidateRecipient accepts E.164 phone numbers.
func (h *Handler) ValidateRecipient(address string) bool {
	return notifications.ValidPhone(address)
}

// Send creates one Twilio message.
func (h *Handler) Send(ctx context.Context, msg notifications.Message) (*notifications.SendReceipt, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, notifications.NewRetryableError(fmt.Errorf("rate limiter: %w", err))
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(withPrefix(h.prefix, notifications.NormalizePhone(msg.To)))
	params.SetFrom(h.from)
	params.SetBody(msg.Body)

	resp, err := h.api.CreateMessage(params)
	if err != nil {
		return nil, classify(err)
	}

	receipt := &notifications.SendReceipt{}
	if resp.Sid != nil {
		receipt.ExternalID = *resp.Sid
	}
	if resp.Status != nil {
		receipt.ProviderStatus = *resp.Status
	}
	if raw, err := json.Marshal(resp); err == nil {
		receipt.ProviderResponse = string(raw)
	}
	return receipt, nil
}

func withPrefix(prefix, number string) string {
	if prefix == "" {
		return number
	}
	return prefix + number
}

// classify maps Twilio API errors to retryable or permanent provider errors.
// Throttling and server side failures are retried; request errors are not.
func classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &notifications.ProviderError{
			Err:       err,
			Code:      fmt.Sprintf("twilio_%d", restErr.Code),
			Retryable: restErr.Status == 429 || restErr.Status >= 500,
		}
	}
	return &notifications.ProviderError{Err: err, Code: "twilio_error", Retryable: true}
}

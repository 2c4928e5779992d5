package email

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/mrz1836/postmark"
)

// Postmark API error codes that are worth another attempt.
// 429 is the rate limit, 500 an internal error on their side.
var postmarkRetryableCodes = map[int64]bool{
	429: true,
	500: true,
}

// PostmarkTransport sends mail through the Postmark transactional API.
type PostmarkTransport struct {
	client *postmark.Client
	tag    string
}

// NewPostmarkTransport creates a Postmark transport.
func NewPostmarkTransport(config Config) (*PostmarkTransport, error) {
	if config.PostmarkToken == "" {
		return nil, errors.New("email handler: postmark server token is required")
	}
	return &PostmarkTransport{
		client: postmark.NewClient(config.PostmarkToken, ""),
		tag:    config.PostmarkTag,
	}, nil
}

// Name returns the transport name.
func (t *PostmarkTransport) Name() string { return TransportPostmark }

// Deliver sends env and returns Postmark's message id.
func (t *PostmarkTransport) Deliver(ctx context.Context, env Envelope) (string, error) {
	resp, err := t.client.SendEmail(ctx, postmark.Email{
		From:       env.From,
		To:         env.To,
		Subject:    env.Subject,
		Tag:        t.tag,
		HTMLBody:   htmlBody(env.HTML),
		TextBody:   html.UnescapeString(env.HTML),
		TrackOpens: true,
	})
	// The client reports API rejections both as err and in the body.
	if resp.ErrorCode > 0 {
		return "", &notifications.ProviderError{
			Err:       fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
			Code:      fmt.Sprintf("postmark_%d", resp.ErrorCode),
			Retryable: postmarkRetryableCodes[resp.ErrorCode],
		}
	}
	if err != nil {
		return "", notifications.NewRetryableError(fmt.Errorf("postmark request: %w", err))
	}
	return resp.MessageID, nil
}

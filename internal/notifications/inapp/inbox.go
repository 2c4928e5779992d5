// Package inapp provides the in-app channel: a per-user inbox kept in Redis.
//
// Each delivered message is pushed onto a capped list and announced on a
// per-user pub/sub channel so connected clients can refresh.
package inapp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxItems = 100
	defaultPrefix   = "salonnotify:inapp"
)

// Config holds inbox configuration.
type Config struct {
	Enabled   bool   `koanf:"enabled"`
	KeyPrefix string `koanf:"key_prefix"`
	MaxItems  int    `koanf:"max_items"`
}

// Item is one inbox message.
type Item struct {
	ID            string           `json:"id"`
	Subject       string           `json:"subject,omitempty"`
	Body          string           `json:"body"`
	EventType     domain.EventType `json:"event_type"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Inbox implements notifications.ChannelHandler on top of Redis lists.
type Inbox struct {
	client   redis.UniversalClient
	prefix   string
	maxItems int
	clock    notifications.Clock
}

// NewInbox creates an inbox handler.
func NewInbox(client redis.UniversalClient, config Config, clock notifications.Clock) *Inbox {
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultPrefix
	}
	if config.MaxItems <= 0 {
		config.MaxItems = defaultMaxItems
	}
	return &Inbox{
		client:   client,
		prefix:   config.KeyPrefix,
		maxItems: config.MaxItems,
		clock:    clock,
	}
}

// Channel returns the channel type.
func (b *Inbox) Channel() domain.Channel {
	return domain.ChannelInApp
}

// ValidateRecipient accepts positive user ids.
func (b *Inbox) ValidateRecipient(address string) bool {
	return notifications.ValidUserID(address)
}

// Send stores the message and publishes it. The message is final once stored.
func (b *Inbox) Send(ctx context.Context, msg notifications.Message) (*notifications.SendReceipt, error) {
	item := Item{
		ID:            msg.EntryID,
		Subject:       msg.Subject,
		Body:          msg.Body,
		EventType:     msg.EventType,
		CorrelationID: msg.CorrelationID,
		CreatedAt:     b.clock.Now().UTC(),
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, notifications.NewPermanentError(fmt.Errorf("encode inbox item: %w", err))
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, b.inboxKey(msg.To), payload)
		pipe.LTrim(ctx, b.inboxKey(msg.To), 0, int64(b.maxItems-1))
		pipe.Publish(ctx, b.topic(msg.To), payload)
		return nil
	})
	if err != nil {
		return nil, notifications.NewRetryableError(fmt.Errorf("store inbox item: %w", err))
	}

	return &notifications.SendReceipt{
		ExternalID:     item.ID,
		ProviderStatus: "stored",
		Delivered:      true,
	}, nil
}

// List returns up to limit newest items of a user's inbox.
func (b *Inbox) List(ctx context.Context, userID int64, limit int) ([]Item, error) {
	if limit <= 0 || limit > b.maxItems {
		limit = b.maxItems
	}
	raw, err := b.client.LRange(ctx, b.inboxKey(strconv.FormatInt(userID, 10)), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		var it Item
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			return nil, fmt.Errorf("decode inbox item: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}

// Clear empties a user's inbox.
func (b *Inbox) Clear(ctx context.Context, userID int64) error {
	if err := b.client.Del(ctx, b.inboxKey(strconv.FormatInt(userID, 10))).Err(); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	return nil
}

// Subscribe opens the live feed of a user's inbox.
func (b *Inbox) Subscribe(ctx context.Context, userID int64) *redis.PubSub {
	return b.client.Subscribe(ctx, b.topic(strconv.FormatInt(userID, 10)))
}

func (b *Inbox) inboxKey(userID string) string {
	return b.prefix + ":inbox:" + userID
}

func (b *Inbox) topic(userID string) string {
	return b.prefix + ":events:" + userID
}

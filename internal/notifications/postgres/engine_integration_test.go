//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	userspostgres "github.com/bissquit/salon-notify/internal/users/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type smsStub struct {
	mu   sync.Mutex
	errs []error
	sent []notifications.Message
}

func (s *smsStub) Channel() domain.Channel { return domain.ChannelSMS }

func (s *smsStub) ValidateRecipient(address string) bool { return notifications.ValidPhone(address) }

func (s *smsStub) Send(_ context.Context, msg notifications.Message) (*notifications.SendReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &notifications.SendReceipt{ExternalID: "SM" + msg.EntryID[:8], ProviderStatus: "queued"}, nil
}

func TestEngine_DeliveryOverPostgres(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()
	clock := &stepClock{now: base}
	sms := &smsStub{errs: []error{notifications.NewRetryableError(errors.New("carrier busy"))}}

	userID := insertUser(t, "Rosa", "rosa@example.com", "+14155550123")

	renderer := notifications.NewRenderer()
	preferences := notifications.NewPreferenceResolver(repo, clock)
	templates := notifications.NewTemplateRegistry(repo, renderer, clock)
	recipients := notifications.NewRecipientResolver(userspostgres.NewDirectory(testDB), nil)
	worker := notifications.NewWorker(notifications.WorkerConfig{
		BatchSize:   10,
		Concurrency: 2,
		ClaimLease:  5 * time.Minute,
	}, repo, notifications.NewHandlerRegistry(sms), recipients, clock)
	dispatcher := notifications.NewDispatcher(notifications.DispatcherConfig{
		PlatformName: "Studio Nine",
		MaxRetries:   3,
	}, userspostgres.NewDirectory(testDB), preferences, templates, renderer, repo, nil, clock)
	reaper := notifications.NewReaper(notifications.DefaultRetentionConfig(), repo, clock)
	svc := notifications.NewService(preferences, templates, dispatcher, repo, worker, reaper, clock)

	_, err := svc.CreateTemplate(ctx, notifications.TemplateInput{
		Name:        "Reminder SMS",
		EventType:   domain.EventBookingReminder,
		Channel:     domain.ChannelSMS,
		Locale:      "en",
		BodyPattern: "{{ platform_name }}: {{ user_name }}, see you at {{ time }}",
	})
	require.NoError(t, err)
	_, err = svc.SetPreference(ctx, userID, notifications.PreferenceInput{
		EventType: domain.EventBookingReminder,
		Channel:   domain.ChannelSMS,
		Enabled:   true,
	})
	require.NoError(t, err)

	res, err := svc.SendNotification(ctx, notifications.SendInput{
		UserID:        userID,
		EventType:     domain.EventBookingReminder,
		ContextData:   map[string]any{"time": "15:30"},
		CorrelationID: "booking-77",
	})
	require.NoError(t, err)
	require.Len(t, res.EntryIDs, 1)
	id := res.EntryIDs[0]

	report, err := svc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, notifications.BatchReport{Claimed: 1, Retrying: 1}, report)

	entry, err := svc.GetQueueEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)

	report, err = svc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed, "backoff has not elapsed")

	clock.Advance(2 * time.Minute)
	report, err = svc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, notifications.BatchReport{Claimed: 1, Sent: 1}, report)

	entry, err = svc.GetQueueEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, entry.Status)
	assert.Equal(t, "SM"+id[:8], entry.ExternalID)
	require.NotNil(t, entry.SentAt)

	require.Len(t, sms.sent, 2)
	assert.Equal(t, "+14155550123", sms.sent[1].To)
	assert.Equal(t, "Studio Nine: Rosa, see you at 15:30", sms.sent[1].Body)

	history, err := svc.History(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusSent, history[0].Status)
	assert.Equal(t, domain.StatusFailed, history[1].Status)

	n, err := svc.CancelByCorrelationID(ctx, "booking-77", "")
	require.NoError(t, err)
	assert.Zero(t, n, "delivered entries are not cancellable")

	stats, err := svc.Statistics(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, stats.ChannelStatistics[domain.ChannelSMS])
	assert.Equal(t, int64(2), stats.ChannelStatistics[domain.ChannelSMS].Total)
	assert.Equal(t, 50.0, stats.ChannelStatistics[domain.ChannelSMS].SuccessRate)
}

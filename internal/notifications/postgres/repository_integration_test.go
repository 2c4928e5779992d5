//go:build integration

package postgres_test

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	notifpostgres "github.com/bissquit/salon-notify/internal/notifications/postgres"
	pkgpostgres "github.com/bissquit/salon-notify/internal/pkg/postgres"
	"github.com/bissquit/salon-notify/internal/testutil"
	userspostgres "github.com/bissquit/salon-notify/internal/users/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Printf("start postgres: %v", err)
		return 1
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	testDB, err = pkgpostgres.Connect(ctx, pkgpostgres.Config{
		URL:             pgContainer.ConnectionString,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnectAttempts: 5,
	})
	if err != nil {
		log.Printf("connect: %v", err)
		return 1
	}
	defer testDB.Close()

	return m.Run()
}

// resetDB empties every notification table so tests do not see each other's rows.
func resetDB(t *testing.T) *notifpostgres.Repository {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `
		TRUNCATE notification_logs, notification_queue, notification_templates, notification_preferences, users
		RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err)
	return notifpostgres.NewRepository(testDB)
}

func insertUser(t *testing.T, name, email, phone string) int64 {
	t.Helper()
	var id int64
	err := testDB.QueryRow(context.Background(),
		`INSERT INTO users (display_name, email, phone) VALUES ($1, $2, $3) RETURNING id`,
		name, email, phone,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// base is whole seconds so it survives the TIMESTAMPTZ round trip unchanged.
var base = time.Now().UTC().Truncate(time.Second)

func newEntry(priority domain.Priority, status domain.NotificationStatus, scheduled time.Time) *domain.QueueEntry {
	return &domain.QueueEntry{
		ID:            uuid.NewString(),
		UserID:        1,
		EventType:     domain.EventBookingReminder,
		Channel:       domain.ChannelSMS,
		Priority:      priority,
		Body:          "Reminder",
		ContextData:   map[string]any{"service": "Haircut"},
		Status:        status,
		ScheduledAt:   scheduled,
		CorrelationID: "booking-1",
		MaxRetries:    3,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

func queueIDs(entries []domain.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestRepository_EnqueueAndList(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	low := newEntry(domain.PriorityLow, domain.StatusQueued, base.Add(-time.Minute))
	urgent := newEntry(domain.PriorityUrgent, domain.StatusQueued, base)
	normal := newEntry(domain.PriorityNormal, domain.StatusPending, base.Add(-time.Hour))
	future := newEntry(domain.PriorityUrgent, domain.StatusPending, base.Add(time.Hour))
	require.NoError(t, repo.EnqueueBatch(ctx, []*domain.QueueEntry{low, urgent, normal, future}))

	got, err := repo.GetQueueEntry(ctx, urgent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, "Haircut", got.ContextData["service"])
	assert.Empty(t, got.TemplateID)
	assert.True(t, base.Equal(got.ScheduledAt))

	_, err = repo.GetQueueEntry(ctx, uuid.NewString())
	assert.ErrorIs(t, err, notifications.ErrQueueEntryNotFound)
	_, err = repo.GetQueueEntry(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, notifications.ErrQueueEntryNotFound)

	pending, err := repo.ListPending(ctx, base, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{urgent.ID, normal.ID, low.ID}, queueIDs(pending))

	top, err := repo.ListPending(ctx, base, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{urgent.ID}, queueIDs(top))

	filtered, err := repo.ListQueue(ctx, notifications.QueueFilter{Statuses: []domain.NotificationStatus{domain.StatusPending}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{normal.ID, future.ID}, queueIDs(filtered))
}

func TestRepository_EnqueueBatchIsAtomic(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	first := newEntry(domain.PriorityNormal, domain.StatusQueued, base)
	duplicate := newEntry(domain.PriorityNormal, domain.StatusQueued, base)
	duplicate.ID = first.ID

	assert.Error(t, repo.EnqueueBatch(ctx, []*domain.QueueEntry{first, duplicate}))

	all, err := repo.ListQueue(ctx, notifications.QueueFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRepository_ConcurrentClaimsAreExclusive(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	batch := make([]*domain.QueueEntry, 30)
	for i := range batch {
		batch[i] = newEntry(domain.PriorityNormal, domain.StatusQueued, base)
	}
	require.NoError(t, repo.EnqueueBatch(ctx, batch))

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		workerID := uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entries, err := repo.ClaimReady(ctx, workerID, base, 4)
				if !assert.NoError(t, err) || len(entries) == 0 {
					return
				}
				mu.Lock()
				for _, e := range entries {
					_, dup := claimed[e.ID]
					assert.False(t, dup, "entry %s claimed twice", e.ID)
					claimed[e.ID] = workerID
					assert.Equal(t, domain.StatusProcessing, e.Status)
					assert.Equal(t, workerID, e.ClaimedBy)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, len(batch))
}

func TestRepository_ClaimOrder(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	retry := newEntry(domain.PriorityUrgent, domain.StatusRetrying, base.Add(-time.Hour))
	retry.RetryCount = 1
	low := newEntry(domain.PriorityLow, domain.StatusQueued, base)
	high := newEntry(domain.PriorityHigh, domain.StatusQueued, base)
	require.NoError(t, repo.EnqueueBatch(ctx, []*domain.QueueEntry{retry, low, high}))
	_, err := testDB.Exec(ctx,
		`UPDATE notification_queue SET retry_count = 1, next_retry_at = $2 WHERE id = $1`,
		retry.ID, base.Add(-time.Minute))
	require.NoError(t, err)

	first, err := repo.ClaimReady(ctx, "w1", base, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.ElementsMatch(t, []string{high.ID, low.ID}, []string{first[0].ID, first[1].ID}, "fresh entries go before retries")

	second, err := repo.ClaimReady(ctx, "w1", base, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, retry.ID, second[0].ID)

	again, err := repo.ClaimByIDs(ctx, "w2", []string{high.ID, retry.ID}, base)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRepository_CompleteAttempt(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	e := newEntry(domain.PriorityNormal, domain.StatusQueued, base)
	require.NoError(t, repo.EnqueueBatch(ctx, []*domain.QueueEntry{e}))
	claimed, err := repo.ClaimByIDs(ctx, "owner", []string{e.ID}, base)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	logFor := func(status domain.NotificationStatus) domain.LogEntry {
		id := e.ID
		return domain.LogEntry{
			ID:          uuid.NewString(),
			QueueID:     &id,
			UserID:      e.UserID,
			Channel:     e.Channel,
			EventType:   e.EventType,
			Status:      status,
			DeliveredAt: base,
		}
	}

	applied, err := repo.CompleteAttempt(ctx, notifications.AttemptOutcome{
		EntryID:  e.ID,
		WorkerID: "intruder",
		Status:   domain.StatusSent,
		At:       base,
		Log:      logFor(domain.StatusSent),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	next := base.Add(2 * time.Minute)
	applied, err = repo.CompleteAttempt(ctx, notifications.AttemptOutcome{
		EntryID:     e.ID,
		WorkerID:    "owner",
		Status:      domain.StatusRetrying,
		RetryCount:  1,
		NextRetryAt: &next,
		LastError:   "provider unavailable",
		At:          base,
		Log:         logFor(domain.StatusFailed),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, next.Equal(*got.NextRetryAt))
	assert.Equal(t, "provider unavailable", got.LastError)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.SentAt)

	logs, err := repo.ListLogs(ctx, notifications.LogFilter{UserID: e.UserID})
	require.NoError(t, err)
	assert.Len(t, logs, 2, "every attempt is logged, applied or not")
}

func TestRepository_RecoverStuckProcessing(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	fresh := newEntry(domain.PriorityNormal, domain.StatusQueued, base)
	retried := newEntry(domain.PriorityNormal, domain.StatusQueued, base)
	require.NoError(t, repo.EnqueueBatch(ctx, []*domain.QueueEntry{fresh, retried}))
	_, err := testDB.Exec(ctx, `UPDATE notification_queue SET retry_count = 2 WHERE id = $1`, retried.ID)
	require.NoError(t, err)

	claimed, err := repo.ClaimReady(ctx, "crashed", base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := repo.RecoverStuckProcessing(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.RecoverStuckProcessing(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := repo.GetQueueEntry(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	got, err = repo.GetQueueEntry(ctx, retried.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, got.Status)
}

func TestRepository_CancelByCorrelationID(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	queued := newEntry(domain.PriorityNormal, domain.StatusQueued, base.Add(time.Hour))
	pending := newEntry(domain.PriorityNormal, domain.StatusPending, base.Add(time.Hour))
	other := newEntry(domain.PriorityNormal, domain.StatusQueued, base.Add(time.Hour))
	other.CorrelationID = "booking-2"
	require.NoError(t, repo.EnqueueBatch(ctx, []*domain.QueueEntry{queued, pending, other}))

	n, err := repo.CancelByCorrelationID(ctx, "booking-1", "booking cancelled", base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.CancelByCorrelationID(ctx, "booking-1", "booking cancelled", base)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.GetQueueEntry(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "booking cancelled", got.CancelReason)

	got, err = repo.GetQueueEntry(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.NotificationStatus]int64{
		domain.StatusCancelled: 2,
		domain.StatusQueued:    1,
	}, counts)

	logs, err := repo.ListLogs(ctx, notifications.LogFilter{UserID: 1})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, domain.StatusCancelled, l.Status)
		assert.Equal(t, "booking-1", l.CorrelationID)
	}
}

func TestRepository_PurgeBefore(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	old := base.AddDate(0, 0, -100)
	sent := newEntry(domain.PriorityNormal, domain.StatusSent, old)
	sent.CreatedAt, sent.UpdatedAt = old, old
	waiting := newEntry(domain.PriorityNormal, domain.StatusQueued, old)
	waiting.CreatedAt, waiting.UpdatedAt = old, old
	recent := newEntry(domain.PriorityNormal, domain.StatusSent, base)
	require.NoError(t, repo.EnqueueBatch(ctx, []*domain.QueueEntry{sent, waiting, recent}))
	_, err := testDB.Exec(ctx, `
		INSERT INTO notification_logs (id, user_id, channel, event_type, status, delivered_at)
		VALUES ($1, 1, 'sms', 'booking_reminder', 'sent', $2), ($3, 1, 'sms', 'booking_reminder', 'sent', $4)
	`, uuid.NewString(), old, uuid.NewString(), base)
	require.NoError(t, err)

	entries, logs, err := repo.PurgeBefore(ctx, base.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries, "only terminal entries are purged")
	assert.Equal(t, int64(1), logs)

	_, err = repo.GetQueueEntry(ctx, sent.ID)
	assert.ErrorIs(t, err, notifications.ErrQueueEntryNotFound)
	_, err = repo.GetQueueEntry(ctx, waiting.ID)
	assert.NoError(t, err)

	delivered, err := repo.CountDeliveredSince(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), delivered)
}

func TestRepository_Templates(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	v1 := &domain.Template{
		Name:        "Reminder",
		EventType:   domain.EventBookingReminder,
		Channel:     domain.ChannelSMS,
		Locale:      "en",
		BodyPattern: "See you at {{ time }}",
		Variables:   []string{"time"},
		Priority:    domain.PriorityHigh,
		IsActive:    true,
	}
	require.NoError(t, repo.CreateTemplate(ctx, v1))
	assert.NotEmpty(t, v1.ID)
	assert.Equal(t, 1, v1.Version)

	v2 := *v1
	v2.ID = ""
	v2.BodyPattern = "Reminder: {{ time }}"
	require.NoError(t, repo.CreateTemplate(ctx, &v2))
	assert.Equal(t, 2, v2.Version)

	active, err := repo.FindActiveTemplate(ctx, domain.EventBookingReminder, domain.ChannelSMS, "en")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	assert.Equal(t, []string{"time"}, active.Variables)

	v2.IsActive = false
	require.NoError(t, repo.UpdateTemplate(ctx, &v2))

	active, err = repo.FindActiveTemplate(ctx, domain.EventBookingReminder, domain.ChannelSMS, "en")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	_, err = repo.FindActiveTemplate(ctx, domain.EventBookingReminder, domain.ChannelSMS, "es")
	assert.ErrorIs(t, err, notifications.ErrTemplateNotFound)

	_, err = repo.GetTemplateByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, notifications.ErrTemplateNotFound)
	_, err = repo.GetTemplateByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, notifications.ErrTemplateNotFound)

	all, err := repo.ListTemplates(ctx, notifications.TemplateFilter{EventType: domain.EventBookingReminder})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepository_Preferences(t *testing.T) {
	repo := resetDB(t)
	ctx := context.Background()

	advance, start, end := 60, "22:00", "07:00"
	pref := &domain.Preference{
		UserID:          5,
		EventType:       domain.EventBookingReminder,
		Channel:         domain.ChannelSMS,
		Enabled:         true,
		AdvanceMinutes:  &advance,
		QuietHoursStart: &start,
		QuietHoursEnd:   &end,
	}
	require.NoError(t, repo.UpsertPreference(ctx, pref))

	pref.Enabled = false
	require.NoError(t, repo.UpsertPreference(ctx, pref))

	prefs, err := repo.ListPreferences(ctx, 5)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.False(t, prefs[0].Enabled)
	require.NotNil(t, prefs[0].AdvanceMinutes)
	assert.Equal(t, 60, *prefs[0].AdvanceMinutes)
	require.NotNil(t, prefs[0].QuietHoursStart)
	assert.Equal(t, "22:00", *prefs[0].QuietHoursStart)

	inserted, err := repo.InsertPreferencesIfAbsent(ctx, []domain.Preference{
		{UserID: 5, EventType: domain.EventBookingReminder, Channel: domain.ChannelSMS, Enabled: true},
		{UserID: 5, EventType: domain.EventBookingReminder, Channel: domain.ChannelEmail, Enabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	enabled, err := repo.ListEnabledPreferences(ctx, 5, domain.EventBookingReminder)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, domain.ChannelEmail, enabled[0].Channel)

	require.NoError(t, repo.DeletePreference(ctx, 5, domain.EventBookingReminder, domain.ChannelEmail))
	err = repo.DeletePreference(ctx, 5, domain.EventBookingReminder, domain.ChannelEmail)
	assert.ErrorIs(t, err, notifications.ErrPreferenceNotFound)
}

func TestDirectory_GetUser(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	dir := userspostgres.NewDirectory(testDB)

	id := insertUser(t, "Lena", "lena@example.com", "+14155550111")

	u, err := dir.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, &domain.User{ID: id, DisplayName: "Lena", Email: "lena@example.com", Phone: "+14155550111"}, u)

	_, err = dir.GetUser(ctx, id+100)
	assert.ErrorIs(t, err, notifications.ErrUserNotFound)
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// queueColumns are selected in the order scanEntry expects.
const queueColumns = `id, template_id, user_id, event_type, channel, priority,
	subject, body, context_data, status, scheduled_at, correlation_id, retry_count, max_retries,
	next_retry_at, external_id, last_error, cancel_reason, claimed_by, claimed_at, sent_at,
	created_at, updated_at`

const logColumns = `id, queue_id, user_id, channel, event_type, status, subject, external_id,
	provider_response, error_message, error_code, correlation_id, delivered_at`

// claimableCondition matches entries a worker may claim at @now.
const claimableCondition = `(
		(status IN ('pending', 'queued') AND scheduled_at <= @now)
		OR (status = 'retrying' AND next_retry_at <= @now AND retry_count < max_retries)
	)`

// EnqueueBatch inserts all entries in one transaction.
func (r *Repository) EnqueueBatch(ctx context.Context, entries []*domain.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO notification_queue (id, template_id, user_id, event_type, channel, priority, subject, body,
			context_data, status, scheduled_at, correlation_id, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`
	for _, e := range entries {
		contextData := e.ContextData
		if contextData == nil {
			contextData = map[string]any{}
		}
		_, err := tx.Exec(ctx, query,
			e.ID,
			e.TemplateID,
			e.UserID,
			e.EventType,
			e.Channel,
			int16(e.Priority),
			e.Subject,
			e.Body,
			contextData,
			e.Status,
			e.ScheduledAt,
			e.CorrelationID,
			e.RetryCount,
			e.MaxRetries,
			e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert queue entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetQueueEntry retrieves a queue entry by ID.
func (r *Repository) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	if uuid.Validate(id) != nil {
		return nil, notifications.ErrQueueEntryNotFound
	}
	query := `SELECT ` + queueColumns + ` FROM notification_queue WHERE id = $1`
	entry, err := scanEntry(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrQueueEntryNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

// ListQueue returns entries matching the filter, newest first.
func (r *Repository) ListQueue(ctx context.Context, filter notifications.QueueFilter) ([]domain.QueueEntry, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Priority != 0 {
		args = append(args, int16(filter.Priority))
		conds = append(conds, fmt.Sprintf("priority = $%d", len(args)))
	}
	if filter.UserID != 0 {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.CorrelationID != "" {
		args = append(args, filter.CorrelationID)
		conds = append(conds, fmt.Sprintf("correlation_id = $%d", len(args)))
	}

	query := `SELECT ` + queueColumns + ` FROM notification_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryEntries(ctx, query, args...)
}

// ListPending returns due PENDING/QUEUED entries, highest priority first.
func (r *Repository) ListPending(ctx context.Context, now time.Time, limit int) ([]domain.QueueEntry, error) {
	query := `SELECT ` + queueColumns + `
		FROM notification_queue
		WHERE status IN ('pending', 'queued') AND scheduled_at <= $1
		ORDER BY priority DESC, scheduled_at, created_at, id
		LIMIT NULLIF($2::int, 0)
	`
	return r.queryEntries(ctx, query, now, limit)
}

// ListRetryReady returns RETRYING entries whose backoff has elapsed.
func (r *Repository) ListRetryReady(ctx context.Context, now time.Time, limit int) ([]domain.QueueEntry, error) {
	query := `SELECT ` + queueColumns + `
		FROM notification_queue
		WHERE status = 'retrying' AND next_retry_at <= $1 AND retry_count < max_retries
		ORDER BY next_retry_at, id
		LIMIT NULLIF($2::int, 0)
	`
	return r.queryEntries(ctx, query, now, limit)
}

// ClaimReady moves up to limit claimable entries to PROCESSING. Rows locked
// by a concurrent claimer are skipped, so two workers never share an entry.
func (r *Repository) ClaimReady(ctx context.Context, workerID string, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	query := `
		WITH picked AS (
			SELECT id FROM notification_queue
			WHERE ` + claimableCondition + `
			ORDER BY (status = 'retrying'),
			         CASE WHEN status <> 'retrying' THEN priority END DESC NULLS LAST,
			         CASE WHEN status = 'retrying' THEN next_retry_at ELSE scheduled_at END,
			         id
			LIMIT @limit
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_queue q
		SET status = 'processing', claimed_by = @worker, claimed_at = @now, updated_at = @now
		FROM picked
		WHERE q.id = picked.id
		RETURNING ` + qualified("q", queueColumns)

	return r.claim(ctx, query, pgx.NamedArgs{"now": now, "limit": limit, "worker": workerID})
}

// ClaimByIDs claims the listed entries that are still claimable.
func (r *Repository) ClaimByIDs(ctx context.Context, workerID string, ids []string, now time.Time) ([]*domain.QueueEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		WITH picked AS (
			SELECT id FROM notification_queue
			WHERE id = ANY(@ids::uuid[]) AND ` + claimableCondition + `
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_queue q
		SET status = 'processing', claimed_by = @worker, claimed_at = @now, updated_at = @now
		FROM picked
		WHERE q.id = picked.id
		RETURNING ` + qualified("q", queueColumns)

	return r.claim(ctx, query, pgx.NamedArgs{"now": now, "ids": ids, "worker": workerID})
}

func (r *Repository) claim(ctx context.Context, query string, args pgx.NamedArgs) ([]*domain.QueueEntry, error) {
	rows, err := r.db.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.QueueEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed entries: %w", err)
	}
	return entries, nil
}

// CompleteAttempt records the attempt and applies the outcome if the worker
// still owns the entry.
func (r *Repository) CompleteAttempt(ctx context.Context, o notifications.AttemptOutcome) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := insertLog(ctx, tx, o.Log); err != nil {
		return false, err
	}

	var sentAt *time.Time
	if o.Status.IsSuccess() {
		at := o.At
		sentAt = &at
	}

	query := `
		UPDATE notification_queue
		SET status = $3,
		    retry_count = $4,
		    next_retry_at = $5,
		    external_id = COALESCE(NULLIF($6, ''), external_id),
		    last_error = $7,
		    sent_at = COALESCE($8, sent_at),
		    claimed_by = '',
		    claimed_at = NULL,
		    updated_at = $9
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
	`
	result, err := tx.Exec(ctx, query,
		o.EntryID,
		o.WorkerID,
		o.Status,
		o.RetryCount,
		o.NextRetryAt,
		o.ExternalID,
		o.LastError,
		sentAt,
		o.At,
	)
	if err != nil {
		return false, fmt.Errorf("apply attempt outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecoverStuckProcessing releases claims taken before claimedBefore.
func (r *Repository) RecoverStuckProcessing(ctx context.Context, claimedBefore time.Time) (int64, error) {
	query := `
		UPDATE notification_queue
		SET status = CASE WHEN retry_count > 0 THEN 'retrying' ELSE 'queued' END,
		    claimed_by = '',
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < $1
	`
	result, err := r.db.Exec(ctx, query, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("recover stuck entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// CancelByCorrelationID cancels every cancellable entry of the group and
// logs one cancellation record per entry.
func (r *Repository) CancelByCorrelationID(ctx context.Context, correlationID, reason string, now time.Time) (int64, error) {
	query := `
		WITH cancelled AS (
			UPDATE notification_queue
			SET status = 'cancelled',
			    cancel_reason = $2,
			    next_retry_at = NULL,
			    claimed_by = '',
			    claimed_at = NULL,
			    updated_at = $3
			WHERE correlation_id = $1
			  AND status IN ('pending', 'queued', 'retrying', 'processing')
			RETURNING id, user_id, channel, event_type, subject
		)
		INSERT INTO notification_logs (id, queue_id, user_id, channel, event_type, status, subject,
			error_message, correlation_id, delivered_at)
		SELECT gen_random_uuid(), id, user_id, channel, event_type, 'cancelled', subject, $2, $1, $3
		FROM cancelled
	`
	result, err := r.db.Exec(ctx, query, correlationID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("cancel by correlation id: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountByStatus returns the number of queue entries per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[domain.NotificationStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.NotificationStatus]int64)
	for rows.Next() {
		var (
			status domain.NotificationStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// ListLogs returns delivery log records, newest first.
func (r *Repository) ListLogs(ctx context.Context, filter notifications.LogFilter) ([]domain.LogEntry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != 0 {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if !filter.Start.IsZero() {
		args = append(args, filter.Start)
		conds = append(conds, fmt.Sprintf("delivered_at >= $%d", len(args)))
	}
	if !filter.End.IsZero() {
		args = append(args, filter.End)
		conds = append(conds, fmt.Sprintf("delivered_at < $%d", len(args)))
	}

	query := `SELECT ` + logColumns + ` FROM notification_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY delivered_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	logs := make([]domain.LogEntry, 0)
	for rows.Next() {
		var l domain.LogEntry
		err := rows.Scan(
			&l.ID,
			&l.QueueID,
			&l.UserID,
			&l.Channel,
			&l.EventType,
			&l.Status,
			&l.Subject,
			&l.ExternalID,
			&l.ProviderResponse,
			&l.ErrorMessage,
			&l.ErrorCode,
			&l.CorrelationID,
			&l.DeliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return logs, nil
}

// CountDeliveredSince counts successful delivery records since the given time.
func (r *Repository) CountDeliveredSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_logs WHERE status IN ('sent', 'delivered') AND delivered_at >= $1`,
		since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}

// PurgeBefore deletes old terminal entries and log records.
func (r *Repository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	logs, err := tx.Exec(ctx, `DELETE FROM notification_logs WHERE delivered_at < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("purge logs: %w", err)
	}

	entries, err := tx.Exec(ctx, `
		DELETE FROM notification_queue
		WHERE status IN ('sent', 'delivered', 'failed', 'cancelled') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("purge queue entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return entries.RowsAffected(), logs.RowsAffected(), nil
}

func insertLog(ctx context.Context, tx pgx.Tx, l domain.LogEntry) error {
	query := `
		INSERT INTO notification_logs (id, queue_id, user_id, channel, event_type, status, subject, external_id,
			provider_response, error_message, error_code, correlation_id, delivered_at)
		VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := tx.Exec(ctx, query,
		l.ID,
		l.QueueID,
		l.UserID,
		l.Channel,
		l.EventType,
		l.Status,
		l.Subject,
		l.ExternalID,
		l.ProviderResponse,
		l.ErrorMessage,
		l.ErrorCode,
		l.CorrelationID,
		l.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.QueueEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.QueueEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var (
		e          domain.QueueEntry
		templateID *string
		priority   int16
	)
	err := row.Scan(
		&e.ID,
		&templateID,
		&e.UserID,
		&e.EventType,
		&e.Channel,
		&priority,
		&e.Subject,
		&e.Body,
		&e.ContextData,
		&e.Status,
		&e.ScheduledAt,
		&e.CorrelationID,
		&e.RetryCount,
		&e.MaxRetries,
		&e.NextRetryAt,
		&e.ExternalID,
		&e.LastError,
		&e.CancelReason,
		&e.ClaimedBy,
		&e.ClaimedAt,
		&e.SentAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if templateID != nil {
		e.TemplateID = *templateID
	}
	e.Priority = domain.Priority(priority)
	return &e, nil
}

// qualified prefixes every column of a column list with alias.
func qualified(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const preferenceColumns = `user_id, event_type, channel, enabled, advance_minutes,
	quiet_hours_start, quiet_hours_end, created_at, updated_at`

// UpsertPreference creates or replaces a preference.
func (r *Repository) UpsertPreference(ctx context.Context, pref *domain.Preference) error {
	query := `
		INSERT INTO notification_preferences (user_id, event_type, channel, enabled, advance_minutes, quiet_hours_start, quiet_hours_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, event_type, channel) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    advance_minutes = EXCLUDED.advance_minutes,
		    quiet_hours_start = EXCLUDED.quiet_hours_start,
		    quiet_hours_end = EXCLUDED.quiet_hours_end,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		pref.UserID,
		pref.EventType,
		pref.Channel,
		pref.Enabled,
		pref.AdvanceMinutes,
		pref.QuietHoursStart,
		pref.QuietHoursEnd,
	).Scan(&pref.CreatedAt, &pref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

// ListPreferences returns all preferences of a user.
func (r *Repository) ListPreferences(ctx context.Context, userID int64) ([]domain.Preference, error) {
	query := `SELECT ` + preferenceColumns + `
		FROM notification_preferences
		WHERE user_id = $1
		ORDER BY event_type, channel
	`
	return r.queryPreferences(ctx, query, userID)
}

// ListEnabledPreferences returns enabled preferences of a user for one event type.
func (r *Repository) ListEnabledPreferences(ctx context.Context, userID int64, eventType domain.EventType) ([]domain.Preference, error) {
	query := `SELECT ` + preferenceColumns + `
		FROM notification_preferences
		WHERE user_id = $1 AND event_type = $2 AND enabled
		ORDER BY channel
	`
	return r.queryPreferences(ctx, query, userID, eventType)
}

func (r *Repository) queryPreferences(ctx context.Context, query string, args ...any) ([]domain.Preference, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	prefs := make([]domain.Preference, 0)
	for rows.Next() {
		var p domain.Preference
		err := rows.Scan(
			&p.UserID,
			&p.EventType,
			&p.Channel,
			&p.Enabled,
			&p.AdvanceMinutes,
			&p.QuietHoursStart,
			&p.QuietHoursEnd,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}

	return prefs, nil
}

// DeletePreference removes one preference.
func (r *Repository) DeletePreference(ctx context.Context, userID int64, eventType domain.EventType, channel domain.Channel) error {
	query := `DELETE FROM notification_preferences WHERE user_id = $1 AND event_type = $2 AND channel = $3`
	result, err := r.db.Exec(ctx, query, userID, eventType, channel)
	if err != nil {
		return fmt.Errorf("delete preference: %w", err)
	}

	if result.RowsAffected() == 0 {
		return notifications.ErrPreferenceNotFound
	}
	return nil
}

// InsertPreferencesIfAbsent inserts preferences, skipping existing keys.
func (r *Repository) InsertPreferencesIfAbsent(ctx context.Context, prefs []domain.Preference) (int64, error) {
	if len(prefs) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO notification_preferences (user_id, event_type, channel, enabled, advance_minutes, quiet_hours_start, quiet_hours_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, event_type, channel) DO NOTHING
	`
	var inserted int64
	for _, p := range prefs {
		result, err := tx.Exec(ctx, query,
			p.UserID, p.EventType, p.Channel, p.Enabled,
			p.AdvanceMinutes, p.QuietHoursStart, p.QuietHoursEnd,
		)
		if err != nil {
			return 0, fmt.Errorf("insert preference %s/%s: %w", p.EventType, p.Channel, err)
		}
		inserted += result.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return inserted, nil
}

const templateColumns = `id, name, event_type, channel, locale, version, subject_pattern,
	body_pattern, variables, priority, is_active, created_at, updated_at`

// CreateTemplate inserts a template as the next version of its key.
func (r *Repository) CreateTemplate(ctx context.Context, tmpl *domain.Template) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Serialises version assignment per key.
	lockKey := fmt.Sprintf("%s/%s/%s", tmpl.EventType, tmpl.Channel, tmpl.Locale)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return fmt.Errorf("lock template key: %w", err)
	}

	query := `
		INSERT INTO notification_templates (name, event_type, channel, locale, version, subject_pattern, body_pattern, variables, priority, is_active)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM notification_templates WHERE event_type = $2 AND channel = $3 AND locale = $4),
			$5, $6, $7, $8, $9)
		RETURNING id, version, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		tmpl.Name,
		tmpl.EventType,
		tmpl.Channel,
		tmpl.Locale,
		tmpl.SubjectPattern,
		tmpl.BodyPattern,
		variables(tmpl.Variables),
		int16(tmpl.Priority),
		tmpl.IsActive,
	).Scan(&tmpl.ID, &tmpl.Version, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTemplateByID retrieves a template by ID.
func (r *Repository) GetTemplateByID(ctx context.Context, id string) (*domain.Template, error) {
	if uuid.Validate(id) != nil {
		return nil, notifications.ErrTemplateNotFound
	}
	query := `SELECT ` + templateColumns + ` FROM notification_templates WHERE id = $1`
	tmpl, err := scanTemplate(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return tmpl, nil
}

// FindActiveTemplate returns the highest active version for the key.
func (r *Repository) FindActiveTemplate(ctx context.Context, eventType domain.EventType, channel domain.Channel, locale string) (*domain.Template, error) {
	query := `SELECT ` + templateColumns + `
		FROM notification_templates
		WHERE event_type = $1 AND channel = $2 AND locale = $3 AND is_active
		ORDER BY version DESC
		LIMIT 1
	`
	tmpl, err := scanTemplate(r.db.QueryRow(ctx, query, eventType, channel, locale))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("find active template: %w", err)
	}
	return tmpl, nil
}

// ListTemplates returns templates matching the filter.
func (r *Repository) ListTemplates(ctx context.Context, filter notifications.TemplateFilter) ([]domain.Template, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.Channel != "" {
		args = append(args, filter.Channel)
		conds = append(conds, fmt.Sprintf("channel = $%d", len(args)))
	}
	if filter.Locale != "" {
		args = append(args, filter.Locale)
		conds = append(conds, fmt.Sprintf("locale = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "is_active")
	}

	query := `SELECT ` + templateColumns + ` FROM notification_templates`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_type, channel, locale, version DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := make([]domain.Template, 0)
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, *tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}

	return templates, nil
}

// UpdateTemplate updates the editable fields of a template.
func (r *Repository) UpdateTemplate(ctx context.Context, tmpl *domain.Template) error {
	query := `
		UPDATE notification_templates
		SET name = $2, subject_pattern = $3, body_pattern = $4, variables = $5,
		    priority = $6, is_active = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		tmpl.ID,
		tmpl.Name,
		tmpl.SubjectPattern,
		tmpl.BodyPattern,
		variables(tmpl.Variables),
		int16(tmpl.Priority),
		tmpl.IsActive,
	).Scan(&tmpl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notifications.ErrTemplateNotFound
		}
		return fmt.Errorf("update template: %w", err)
	}
	return nil
}

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var (
		tmpl     domain.Template
		priority int16
	)
	err := row.Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.EventType,
		&tmpl.Channel,
		&tmpl.Locale,
		&tmpl.Version,
		&tmpl.SubjectPattern,
		&tmpl.BodyPattern,
		&tmpl.Variables,
		&priority,
		&tmpl.IsActive,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tmpl.Priority = domain.Priority(priority)
	return &tmpl, nil
}

func variables(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Message: "user not found"},
	{Error: ErrTemplateNotFound, Status: http.StatusNotFound, Message: "notification template not found"},
	{Error: ErrPreferenceNotFound, Status: http.StatusNotFound, Message: "notification preference not found"},
	{Error: ErrQueueEntryNotFound, Status: http.StatusNotFound, Message: "queue entry not found"},
	{Error: ErrValidation, Status: http.StatusBadRequest},
}

const defaultStatisticsWindow = 30 * 24 * time.Hour

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service        *Service
	validator      *validator.Validate
	processTimeout time.Duration
}

// NewHandler creates a new notifications handler. processTimeout bounds a
// manual queue pass; it should not exceed the worker's claim lease.
func NewHandler(service *Service, processTimeout time.Duration) *Handler {
	return &Handler{
		service:        service,
		validator:      validator.New(),
		processTimeout: processTimeout,
	}
}

// RegisterRoutes registers routes for the authenticated user.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/me/preferences", func(r chi.Router) {
		r.Get("/", h.ListPreferences)
		r.Put("/", h.SetPreference)
		r.Delete("/{event_type}/{channel}", h.DeletePreference)
	})
	r.Get("/me/notifications", h.History)
}

// RegisterAdminRoutes registers routes that require admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/admin/templates", func(r chi.Router) {
		r.Get("/", h.ListTemplates)
		r.Post("/", h.CreateTemplate)
		r.Get("/{id}", h.GetTemplate)
		r.Put("/{id}", h.UpdateTemplate)
		r.Post("/{id}/deactivate", h.DeactivateTemplate)
	})

	r.Post("/admin/notifications", h.SendNotification)

	r.Route("/admin/queue", func(r chi.Router) {
		r.Get("/", h.ListQueue)
		r.Get("/pending", h.ListPending)
		r.Get("/retry-ready", h.ListRetryReady)
		r.Post("/process", h.ProcessQueue)
		r.Post("/cancel", h.Cancel)
		r.Get("/{id}", h.GetQueueEntry)
	})

	r.Get("/admin/statistics", h.Statistics)
	r.Post("/admin/retention/purge", h.Purge)
	r.Post("/admin/users/{id}/preferences/defaults", h.SeedDefaults)
}

// RegisterPublicRoutes registers routes without authentication.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/notifications/health", h.Health)
}

// SetPreferenceRequest represents request body for upserting a preference.
type SetPreferenceRequest struct {
	EventType       string  `json:"event_type" validate:"required,max=64"`
	Channel         string  `json:"channel" validate:"required,oneof=email sms push in_app whatsapp"`
	Enabled         bool    `json:"enabled"`
	AdvanceMinutes  *int    `json:"advance_minutes" validate:"omitempty,min=0"`
	QuietHoursStart *string `json:"quiet_hours_start"`
	QuietHoursEnd   *string `json:"quiet_hours_end"`
}

// TemplateRequest represents request body for creating or updating a template.
type TemplateRequest struct {
	Name           string   `json:"name" validate:"required,max=255"`
	EventType      string   `json:"event_type" validate:"required,max=64"`
	Channel        string   `json:"channel" validate:"required,oneof=email sms push in_app whatsapp"`
	Locale         string   `json:"locale" validate:"required,min=2,max=16"`
	SubjectPattern string   `json:"subject_pattern"`
	BodyPattern    string   `json:"body_pattern" validate:"required"`
	Variables      []string `json:"variables"`
	Priority       string   `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

// ToInput converts the request to a registry input.
func (req *TemplateRequest) ToInput() (TemplateInput, error) {
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return TemplateInput{}, NewValidationError("priority", "%v", err)
	}
	return TemplateInput{
		Name:           req.Name,
		EventType:      domain.EventType(req.EventType),
		Channel:        domain.Channel(req.Channel),
		Locale:         req.Locale,
		SubjectPattern: req.SubjectPattern,
		BodyPattern:    req.BodyPattern,
		Variables:      req.Variables,
		Priority:       priority,
	}, nil
}

// SendNotificationRequest represents request body for send_notification.
type SendNotificationRequest struct {
	UserID        int64          `json:"user_id" validate:"required,gt=0"`
	EventType     string         `json:"event_type" validate:"required,max=64"`
	ContextData   map[string]any `json:"context_data"`
	Priority      string         `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Channels      []string       `json:"channels" validate:"omitempty,dive,oneof=email sms push in_app whatsapp"`
	ScheduledAt   *time.Time     `json:"scheduled_at"`
	CorrelationID string         `json:"correlation_id" validate:"max=255"`
	Locale        string         `json:"locale" validate:"max=16"`
}

// CancelRequest represents request body for cancelling by correlation id.
type CancelRequest struct {
	CorrelationID string `json:"correlation_id" validate:"required,max=255"`
	Reason        string `json:"reason" validate:"max=500"`
}

// ListPreferences handles GET /me/preferences.
func (h *Handler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.CurrentUser(w, r)
	if !ok {
		return
	}

	prefs, err := h.service.ListPreferences(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, prefs)
}

// SetPreference handles PUT /me/preferences.
func (h *Handler) SetPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.CurrentUser(w, r)
	if !ok {
		return
	}

	var req SetPreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	pref, err := h.service.SetPreference(r.Context(), userID, PreferenceInput{
		EventType:       domain.EventType(req.EventType),
		Channel:         domain.Channel(req.Channel),
		Enabled:         req.Enabled,
		AdvanceMinutes:  req.AdvanceMinutes,
		QuietHoursStart: req.QuietHoursStart,
		QuietHoursEnd:   req.QuietHoursEnd,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, pref)
}

// DeletePreference handles DELETE /me/preferences/{event_type}/{channel}.
func (h *Handler) DeletePreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.CurrentUser(w, r)
	if !ok {
		return
	}

	eventType := domain.EventType(chi.URLParam(r, "event_type"))
	channel := domain.Channel(chi.URLParam(r, "channel"))

	if err := h.service.DeletePreference(r.Context(), userID, eventType, channel); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /me/notifications.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.CurrentUser(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	logs, err := h.service.History(r.Context(), userID, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, logs)
}

// ListTemplates handles GET /admin/templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TemplateFilter{
		EventType:  domain.EventType(q.Get("event_type")),
		Channel:    domain.Channel(q.Get("channel")),
		Locale:     q.Get("locale"),
		ActiveOnly: q.Get("active") == "true",
	}

	templates, err := h.service.ListTemplates(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, templates)
}

// CreateTemplate handles POST /admin/templates.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeTemplate(w, r)
	if !ok {
		return
	}

	tmpl, err := h.service.CreateTemplate(r.Context(), in)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, tmpl)
}

// GetTemplate handles GET /admin/templates/{id}.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.service.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, tmpl)
}

// UpdateTemplate handles PUT /admin/templates/{id}.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeTemplate(w, r)
	if !ok {
		return
	}

	tmpl, err := h.service.UpdateTemplate(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, tmpl)
}

// DeactivateTemplate handles POST /admin/templates/{id}/deactivate.
func (h *Handler) DeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.service.DeactivateTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, tmpl)
}

// SendNotification handles POST /admin/notifications.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	priority := domain.Priority(0)
	if req.Priority != "" {
		p, err := domain.ParsePriority(req.Priority)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		priority = p
	}

	channels := make([]domain.Channel, 0, len(req.Channels))
	for _, c := range req.Channels {
		channels = append(channels, domain.Channel(c))
	}

	result, err := h.service.SendNotification(r.Context(), SendInput{
		UserID:        req.UserID,
		EventType:     domain.EventType(req.EventType),
		ContextData:   req.ContextData,
		Priority:      priority,
		Channels:      channels,
		ScheduledAt:   req.ScheduledAt,
		CorrelationID: req.CorrelationID,
		Locale:        req.Locale,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, result)
}

// ListQueue handles GET /admin/queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter QueueFilter
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, domain.NotificationStatus(strings.TrimSpace(s)))
		}
	}
	if raw := q.Get("priority"); raw != "" {
		p, err := domain.ParsePriority(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Priority = p
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httputil.Error(w, http.StatusBadRequest, "user_id must be a positive integer")
			return
		}
		filter.UserID = id
	}
	filter.CorrelationID = q.Get("correlation_id")

	limit, err := queryInt(r, "limit")
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	filter.Limit = limit

	entries, err := h.service.ListQueue(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}

// ListPending handles GET /admin/queue/pending.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	h.listDue(w, r, h.service.ListPending)
}

// ListRetryReady handles GET /admin/queue/retry-ready.
func (h *Handler) ListRetryReady(w http.ResponseWriter, r *http.Request) {
	h.listDue(w, r, h.service.ListRetryReady)
}

func (h *Handler) listDue(w http.ResponseWriter, r *http.Request, list func(context.Context, int) ([]domain.QueueEntry, error)) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	entries, err := list(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}

// GetQueueEntry handles GET /admin/queue/{id}.
func (h *Handler) GetQueueEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.GetQueueEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// ProcessQueue handles POST /admin/queue/process. Claimed entries are
// finished even if the caller disconnects.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.processTimeout)
	defer cancel()

	report, err := h.service.ProcessQueue(ctx)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, report)
}

// Cancel handles POST /admin/queue/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	n, err := h.service.CancelByCorrelationID(r.Context(), req.CorrelationID, req.Reason)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"correlation_id": req.CorrelationID,
		"cancelled":      n,
	})
}

// Statistics handles GET /admin/statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "end must be an RFC 3339 timestamp")
			return
		}
		end = t
	}
	start := end.Add(-defaultStatisticsWindow)
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "start must be an RFC 3339 timestamp")
			return
		}
		start = t
	}

	stats, err := h.service.Statistics(r.Context(), start, end)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// Purge handles POST /admin/retention/purge.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Purge(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// SeedDefaults handles POST /admin/users/{id}/preferences/defaults.
func (h *Handler) SeedDefaults(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		httputil.Error(w, http.StatusBadRequest, "user id must be a positive integer")
		return
	}

	n, err := h.service.SeedDefaultPreferences(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"inserted": n,
	})
}

// Health handles GET /notifications/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.service.Health(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, health)
}

func (h *Handler) decodeTemplate(w http.ResponseWriter, r *http.Request) (TemplateInput, bool) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return TemplateInput{}, false
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return TemplateInput{}, false
	}

	in, err := req.ToInput()
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return TemplateInput{}, false
	}
	return in, true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

package notifications

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bissquit/salon-notify/internal/domain"
)

// TemplateRegistry manages templates and resolves the one to render for an
// (event type, channel, locale) key. Lookup is exact; there is no locale
// fallback chain.
type TemplateRegistry struct {
	store    TemplateStore
	renderer *Renderer
	clock    Clock
}

// NewTemplateRegistry creates a new TemplateRegistry.
func NewTemplateRegistry(store TemplateStore, renderer *Renderer, clock Clock) *TemplateRegistry {
	return &TemplateRegistry{store: store, renderer: renderer, clock: clock}
}

// TemplateInput describes a template to create or replace.
type TemplateInput struct {
	Name           string
	EventType      domain.EventType
	Channel        domain.Channel
	Locale         string
	SubjectPattern string
	BodyPattern    string
	Variables      []string
	Priority       domain.Priority
}

// Get returns the active template for the key or ErrTemplateNotFound.
func (r *TemplateRegistry) Get(ctx context.Context, eventType domain.EventType, channel domain.Channel, locale string) (*domain.Template, error) {
	return r.store.FindActiveTemplate(ctx, eventType, channel, locale)
}

// GetByID returns a template by id, active or not.
func (r *TemplateRegistry) GetByID(ctx context.Context, id string) (*domain.Template, error) {
	return r.store.GetTemplateByID(ctx, id)
}

// List returns templates matching filter.
func (r *TemplateRegistry) List(ctx context.Context, filter TemplateFilter) ([]domain.Template, error) {
	return r.store.ListTemplates(ctx, filter)
}

// Create validates and stores a new active template. The store assigns the
// next version number for the key.
func (r *TemplateRegistry) Create(ctx context.Context, in TemplateInput) (*domain.Template, error) {
	if !in.EventType.IsValid() {
		return nil, NewValidationError("event_type", "invalid event type %q", in.EventType)
	}
	if !in.Channel.IsValid() {
		return nil, NewValidationError("channel", "unknown channel %q", in.Channel)
	}
	if strings.TrimSpace(in.Locale) == "" {
		return nil, NewValidationError("locale", "is required")
	}

	tmpl := &domain.Template{
		EventType: in.EventType,
		Channel:   in.Channel,
		Locale:    strings.ToLower(strings.TrimSpace(in.Locale)),
		IsActive:  true,
	}
	if err := r.apply(tmpl, in); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	if err := r.store.CreateTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return tmpl, nil
}

// Update replaces the editable fields of a template. The key (event type,
// channel, locale) and version are immutable; already queued entries keep
// the content rendered at enqueue time.
func (r *TemplateRegistry) Update(ctx context.Context, id string, in TemplateInput) (*domain.Template, error) {
	tmpl, err := r.store.GetTemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.apply(tmpl, in); err != nil {
		return nil, err
	}
	tmpl.UpdatedAt = r.clock.Now()

	if err := r.store.UpdateTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	return tmpl, nil
}

// Deactivate hides a template from lookup without deleting it.
func (r *TemplateRegistry) Deactivate(ctx context.Context, id string) (*domain.Template, error) {
	tmpl, err := r.store.GetTemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return tmpl, nil
	}
	tmpl.IsActive = false
	tmpl.UpdatedAt = r.clock.Now()

	if err := r.store.UpdateTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("deactivate template: %w", err)
	}
	return tmpl, nil
}

// apply validates the editable fields of in and copies them onto tmpl.
func (r *TemplateRegistry) apply(tmpl *domain.Template, in TemplateInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return NewValidationError("name", "is required")
	}
	if strings.TrimSpace(in.BodyPattern) == "" {
		return NewValidationError("body_pattern", "is required")
	}
	if in.Priority == 0 {
		in.Priority = domain.PriorityNormal
	}
	if !in.Priority.IsValid() {
		return NewValidationError("priority", "invalid priority %d", int(in.Priority))
	}

	subjectVars, err := r.renderer.Variables(in.SubjectPattern)
	if err != nil {
		return fmt.Errorf("subject_pattern: %w", err)
	}
	bodyVars, err := r.renderer.Variables(in.BodyPattern)
	if err != nil {
		return fmt.Errorf("body_pattern: %w", err)
	}

	referenced := subjectVars
	for _, v := range bodyVars {
		if !slices.Contains(referenced, v) {
			referenced = append(referenced, v)
		}
	}

	declared := in.Variables
	if len(declared) == 0 {
		declared = referenced
	} else {
		for _, v := range referenced {
			if !slices.Contains(declared, v) && !isStandardField(v) {
				return NewValidationError("variables", "placeholder %q is not declared", v)
			}
		}
	}

	tmpl.Name = strings.TrimSpace(in.Name)
	tmpl.SubjectPattern = in.SubjectPattern
	tmpl.BodyPattern = in.BodyPattern
	tmpl.Variables = declared
	tmpl.Priority = in.Priority
	return nil
}

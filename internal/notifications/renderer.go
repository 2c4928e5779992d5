package notifications

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Rendered is the output of rendering a template.
type Rendered struct {
	Subject string
	Body    string
}

// Renderer substitutes {{ name }} placeholders. A placeholder may pipe its
// value through filters: {{ client_name | title }}.
type Renderer struct {
	filters map[string]func(string) string
}

// NewRenderer creates a renderer with the built-in filters.
func NewRenderer() *Renderer {
	return &Renderer{
		filters: map[string]func(string) string{
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
			"title": titleCase,
			"trim":  strings.TrimSpace,
		},
	}
}

type segment struct {
	literal string
	name    string
	filters []string
}

var variableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// Variables parses pattern and returns the distinct variable names it
// references, in order of first appearance.
func (r *Renderer) Variables(pattern string) ([]string, error) {
	segs, err := r.parse(pattern)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, s := range segs {
		if s.name == "" || seen[s.name] {
			continue
		}
		seen[s.name] = true
		names = append(names, s.name)
	}
	return names, nil
}

// Render renders subject and body of tmpl against data. Values are escaped
// for the template's channel: HTML-escaped for email bodies, tag-stripped for
// plain-text channels and subjects.
func (r *Renderer) Render(tmpl *domain.Template, data map[string]any) (Rendered, error) {
	var out Rendered

	if tmpl.SubjectPattern != "" {
		subject, err := r.execute(tmpl.SubjectPattern, data, stripTags)
		if err != nil {
			return Rendered{}, fmt.Errorf("render subject of %s: %w", tmpl.Name, err)
		}
		out.Subject = strings.TrimSpace(subject)
	}

	escape := stripTags
	if !tmpl.Channel.IsPlainText() {
		escape = html.EscapeString
	}
	body, err := r.execute(tmpl.BodyPattern, data, escape)
	if err != nil {
		return Rendered{}, fmt.Errorf("render body of %s: %w", tmpl.Name, err)
	}
	out.Body = strings.TrimSpace(body)

	return out, nil
}

func (r *Renderer) execute(pattern string, data map[string]any, escape func(string) string) (string, error) {
	segs, err := r.parse(pattern)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, s := range segs {
		if s.name == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := lookup(data, s.name)
		if !ok {
			return "", NewValidationError("context", "missing variable %q", s.name)
		}
		str := formatValue(v)
		for _, f := range s.filters {
			str = r.filters[f](str)
		}
		b.WriteString(escape(str))
	}
	return b.String(), nil
}

func (r *Renderer) parse(pattern string) ([]segment, error) {
	var segs []segment
	rest := pattern
	offset := 0
	for {
		open := strings.Index(rest, "{{")
		closeIdx := strings.Index(rest, "}}")
		if closeIdx != -1 && (open == -1 || closeIdx < open) {
			return nil, NewValidationError("template", "unexpected '}}' at offset %d", offset+closeIdx)
		}
		if open == -1 {
			if rest != "" {
				segs = append(segs, segment{literal: rest})
			}
			return segs, nil
		}
		if open > 0 {
			segs = append(segs, segment{literal: rest[:open]})
		}

		end := strings.Index(rest[open+2:], "}}")
		if end == -1 {
			return nil, NewValidationError("template", "unclosed placeholder at offset %d", offset+open)
		}
		inner := rest[open+2 : open+2+end]
		if strings.Contains(inner, "{{") {
			return nil, NewValidationError("template", "nested placeholder at offset %d", offset+open)
		}

		seg, err := r.parsePlaceholder(inner)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)

		consumed := open + 2 + end + 2
		rest = rest[consumed:]
		offset += consumed
	}
}

func (r *Renderer) parsePlaceholder(inner string) (segment, error) {
	parts := strings.Split(inner, "|")
	name := strings.TrimSpace(parts[0])
	if !variableName.MatchString(name) {
		return segment{}, NewValidationError("template", "invalid variable name %q", name)
	}

	seg := segment{name: name}
	for _, p := range parts[1:] {
		f := strings.TrimSpace(p)
		if _, ok := r.filters[f]; !ok {
			return segment{}, NewValidationError("template", "unknown filter %q", f)
		}
		seg.filters = append(seg.filters, f)
	}
	return seg, nil
}

// lookup resolves a dotted path through nested maps.
func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format("Jan 2, 2006 15:04")
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.Format("Jan 2, 2006 15:04")
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%.2f", val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// htmlTag matches tag-shaped runs only, so comparisons like "5 < 6" survive.
var htmlTag = regexp.MustCompile(`</?[A-Za-z][^<>]*>`)

func stripTags(s string) string {
	return htmlTag.ReplaceAllString(s, "")
}

// titleCase builds a caser per call; cases.Caser is not safe for concurrent use.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

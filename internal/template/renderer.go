// Package template turns a campaign's message template into the text sent to
// one recipient.
package template

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	textTemplate "text/template"

	"github.com/foxzi/cadence/internal/models"
)

// Renderer renders a message template for one recipient
type Renderer interface {
	Render(tmpl string, r models.Recipient) (string, error)
}

// New returns the renderer for engine ("vars" or "go")
func New(engine string, globals map[string]string, strict bool) (Renderer, error) {
	switch engine {
	case "", "vars":
		return &VarRenderer{Globals: globals, Strict: strict}, nil
	case "go":
		return &TextRenderer{Globals: globals, Strict: strict}, nil
	default:
		return nil, fmt.Errorf("unknown template engine %q", engine)
	}
}

// Variables merges the values a template can reference. Later sources win:
// globals, then the recipient's built-in fields, then its own variables.
func Variables(globals map[string]string, r models.Recipient) map[string]string {
	vars := make(map[string]string, len(globals)+len(r.Variables)+3)
	for k, v := range globals {
		vars[k] = v
	}
	vars["id"] = r.ID
	vars["address"] = r.Address
	vars["name"] = r.Name
	for k, v := range r.Variables {
		vars[k] = v
	}
	return vars
}

var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// VarRenderer substitutes {{name}} placeholders. Unknown placeholders are kept
// verbatim unless Strict is set, in which case rendering fails.
type VarRenderer struct {
	Globals map[string]string
	Strict  bool
}

// Render implements Renderer
func (v *VarRenderer) Render(tmpl string, r models.Recipient) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	vars := Variables(v.Globals, r)

	var missing []string
	out := varPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		missing = append(missing, name)
		return match
	})

	if v.Strict && len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// TextRenderer executes text/template syntax ({{.name}}, {{if}}, ...) with the
// merged variables as data. Parsed templates are cached by source.
type TextRenderer struct {
	Globals map[string]string
	Strict  bool

	cache sync.Map // source -> *textTemplate.Template
}

// Render implements Renderer
func (t *TextRenderer) Render(tmpl string, r models.Recipient) (string, error) {
	parsed, err := t.parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, Variables(t.Globals, r)); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// Validate checks template syntax without rendering
func (t *TextRenderer) Validate(tmpl string) error {
	_, err := t.parse(tmpl)
	return err
}

func (t *TextRenderer) parse(tmpl string) (*textTemplate.Template, error) {
	if cached, ok := t.cache.Load(tmpl); ok {
		return cached.(*textTemplate.Template), nil
	}

	parsed := textTemplate.New("message")
	if t.Strict {
		parsed = parsed.Option("missingkey=error")
	}
	parsed, err := parsed.Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	t.cache.Store(tmpl, parsed)
	return parsed, nil
}

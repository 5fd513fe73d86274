// Package template renders notification message templates. A built-in set
// ships with the gateway; YAML files in the configured directory add to it
// or override it by name.
package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Template is one named message with {placeholder} variables.
type Template struct {
	Name      string   `yaml:"name" json:"name"`
	Content   string   `yaml:"content" json:"content"`
	Variables []string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Category  string   `yaml:"category,omitempty" json:"category,omitempty"`
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

// Registry holds the resolved template set.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
	logger    *slog.Logger
}

// NewRegistry creates a registry seeded with the built-in templates.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		templates: make(map[string]Template),
		logger:    logger,
	}
	for _, tpl := range Builtins() {
		r.templates[tpl.Name] = tpl
	}
	return r
}

// LoadDirectory merges YAML template files over the current set, one
// template per file. A missing directory is not an error; unreadable or
// malformed files are skipped with a warning.
func (r *Registry) LoadDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.logger.Debug("template directory does not exist, skipping", "dir", dir)
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("cannot read template file", "path", path, "err", err)
			continue
		}

		var tpl Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			r.logger.Warn("cannot parse template file", "path", path, "err", err)
			continue
		}

		if tpl.Name == "" {
			tpl.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if tpl.Content == "" {
			r.logger.Warn("template file has no content", "path", path)
			continue
		}

		r.mu.Lock()
		r.templates[tpl.Name] = tpl
		r.mu.Unlock()
		r.logger.Info("loaded user template", "name", tpl.Name, "path", path)
	}
	return nil
}

// Get returns a template by name.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[name]
	return tpl, ok
}

// List returns all templates sorted by name.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Render resolves a template by name and substitutes its variables.
func (r *Registry) Render(name string, vars map[string]string) (string, error) {
	tpl, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown template: %q", name)
	}
	return RenderContent(tpl.Content, vars)
}

// RenderContent substitutes {placeholder} tokens in content. Every
// placeholder must have a value; values without a placeholder are ignored.
func RenderContent(content string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(content, func(tok string) string {
		key := tok[1 : len(tok)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		missing = append(missing, key)
		return tok
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template variables missing: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Builtins returns the stock notification templates.
func Builtins() []Template {
	return []Template{
		{
			Name:      "welcome",
			Category:  "welcome",
			Variables: []string{"nome"},
			Content:   "🙏 Olá {nome}! Bem-vindo(a) à nossa comunidade. Que bom ter você conosco!",
		},
		{
			Name:      "event_reminder",
			Category:  "reminder",
			Variables: []string{"evento", "data", "horario"},
			Content:   "📅 Lembrete: {evento} será em {data} às {horario}. Não perca!",
		},
		{
			Name:      "birthday",
			Category:  "birthday",
			Variables: []string{"nome"},
			Content:   "🎉 Feliz aniversário, {nome}! 🎂 Desejamos um novo ano de vida repleto de alegrias!",
		},
		{
			Name:      "prayer_request",
			Category:  "prayer",
			Variables: []string{"motivo"},
			Content:   "🙏 Recebemos seu pedido de oração por {motivo}. Nossa equipe estará orando por você!",
		},
		{
			Name:      "donation_thanks",
			Category:  "donation",
			Variables: []string{"valor"},
			Content:   "💝 Obrigado pela sua doação de R$ {valor}! Sua generosidade faz toda a diferença.",
		},
	}
}

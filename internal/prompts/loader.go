package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for a pipeline prompt.
type TemplateMeta struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Class       domain.RequestClass `yaml:"class"`
}

// Prompt is a rendered pipeline prompt ready to be asked.
type Prompt struct {
	Label string
	Text  string
	Class domain.RequestClass
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with the configured directories followed
// by the standard override paths:
// 1. Project-local: .pbt-orchestrator/prompts/
// 2. User config: ~/.config/pbt-orchestrator/prompts/
func DefaultLoader(projectRoot string, extra ...string) *Loader {
	dirs := append([]string{}, extra...)
	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".pbt-orchestrator", "prompts"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "pbt-orchestrator", "prompts"))
	}
	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(path string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, path)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "pipeline/explain.md").
func (l *Loader) LoadTemplate(path string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		meta := l.metaCache[path]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	tmpl, err := template.New(path).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	l.metaCache[path] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(path string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", path, err)
	}

	return buf.String(), nil
}

// Render executes the pipeline prompt with the given id. The request class
// comes from the template's frontmatter and defaults to a long answer.
func (l *Loader) Render(id string, data Data) (Prompt, error) {
	path := "pipeline/" + id + ".md"
	text, err := l.Execute(path, data)
	if err != nil {
		return Prompt{}, err
	}
	_, meta, _ := l.LoadTemplate(path)

	p := Prompt{Label: id, Text: strings.TrimSpace(text), Class: domain.LongAnswer}
	if meta != nil && meta.Class != "" {
		p.Class = meta.Class
	}
	return p, nil
}

// StrategyHarness renders the script that draws examples from a strategy
// without calling the function under test.
func (l *Loader) StrategyHarness(data Data) (string, error) {
	return l.Execute("harness/strategy_check.py", data)
}

// Catalog returns the canonical property templates.
func (l *Loader) Catalog() ([]domain.PropertyDescriptor, error) {
	content, err := l.loadContent("catalog/properties.yaml")
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	var doc struct {
		Properties []domain.PropertyDescriptor `yaml:"properties"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Properties) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return doc.Properties, nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}

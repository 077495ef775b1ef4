// Package template renders message bodies from named templates. Templates
// live in two layers: an in-memory registry written through the API, and a
// directory of files reloaded on change. Memory wins on name collisions.
package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	texttemplate "text/template"
)

// ErrNotFound is returned when neither layer knows the template name.
var ErrNotFound = errors.New("template not found")

// fileExtensions lists the file suffixes loaded from the template directory.
var fileExtensions = []string{".tmpl", ".txt"}

// Engine holds the two template layers behind one render call.
type Engine struct {
	mu     sync.RWMutex
	dir    string
	memory map[string]*texttemplate.Template
	files  map[string]*texttemplate.Template
}

// NewEngine builds an engine rooted at dir. A missing directory is not an
// error; file templates simply start empty.
func NewEngine(dir string) (*Engine, error) {
	e := &Engine{
		dir:    dir,
		memory: make(map[string]*texttemplate.Template),
		files:  make(map[string]*texttemplate.Template),
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Register parses and stores an in-memory template. Re-registering a name
// replaces the previous body.
func (e *Engine) Register(name, text string) error {
	tmpl, err := texttemplate.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %q: %w", name, err)
	}
	e.mu.Lock()
	e.memory[name] = tmpl
	e.mu.Unlock()
	return nil
}

// Unregister removes an in-memory template, reporting whether it existed.
// File templates cannot be removed through the API.
func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.memory[name]; !ok {
		return false
	}
	delete(e.memory, name)
	return true
}

// Has reports whether either layer can render the name.
func (e *Engine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.memory[name]; ok {
		return true
	}
	_, ok := e.files[name]
	return ok
}

// Render executes the named template with vars. Memory shadows files.
func (e *Engine) Render(name string, vars map[string]interface{}) (string, error) {
	e.mu.RLock()
	tmpl, ok := e.memory[name]
	if !ok {
		tmpl, ok = e.files[name]
	}
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return sb.String(), nil
}

// RenderString parses and executes a one-off template body.
func (e *Engine) RenderString(text string, vars map[string]interface{}) (string, error) {
	tmpl, err := texttemplate.New("inline").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse inline template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render inline template: %w", err)
	}
	return sb.String(), nil
}

// List returns sorted names per layer.
func (e *Engine) List() (memory, files []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for name := range e.memory {
		memory = append(memory, name)
	}
	for name := range e.files {
		files = append(files, name)
	}
	sort.Strings(memory)
	sort.Strings(files)
	return memory, files
}

// Reload re-reads every template file in the directory, replacing the file
// layer atomically. Files that fail to parse are skipped.
func (e *Engine) Reload() error {
	loaded := make(map[string]*texttemplate.Template)
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.mu.Lock()
			e.files = loaded
			e.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read template dir %q: %w", e.dir, err)
	}
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !hasTemplateExt(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(e.dir, entry.Name()))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		tmpl, err := texttemplate.New(entry.Name()).Parse(string(raw))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("parse %s: %w", entry.Name(), err)
			}
			continue
		}
		loaded[entry.Name()] = tmpl
	}
	e.mu.Lock()
	e.files = loaded
	e.mu.Unlock()
	return firstErr
}

func hasTemplateExt(name string) bool {
	for _, ext := range fileExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

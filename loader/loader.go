// Package loader reads document files into plain text for insertion.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/brunobiangulo/lightrag/internal/errs"
)

// Loader extracts text from one family of file formats.
type Loader interface {
	Load(ctx context.Context, path string) (string, error)
	Formats() []string
}

// Registry maps lower-case file extensions, without the dot, to loaders.
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry returns a registry with the built-in loaders.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	for _, l := range []Loader{&TextLoader{}, &PDFLoader{}, &XLSXLoader{}} {
		for _, f := range l.Formats() {
			r.loaders[f] = l
		}
	}
	return r
}

// Register adds or replaces the loader for format.
func (r *Registry) Register(format string, l Loader) {
	r.loaders[strings.ToLower(format)] = l
}

// Get returns the loader for format.
func (r *Registry) Get(format string) (Loader, error) {
	l, ok := r.loaders[strings.ToLower(format)]
	if !ok {
		return nil, errs.Invalid("no loader for format %q", format)
	}
	return l, nil
}

// Load picks a loader by the extension of path.
func (r *Registry) Load(ctx context.Context, path string) (string, error) {
	l, err := r.Get(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return "", err
	}
	text, err := l.Load(ctx, path)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", filepath.Base(path), err)
	}
	return text, nil
}

// Load reads path with the default registry.
func Load(ctx context.Context, path string) (string, error) {
	return NewRegistry().Load(ctx, path)
}

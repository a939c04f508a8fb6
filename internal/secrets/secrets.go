// Package secrets resolves credential references such as env:NAME or
// file:path into their values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Common errors.
var (
	ErrNotFound    = errors.New("secrets: secret not found")
	ErrUnsupported = errors.New("secrets: unsupported reference")
	ErrInvalidRef  = errors.New("secrets: invalid reference")
)

// Resolver turns a reference into a secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref string) (string, error) { return f(ctx, ref) }

// EnvResolver reads secrets from environment variables.
type EnvResolver struct {
	Lookup func(string) (string, bool)
}

// Resolve returns the value of the named environment variable.
func (r EnvResolver) Resolve(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrInvalidRef
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	val, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, name)
	}
	return val, nil
}

// FileResolver reads secrets from files, such as mounted secret volumes.
// Relative paths resolve against Dir. One trailing newline is trimmed.
type FileResolver struct {
	Dir string
}

// Resolve returns the contents of the referenced file.
func (r FileResolver) Resolve(_ context.Context, path string) (string, error) {
	if path == "" {
		return "", ErrInvalidRef
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.Dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	val := strings.TrimSuffix(string(data), "\n")
	return strings.TrimSuffix(val, "\r"), nil
}

// MultiResolver dispatches scheme-prefixed references ("env:", "file:",
// "literal:") to the registered resolver.
type MultiResolver struct {
	schemes map[string]Resolver
}

// NewMultiResolver registers the env, file and literal schemes. File
// references resolve relative to baseDir.
func NewMultiResolver(baseDir string) *MultiResolver {
	return &MultiResolver{schemes: map[string]Resolver{
		"env":  EnvResolver{},
		"file": FileResolver{Dir: baseDir},
		"literal": ResolverFunc(func(_ context.Context, v string) (string, error) {
			return v, nil
		}),
	}}
}

// Register adds or replaces the resolver for scheme.
func (m *MultiResolver) Register(scheme string, r Resolver) {
	m.schemes[scheme] = r
}

// Resolve splits ref on the first colon and delegates to the scheme's resolver.
func (m *MultiResolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" {
		return "", fmt.Errorf("%w: %q has no scheme", ErrInvalidRef, ref)
	}
	r, ok := m.schemes[scheme]
	if !ok {
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupported, scheme)
	}
	return r.Resolve(ctx, rest)
}

// Bindings maps credential IDs to references and resolves them on demand.
type Bindings struct {
	Refs     map[string]string
	Resolver Resolver
}

// Resolve returns the secret bound to credential id.
func (b Bindings) Resolve(ctx context.Context, id string) (string, error) {
	ref, ok := b.Refs[id]
	if !ok {
		return "", fmt.Errorf("%w: credential %q is not bound", ErrNotFound, id)
	}
	if b.Resolver == nil {
		return "", fmt.Errorf("%w: no resolver for credential %q", ErrUnsupported, id)
	}
	val, err := b.Resolver.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("credential %q: %w", id, err)
	}
	return val, nil
}

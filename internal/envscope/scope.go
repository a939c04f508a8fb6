// Package envscope provides immutable, hierarchical environment scopes.
//
// A Scope is never mutated after construction: Overlay returns a new scope
// layered on top of the receiver, so a child stage can shadow its parent's
// entries without sibling stages observing the change.
package envscope

import (
	"fmt"
	"sort"
	"strings"
)

// Mask replaces secret values in redacted output.
const Mask = "***"

// Scope is a layered name to value mapping with secret tracking.
type Scope struct {
	host     map[string]string
	declared map[string]string
	secrets  map[string]struct{}
}

// New builds a root scope from host environment entries (KEY=VALUE) and the
// pipeline-level variables.
func New(host []string, vars map[string]string) Scope {
	s := Scope{
		host:     make(map[string]string, len(host)),
		declared: make(map[string]string, len(vars)),
		secrets:  map[string]struct{}{},
	}
	for _, kv := range host {
		if idx := strings.Index(kv, "="); idx > 0 {
			s.host[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range vars {
		s.declared[k] = v
	}
	return s
}

// Overlay returns a new scope with vars and secret values layered on top of
// s. Secret entries shadow plain entries of the same name.
func (s Scope) Overlay(vars, secretValues map[string]string) Scope {
	out := Scope{
		host:     s.host,
		declared: make(map[string]string, len(s.declared)+len(vars)+len(secretValues)),
		secrets:  make(map[string]struct{}, len(s.secrets)+len(secretValues)),
	}
	for k, v := range s.declared {
		out.declared[k] = v
	}
	for k := range s.secrets {
		out.secrets[k] = struct{}{}
	}
	for k, v := range vars {
		out.declared[k] = v
		delete(out.secrets, k)
	}
	for k, v := range secretValues {
		out.declared[k] = v
		out.secrets[k] = struct{}{}
	}
	return out
}

// Lookup returns the value visible under name.
func (s Scope) Lookup(name string) (string, bool) {
	if v, ok := s.declared[name]; ok {
		return v, true
	}
	v, ok := s.host[name]
	return v, ok
}

// Secret reports whether name holds a secret value in this scope.
func (s Scope) Secret(name string) bool {
	_, ok := s.secrets[name]
	return ok
}

// Environ returns host and declared entries as sorted KEY=VALUE pairs.
func (s Scope) Environ() []string {
	merged := make(map[string]string, len(s.host)+len(s.declared))
	for k, v := range s.host {
		merged[k] = v
	}
	for k, v := range s.declared {
		merged[k] = v
	}
	return pairs(merged)
}

// Declared returns only pipeline-declared entries as sorted KEY=VALUE pairs.
// Container agents use it so host paths never leak into the image.
func (s Scope) Declared() []string {
	return pairs(s.declared)
}

func pairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return out
}

// Redact masks every secret value that occurs in text. Longer values are
// replaced first so a secret containing another secret is fully masked.
func (s Scope) Redact(text string) string {
	values := s.secretValues()
	if len(values) == 0 || text == "" {
		return text
	}
	args := make([]string, 0, len(values)*2)
	for _, v := range values {
		args = append(args, v, Mask)
	}
	return strings.NewReplacer(args...).Replace(text)
}

func (s Scope) secretValues() []string {
	seen := make(map[string]struct{}, len(s.secrets))
	values := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		v := s.declared[name]
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})
	return values
}

// Package pipeline defines the stage tree executed by the engine and loads it
// from YAML definitions.
package pipeline

import "time"

// Stage body kinds.
const (
	KindSequential = "sequential"
	KindParallel   = "parallel"
	KindLeaf       = "leaf"
)

// Workspace policies for agent specs.
const (
	WorkspaceReuse = "reuse"
	WorkspaceFresh = "fresh"
)

// Post hook kinds.
const (
	HookJUnit   = "junit"
	HookHTML    = "html"
	HookArchive = "archive"
	HookRun     = "run"
)

// Pipeline is a loaded definition: a root stage plus run-level bindings.
// It is treated as immutable once loaded.
type Pipeline struct {
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Root        *Stage            `json:"root"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Warnings    []Warning         `json:"warnings,omitempty"`
}

// Warning captures non-fatal issues encountered while loading a definition.
type Warning struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Stage is a node of the pipeline tree. Exactly one of Children (sequential
// or parallel) or Actions (leaf) is populated, according to Kind.
type Stage struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Children []*Stage          `json:"children,omitempty"`
	FailFast bool              `json:"fail_fast,omitempty"`
	Actions  []Action          `json:"actions,omitempty"`
	Agent    *AgentSpec        `json:"agent,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Secrets  map[string]string `json:"secrets,omitempty"`
	When     string            `json:"when,omitempty"`
	Post     []PostHook        `json:"post,omitempty"`
}

// AgentSpec describes the execution environment a stage asks for.
type AgentSpec struct {
	Image     string   `json:"image,omitempty"`
	Workspace string   `json:"workspace"`
	Args      []string `json:"args,omitempty"`
}

// Action is an opaque command run by the action executor.
type Action struct {
	Name             string        `json:"name"`
	Run              string        `json:"run"`
	Shell            string        `json:"shell,omitempty"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
}

// PostHook is an always-run step attached to a stage.
type PostHook struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	Run      string `json:"run,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Walk visits the tree depth-first in declared order.
func (s *Stage) Walk(fn func(st *Stage, depth int)) {
	s.walk(fn, 0)
}

func (s *Stage) walk(fn func(*Stage, int), depth int) {
	if s == nil {
		return
	}
	fn(s, depth)
	for _, child := range s.Children {
		child.walk(fn, depth+1)
	}
}

// Leaves returns the leaf stages in declared order.
func (s *Stage) Leaves() []*Stage {
	var out []*Stage
	s.Walk(func(st *Stage, _ int) {
		if st.Kind == KindLeaf {
			out = append(out, st)
		}
	})
	return out
}

// Find returns the stage with the given ID, or nil.
func (s *Stage) Find(id string) *Stage {
	var found *Stage
	s.Walk(func(st *Stage, _ int) {
		if found == nil && st.ID == id {
			found = st
		}
	})
	return found
}

package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is the kind of every validation failure.
var ErrInvalid = errors.New("invalid pipeline")

// Validate checks the structural invariants of a loaded pipeline: a
// non-empty body per stage, unique stage IDs and known agent policies.
func Validate(p *Pipeline) error {
	if p == nil || p.Root == nil {
		return fmt.Errorf("%w: missing root stage", ErrInvalid)
	}
	var errs []error
	seen := make(map[string]struct{})
	p.Root.Walk(func(st *Stage, _ int) {
		if _, dup := seen[st.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate stage id %q", ErrInvalid, st.ID))
		}
		seen[st.ID] = struct{}{}
		if strings.ContainsAny(st.ID, `/\`) {
			errs = append(errs, fmt.Errorf("%w: stage id %q contains a path separator", ErrInvalid, st.ID))
		}

		switch st.Kind {
		case KindSequential, KindParallel:
			if len(st.Children) == 0 {
				errs = append(errs, fmt.Errorf("%w: stage %q has no child stages", ErrInvalid, st.ID))
			}
			if len(st.Actions) > 0 {
				errs = append(errs, fmt.Errorf("%w: composite stage %q declares steps", ErrInvalid, st.ID))
			}
		case KindLeaf:
			if len(st.Actions) == 0 {
				errs = append(errs, fmt.Errorf("%w: stage %q has no steps", ErrInvalid, st.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: stage %q has unknown kind %q", ErrInvalid, st.ID, st.Kind))
		}
		if st.FailFast && st.Kind != KindParallel {
			errs = append(errs, fmt.Errorf("%w: fail_fast on non-parallel stage %q", ErrInvalid, st.ID))
		}

		if st.Agent != nil {
			switch st.Agent.Workspace {
			case WorkspaceReuse, WorkspaceFresh:
			default:
				errs = append(errs, fmt.Errorf("%w: stage %q: unknown workspace policy %q", ErrInvalid, st.ID, st.Agent.Workspace))
			}
		}
		for _, h := range st.Post {
			switch h.Kind {
			case HookJUnit, HookHTML, HookArchive:
				if h.Path == "" {
					errs = append(errs, fmt.Errorf("%w: stage %q: hook %q needs a path", ErrInvalid, st.ID, h.Name))
				}
			case HookRun:
				if h.Run == "" {
					errs = append(errs, fmt.Errorf("%w: stage %q: hook %q needs a command", ErrInvalid, st.ID, h.Name))
				}
			default:
				errs = append(errs, fmt.Errorf("%w: stage %q: hook %q has unknown kind %q", ErrInvalid, st.ID, h.Name, h.Kind))
			}
		}
	})
	return errors.Join(errs...)
}

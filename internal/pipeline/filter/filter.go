package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bgricker/conveyor/internal/pipeline"
)

// Pattern represents a compiled filter condition supporting substring and regex matching.
type Pattern struct {
	raw   string
	regex *regexp.Regexp
	lower string
}

// Compile transforms raw pattern strings into Pattern values.
func Compile(patterns []string) ([]Pattern, error) {
	result := make([]Pattern, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") && len(raw) >= 2 {
			expr := raw[1 : len(raw)-1]
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("compile regexp %q: %w", raw, err)
			}
			result = append(result, Pattern{raw: raw, regex: re})
			continue
		}
		result = append(result, Pattern{raw: raw, lower: strings.ToLower(raw)})
	}
	return result, nil
}

// Match reports whether the pattern matches the supplied string.
func (p Pattern) Match(s string) bool {
	if s == "" {
		return false
	}
	if p.regex != nil {
		return p.regex.MatchString(s)
	}
	return strings.Contains(strings.ToLower(s), p.lower)
}

func (p Pattern) String() string { return p.raw }

// Prune returns a copy of the tree keeping only leaves whose ID matches one
// of onlyPatterns (when given) and none of skipPatterns. Composite stages
// left without children are dropped. The input tree is not modified; nil is
// returned when nothing remains.
func Prune(root *pipeline.Stage, onlyPatterns, skipPatterns []Pattern) *pipeline.Stage {
	if root == nil {
		return nil
	}
	if len(onlyPatterns) == 0 && len(skipPatterns) == 0 {
		return root
	}
	return prune(root, onlyPatterns, skipPatterns, false)
}

func prune(st *pipeline.Stage, only, skip []Pattern, ancestorSelected bool) *pipeline.Stage {
	// Selecting a composite by ID keeps its whole subtree.
	selected := ancestorSelected || (len(only) > 0 && matchesAny(st.ID, only))
	if matchesAny(st.ID, skip) {
		return nil
	}
	if st.Kind == pipeline.KindLeaf {
		if len(only) > 0 && !selected {
			return nil
		}
		return st
	}
	children := make([]*pipeline.Stage, 0, len(st.Children))
	for _, child := range st.Children {
		if kept := prune(child, only, skip, selected); kept != nil {
			children = append(children, kept)
		}
	}
	if len(children) == 0 {
		return nil
	}
	cp := *st
	cp.Children = children
	return &cp
}

func matchesAny(id string, patterns []Pattern) bool {
	for _, pattern := range patterns {
		if pattern.Match(id) {
			return true
		}
	}
	return false
}

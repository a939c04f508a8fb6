package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoPipeline indicates that no pipeline definition was found during discovery.
var ErrNoPipeline = errors.New("no pipeline definition discovered")

// Candidates lists the default definition locations in lookup order.
var Candidates = []string{
	"conveyor.yml",
	"conveyor.yaml",
	filepath.Join(".conveyor", "pipeline.yml"),
	filepath.Join(".conveyor", "pipeline.yaml"),
}

// Pipeline returns the path of the pipeline definition relative to root when
// possible. An explicit path is validated and returned as is; otherwise the
// first existing candidate wins.
func Pipeline(root, explicit string) (string, error) {
	if explicit != "" {
		return resolveExplicit(root, explicit)
	}
	for _, candidate := range Candidates {
		info, err := os.Stat(filepath.Join(root, candidate))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		if info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w (looked for %s)", ErrNoPipeline, strings.Join(Candidates, ", "))
}

func resolveExplicit(root, input string) (string, error) {
	cleaned := input
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(root, cleaned)
	}
	info, err := os.Stat(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("pipeline %q not found: %w", input, ErrNoPipeline)
		}
		return "", fmt.Errorf("stat %q: %w", input, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("pipeline %q is a directory", input)
	}
	return mustRelOrClean(root, cleaned), nil
}

func mustRelOrClean(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Clean(path)
	}
	rel = filepath.Clean(rel)
	if rel == "." || strings.HasPrefix(rel, "..") {
		return filepath.Clean(path)
	}
	return rel
}

// Package sink publishes stage reports and artifacts to a named store keyed
// by run ID, stage ID and report name.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrInvalidKey is returned for keys that would escape the run's namespace.
var ErrInvalidKey = errors.New("sink: invalid key")

// Store defines the interface for report sink backends.
// Artifacts are scoped by run ID and identified by key.
type Store interface {
	// Put stores the reader's content for the given run under key.
	Put(ctx context.Context, runID, key string, reader io.Reader) (Artifact, error)
	// List returns all artifacts for a given run, sorted by key.
	List(ctx context.Context, runID string) ([]Artifact, error)
}

// Artifact represents metadata about a published artifact.
type Artifact struct {
	Key       string    `json:"key"`
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Digest    string    `json:"digest"`
}

// Key joins a stage ID and report name into a sink key.
func Key(stageID, name string) string {
	return path.Join(sanitize(stageID), sanitize(name))
}

func sanitize(part string) string {
	part = strings.TrimSpace(part)
	part = strings.ReplaceAll(part, "\\", "/")
	segments := strings.Split(part, "/")
	out := segments[:0]
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return "_"
	}
	return strings.Join(out, "_")
}

func validate(runID, key string) error {
	if runID == "" || strings.ContainsAny(runID, "/\\") {
		return fmt.Errorf("%w: run id %q", ErrInvalidKey, runID)
	}
	clean := path.Clean(key)
	if key == "" || clean != key || strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

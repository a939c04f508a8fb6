package sink

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// LocalStore implements Store on the local filesystem.
// Artifacts are stored under {baseDir}/{runID}/{key}.
type LocalStore struct {
	baseDir  string
	mu       sync.RWMutex
	metadata map[string]map[string]Artifact // runID -> key -> Artifact
}

// NewLocalStore creates a LocalStore rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{
		baseDir:  baseDir,
		metadata: make(map[string]map[string]Artifact),
	}
}

func (s *LocalStore) artifactPath(runID, key string) string {
	return filepath.Join(s.baseDir, runID, filepath.FromSlash(key))
}

// Put writes the artifact to disk, computing a BLAKE3 digest as it writes.
func (s *LocalStore) Put(_ context.Context, runID, key string, reader io.Reader) (Artifact, error) {
	if err := validate(runID, key); err != nil {
		return Artifact{}, err
	}
	p := s.artifactPath(runID, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return Artifact{}, fmt.Errorf("create artifact directory: %w", err)
	}

	f, err := os.Create(p)
	if err != nil {
		return Artifact{}, fmt.Errorf("create artifact file: %w", err)
	}
	defer f.Close()

	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), reader)
	if err != nil {
		return Artifact{}, fmt.Errorf("write artifact %q: %w", key, err)
	}

	art := Artifact{
		Key:       key,
		Location:  p,
		Size:      size,
		CreatedAt: time.Now(),
		Digest:    "blake3:" + hex.EncodeToString(hasher.Sum(nil)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata[runID] == nil {
		s.metadata[runID] = make(map[string]Artifact)
	}
	s.metadata[runID][key] = art
	return art, nil
}

// List returns the artifacts published for runID, sorted by key.
func (s *LocalStore) List(_ context.Context, runID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arts := make([]Artifact, 0, len(s.metadata[runID]))
	for _, a := range s.metadata[runID] {
		arts = append(arts, a)
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].Key < arts[j].Key })
	return arts, nil
}

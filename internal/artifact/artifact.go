// Package artifact implements the Artifact store: content-addressed,
// append-only storage for task outputs so identical outputs are
// deduplicated and every later stage can reference them by hash.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Artifact is one stored task output, addressed by the SHA-256 hash of
// its canonical JSON encoding.
type Artifact struct {
	Hash       string
	TaskID     string
	Capability string
	Value      map[string]any
}

// Store deduplicates artifacts by content hash, keeping a single copy no
// matter how many tasks produce byte-identical output.
type Store struct {
	mu    sync.RWMutex
	byHash map[string]*Artifact
}

// New builds an empty artifact Store.
func New() *Store {
	return &Store{byHash: make(map[string]*Artifact)}
}

// Put hashes value and stores it, returning the resulting Artifact. If an
// artifact with the same hash already exists, the existing one is
// returned unchanged (first writer wins the TaskID/Capability fields).
func (s *Store) Put(taskID, capability string, value map[string]any) (*Artifact, error) {
	hash, err := hashValue(value)
	if err != nil {
		return nil, fmt.Errorf("hash artifact for task %q: %w", taskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byHash[hash]; ok {
		return existing, nil
	}
	a := &Artifact{Hash: hash, TaskID: taskID, Capability: capability, Value: value}
	s.byHash[hash] = a
	return a, nil
}

// Get looks up an artifact by its content hash.
func (s *Store) Get(hash string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byHash[hash]
	return a, ok
}

func hashValue(value map[string]any) (string, error) {
	canonical, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

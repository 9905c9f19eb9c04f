// Package filestore implements the collection store contract over one JSON
// file per collection.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/guildworks/guildcore/internal/common"
)

// Store persists each collection as <dir>/<collection>.json holding the whole
// document map as a single JSON object. Missing file means empty collection.
// Writes go through a temp file and an atomic rename so a crash can never
// leave a torn file behind.
type Store struct {
	dir    string
	logger *common.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a file store rooted at dir, creating it if needed.
func New(dir string, logger *common.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Read returns the document map for a collection. A missing file is an empty
// map; a malformed file is treated as empty and logged, never an error.
func (s *Store) Read(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	path, err := s.collectionPath(collection)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}

	var docs map[string]json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		s.logger.Warn().
			Str("collection", collection).
			Err(err).
			Msg("malformed collection file, treating as empty")
		return map[string]json.RawMessage{}, nil
	}
	if docs == nil {
		docs = map[string]json.RawMessage{}
	}
	return docs, nil
}

// Write replaces the collection file with the given document map.
// Last writer wins; the per-collection lock keeps two in-process writers from
// tearing the same file.
func (s *Store) Write(_ context.Context, collection string, docs map[string]json.RawMessage) error {
	path, err := s.collectionPath(collection)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = map[string]json.RawMessage{}
	}

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize collection %s: %w", collection, err)
	}

	lock := s.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write collection %s: %w", collection, err)
	}
	return nil
}

// Kind identifies the backend for the diagnostic surface.
func (s *Store) Kind() string { return "file" }

// Close is a no-op for the file store.
func (s *Store) Close() error { return nil }

// Dir returns the data directory root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) lockFor(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[collection]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[collection] = lock
	}
	return lock
}

func (s *Store) collectionPath(collection string) (string, error) {
	if !validCollectionName(collection) {
		return "", fmt.Errorf("invalid collection name: %q", collection)
	}
	return filepath.Join(s.dir, collection+".json"), nil
}

// validCollectionName accepts lowercase identifiers with underscores only,
// which keeps collection names from escaping the data directory.
func validCollectionName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

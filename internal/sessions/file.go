package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one JSON object per store path, keyed by session key.
// Files are loaded lazily and written atomically (temp file + rename).
type FileStore struct {
	mu    sync.Mutex
	files map[string]map[string]Entry
}

// NewFileStore creates an empty file-backed store.
func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string]map[string]Entry)}
}

func (s *FileStore) ReadUpdatedAt(_ context.Context, storePath, sessionKey string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(storePath)
	if err != nil {
		return time.Time{}, false, err
	}
	e, ok := entries[sessionKey]
	if !ok {
		return time.Time{}, false, nil
	}
	return e.UpdatedAt, true, nil
}

func (s *FileStore) RecordInbound(_ context.Context, storePath string, rec InboundRecord) error {
	if rec.SessionKey == "" {
		return fmt.Errorf("record inbound: empty session key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(storePath)
	if err != nil {
		return err
	}
	entries[rec.SessionKey] = rec.entry()
	return s.saveLocked(storePath, entries)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadLocked(path string) (map[string]Entry, error) {
	if entries, ok := s.files[path]; ok {
		return entries, nil
	}

	entries := make(map[string]Entry)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read session store: %w", err)
	default:
		if len(data) > 0 {
			if err := json.Unmarshal(data, &entries); err != nil {
				return nil, fmt.Errorf("parse session store %s: %w", path, err)
			}
		}
	}
	s.files[path] = entries
	return entries, nil
}

// saveLocked persists the store atomically.
func (s *FileStore) saveLocked(path string, entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

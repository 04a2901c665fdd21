package network

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SharedFileEntry maps an offered file name to its location on disk.
type SharedFileEntry struct {
	FileName  string
	LocalPath string
}

// SharedFiles is the set of files this device is willing to serve.
//
// It is written by arbitrary callers and read by every file server worker.
type SharedFiles struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewSharedFiles returns an empty registry.
func NewSharedFiles() *SharedFiles {
	return &SharedFiles{entries: make(map[string]string)}
}

// Add offers localPath under its base name and returns that name.
// Re-offering an existing name replaces the previous path.
func (s *SharedFiles) Add(localPath string) (string, error) {
	if strings.TrimSpace(localPath) == "" {
		return "", errors.New("local path is required")
	}
	name := filepath.Base(localPath)
	if err := s.AddAs(name, localPath); err != nil {
		return "", err
	}
	return name, nil
}

// AddAs offers localPath under an explicit name.
func (s *SharedFiles) AddAs(name, localPath string) error {
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid shared file name %q", name)
	}
	if strings.TrimSpace(localPath) == "" {
		return errors.New("local path is required")
	}

	s.mu.Lock()
	s.entries[name] = localPath
	s.mu.Unlock()
	return nil
}

// Remove withdraws a name. It reports whether the name was offered.
func (s *SharedFiles) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	return true
}

// Lookup returns the local path for name or ErrFileNotOffered.
func (s *SharedFiles) Lookup(name string) (string, error) {
	s.mu.RLock()
	path, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", ErrFileNotOffered, name)
	}
	return path, nil
}

// Entries returns a snapshot ordered by file name.
func (s *SharedFiles) Entries() []SharedFileEntry {
	s.mu.RLock()
	out := make([]SharedFileEntry, 0, len(s.entries))
	for name, path := range s.entries {
		out = append(out, SharedFileEntry{FileName: name, LocalPath: path})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FileName < out[j].FileName
	})
	return out
}

// open resolves name and opens it for serving. The path is only checked here,
// when a connection actually asks for it.
func (s *SharedFiles) open(name string) (*os.File, os.FileInfo, error) {
	path, err := s.Lookup(name)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open shared file %q: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("stat shared file %q: %w", path, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, nil, fmt.Errorf("shared path %q is a directory", path)
	}
	return file, info, nil
}

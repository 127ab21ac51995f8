// Package atomicstore implements the temp-file + fsync + rename pattern
// that every other component relies on for crash-consistent persistence:
// a unique temp file in the target's own directory (same filesystem, so
// rename is atomic), flush + fsync before rename, unlink on error.
package atomicstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteBytes atomically writes content to path. After return, path either
// contains exactly content or is unchanged — partial writes are never
// observable.
func WriteBytes(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicstore: create dir %s: %w", dir, err)
	}

	tmpName := fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.New().String())
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("atomicstore: create temp file: %w", err)
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("atomicstore: write temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("atomicstore: fsync temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomicstore: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomicstore: rename temp file over target: %w", err)
	}

	return nil
}

// WriteText is WriteBytes for string content.
func WriteText(path string, content string) error {
	return WriteBytes(path, []byte(content))
}

// WriteJSON marshals v with two-space indentation and writes it
// atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicstore: marshal json: %w", err)
	}
	return WriteBytes(path, data)
}

// ReadJSON reads and unmarshals the JSON document at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("atomicstore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("atomicstore: unmarshal %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package statestore persists versioned JSON documents with atomic
// write-temp-then-rename semantics.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileMode is the restrictive permission applied to state files.
const FileMode = 0o600

// Write atomically replaces the document at path. The JSON serialization is
// written to path+"."+uuid+".tmp" with owner-only permissions and renamed
// over path, so concurrent readers never observe a partial write. The parent
// directory is created if missing.
func Write(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, FileMode); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}

	// Rename carries the temp file's mode over to path; re-apply FileMode
	// there anyway. Best effort.
	_ = os.Chmod(path, FileMode)

	return nil
}

// Read loads the document at path into doc. It returns false with a nil
// error when no file exists, and false with the underlying error when the
// file cannot be read or parsed. Callers treat both as "no document".
func Read(path string, doc any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state: %w", err)
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return false, fmt.Errorf("unmarshal state: %w", err)
	}

	return true, nil
}

// Package metadata persists the encryption metadata record: whether the
// store is encrypted and which day's key is active.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dmitrijs2005/dailycrypt/internal/filex"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
)

// Metadata is the single source of truth for the active key.
type Metadata struct {
	IsEncrypted        bool    `json:"isEncrypted"`
	LastEncryptionDate string  `json:"lastEncryptionDate"`
	LastBackupDate     *string `json:"lastBackupDate"`
}

// Activated reports whether encryption was switched on at some point and a
// key date is recorded.
func (m Metadata) Activated() bool {
	return m.IsEncrypted && m.LastEncryptionDate != ""
}

// Store reads and writes the metadata file.
type Store struct {
	path   string
	logger logging.Logger
}

func NewStore(path string, logger logging.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the metadata file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored record. A missing file yields the zero record.
// A file that does not parse, or lacks lastEncryptionDate/isEncrypted, also
// yields the zero record; it is left on disk untouched and a warning is
// logged. Only I/O failures are returned as errors.
func (s *Store) Load(ctx context.Context) (Metadata, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata %s: %w", s.path, err)
	}

	var raw struct {
		IsEncrypted        *bool   `json:"isEncrypted"`
		LastEncryptionDate *string `json:"lastEncryptionDate"`
		LastBackupDate     *string `json:"lastBackupDate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.IsEncrypted == nil || raw.LastEncryptionDate == nil {
		s.logger.Warn(ctx, "encryption metadata unreadable, using defaults", "path", s.path, "error", err)
		return Metadata{}, nil
	}

	return Metadata{
		IsEncrypted:        *raw.IsEncrypted,
		LastEncryptionDate: *raw.LastEncryptionDate,
		LastBackupDate:     raw.LastBackupDate,
	}, nil
}

// Save persists m atomically.
func (s *Store) Save(ctx context.Context, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := filex.WriteFileAtomic(s.path, data, 0o640); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	s.logger.Debug(ctx, "encryption metadata saved", "path", s.path, "date", m.LastEncryptionDate)
	return nil
}

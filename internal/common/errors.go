// Package common defines shared constants and sentinel errors used across
// the dailycrypt packages. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound = errors.New("not found")

	// Read path: content is neither ciphertext under a known key nor JSON.
	ErrCorruptData = errors.New("data is neither decryptable nor valid json")

	// Rotation transaction errors.
	ErrLockContended      = errors.New("rotation lock held by another process")
	ErrBackupFailed       = errors.New("backup failed before re-encryption")
	ErrReencryptFailed    = errors.New("re-encryption failed, changes rolled back")
	ErrRollbackIncomplete = errors.New("rollback incomplete, manual recovery required")

	// Backup vault errors.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrNotInSnapshot    = errors.New("file not present in snapshot")
)

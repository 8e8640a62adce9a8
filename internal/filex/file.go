// Package filex contains the filesystem primitives shared by the codec, the
// rotation transaction and the backup vault: directory creation, the
// temp-file-then-rename write discipline, verbatim copies and checksums.
package filex

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/dailycrypt/internal/common"
)

// Seams for simulating failures between the temp write and the rename.
var (
	rename = os.Rename
	syncFn = func(f *os.File) error { return f.Sync() }
)

// EnsureDir creates dir (and parents) when missing and returns it cleaned.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// TempPath is the sibling path a replacement for path is staged at.
func TempPath(path string) string {
	return path + common.TempSuffix
}

// WriteFileAtomic writes data to a sibling temp file, syncs it and renames it
// over path. Readers observe either the previous content or data, never a
// partial write. The temp file is removed on every failure path.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) (err error) {
	if _, err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	tmp := TempPath(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tmp, err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err = syncFn(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmp, err)
	}
	if err = rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s over %s: %w", tmp, path, err)
	}
	return nil
}

// CopyFile copies src to dst byte for byte, creating dst's directory and
// keeping src's permissions. dst is replaced atomically.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("copy %s: not a regular file", src)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return WriteFileAtomic(dst, data, info.Mode().Perm())
}

// Checksum returns the hex-encoded sha256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Exists reports whether path exists. Errors other than "not exist" are
// returned to the caller.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

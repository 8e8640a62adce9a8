// Package backup creates and restores pre-rotation snapshots.
//
// A snapshot is a directory named backup_<sourceDate>_<YYYY-MM-DD_HH-mm-ss>
// under the vault root. It holds verbatim copies of every file a rotation is
// about to rewrite, laid out by path relative to the data directory, and a
// manifest of their sha256 checksums so a restore can be verified.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/dailycrypt/internal/common"
	"github.com/dmitrijs2005/dailycrypt/internal/filex"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
)

// DefaultRetention is how long snapshots are kept before Prune removes them.
const DefaultRetention = 7 * 24 * time.Hour

const (
	dirPrefix    = "backup_"
	manifestName = ".manifest.json"
)

// Vault owns the snapshot directories under root. dataDir is the directory
// snapshot entries are made relative to.
type Vault struct {
	root    string
	dataDir string
	logger  logging.Logger
}

func NewVault(root, dataDir string, logger logging.Logger) *Vault {
	return &Vault{root: root, dataDir: dataDir, logger: logger}
}

// Root returns the directory holding all snapshots.
func (v *Vault) Root() string {
	return v.root
}

// File is one entry of a snapshot.
type File struct {
	Rel      string `json:"path"`
	Checksum string `json:"sha256"`
}

type manifest struct {
	SourceDate string    `json:"sourceDate"`
	CreatedAt  time.Time `json:"createdAt"`
	Files      []File    `json:"files"`
}

// Snapshot is an open backup directory.
type Snapshot struct {
	Dir        string
	SourceDate string
	CreatedAt  time.Time

	dataDir string
	files   map[string]File
	order   []string
}

// DirName is the snapshot directory name for sourceDate created at t.
func DirName(sourceDate string, t time.Time) string {
	return dirPrefix + sourceDate + "_" + t.Format(common.TimestampLayout)
}

// Create makes a new, empty snapshot directory tagged with sourceDate, the
// date whose key protects the files about to be copied.
func (v *Vault) Create(ctx context.Context, sourceDate string, now time.Time) (*Snapshot, error) {
	if _, err := filex.EnsureDir(v.root); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}

	name := DirName(sourceDate, now)
	dir := filepath.Join(v.root, name)
	for i := 2; ; i++ {
		err := os.Mkdir(dir, 0o750)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || i > 100 {
			return nil, fmt.Errorf("create backup dir %s: %w", dir, err)
		}
		dir = filepath.Join(v.root, fmt.Sprintf("%s-%d", name, i))
	}

	s := &Snapshot{
		Dir:        dir,
		SourceDate: sourceDate,
		CreatedAt:  now,
		dataDir:    v.dataDir,
		files:      make(map[string]File),
	}
	if err := s.writeManifest(); err != nil {
		return nil, err
	}

	v.logger.Info(ctx, "backup snapshot created", "dir", dir, "source_date", sourceDate)
	return s, nil
}

// Open loads an existing snapshot from its manifest.
func (v *Vault) Open(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read snapshot manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode snapshot manifest: %w", err)
	}

	s := &Snapshot{
		Dir:        dir,
		SourceDate: m.SourceDate,
		CreatedAt:  m.CreatedAt,
		dataDir:    v.dataDir,
		files:      make(map[string]File, len(m.Files)),
	}
	for _, f := range m.Files {
		s.files[f.Rel] = f
		s.order = append(s.order, f.Rel)
	}
	return s, nil
}

// Add copies path into the snapshot and records its checksum. The copy is
// verified against the source before Add returns.
func (s *Snapshot) Add(path string) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}

	want, err := filex.Checksum(path)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", path, err)
	}

	dst := filepath.Join(s.Dir, rel)
	if err := filex.CopyFile(path, dst); err != nil {
		return fmt.Errorf("backup %s: %w", path, err)
	}

	got, err := filex.Checksum(dst)
	if err != nil {
		return fmt.Errorf("checksum backup of %s: %w", path, err)
	}
	if got != want {
		return fmt.Errorf("backup %s: %w", path, common.ErrChecksumMismatch)
	}

	if _, ok := s.files[rel]; !ok {
		s.order = append(s.order, rel)
	}
	s.files[rel] = File{Rel: rel, Checksum: want}
	return s.writeManifest()
}

// Restore copies the snapshot's version of path back over it and verifies
// the restored bytes against the recorded checksum.
func (s *Snapshot) Restore(path string) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}
	f, ok := s.files[rel]
	if !ok {
		return fmt.Errorf("restore %s: %w", path, common.ErrNotInSnapshot)
	}

	if err := filex.CopyFile(filepath.Join(s.Dir, rel), path); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}

	got, err := filex.Checksum(path)
	if err != nil {
		return fmt.Errorf("verify restored %s: %w", path, err)
	}
	if got != f.Checksum {
		return fmt.Errorf("verify restored %s: %w", path, common.ErrChecksumMismatch)
	}
	return nil
}

// Contains reports whether path has a copy in the snapshot.
func (s *Snapshot) Contains(path string) bool {
	rel, err := s.rel(path)
	if err != nil {
		return false
	}
	_, ok := s.files[rel]
	return ok
}

// Files lists the snapshot entries in the order they were added.
func (s *Snapshot) Files() []File {
	out := make([]File, 0, len(s.order))
	for _, rel := range s.order {
		out = append(out, s.files[rel])
	}
	return out
}

// Path returns the location of rel inside the snapshot directory.
func (s *Snapshot) Path(rel string) string {
	return filepath.Join(s.Dir, rel)
}

func (s *Snapshot) rel(path string) (string, error) {
	rel, err := filepath.Rel(s.dataDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("%s is outside data dir %s", path, s.dataDir)
	}
	return rel, nil
}

func (s *Snapshot) writeManifest() error {
	data, err := json.MarshalIndent(manifest{SourceDate: s.SourceDate, CreatedAt: s.CreatedAt, Files: s.Files()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot manifest: %w", err)
	}
	if err := filex.WriteFileAtomic(filepath.Join(s.Dir, manifestName), data, 0o640); err != nil {
		return fmt.Errorf("write snapshot manifest: %w", err)
	}
	return nil
}

// Info describes a snapshot directory found on disk.
type Info struct {
	Name       string
	Dir        string
	SourceDate string
	CreatedAt  time.Time
}

// List returns the snapshots under the vault root, oldest first. Entries
// that do not follow the naming scheme are ignored.
func (v *Vault) List(loc *time.Location) ([]Info, error) {
	entries, err := os.ReadDir(v.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		info := Info{Name: e.Name(), Dir: filepath.Join(v.root, e.Name())}
		info.SourceDate, info.CreatedAt = parseDirName(e.Name(), loc)
		if info.CreatedAt.IsZero() {
			fi, err := e.Info()
			if err != nil {
				continue
			}
			info.CreatedAt = fi.ModTime()
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune deletes snapshots created more than retention before now and
// returns the removed directories. It is a maintenance task for an external
// scheduler and is never run as part of a rotation.
func (v *Vault) Prune(ctx context.Context, retention time.Duration, now time.Time) ([]string, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	snapshots, err := v.List(now.Location())
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-retention)
	var removed []string
	var errs []error
	for _, s := range snapshots {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.Dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", s.Dir, err))
			continue
		}
		v.logger.Info(ctx, "old backup removed", "dir", s.Dir)
		removed = append(removed, s.Dir)
	}
	return removed, errors.Join(errs...)
}

// parseDirName extracts the source date and creation time from
// backup_<date>_<timestamp>[-n]. Zero values are returned when the name
// does not parse.
func parseDirName(name string, loc *time.Location) (string, time.Time) {
	rest := strings.TrimPrefix(name, dirPrefix)
	dateLen, tsLen := len(common.DateLayout), len(common.TimestampLayout)
	if len(rest) < dateLen+1+tsLen || rest[dateLen] != '_' {
		return "", time.Time{}
	}

	date := rest[:dateLen]
	if _, err := time.Parse(common.DateLayout, date); err != nil {
		return "", time.Time{}
	}
	if loc == nil {
		loc = time.Local
	}
	ts, err := time.ParseInLocation(common.TimestampLayout, rest[dateLen+1:dateLen+1+tsLen], loc)
	if err != nil {
		return date, time.Time{}
	}
	return date, ts
}

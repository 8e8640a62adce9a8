// Package lock implements the filesystem-visible rotation lock.
//
// The lock is a file whose only content is the epoch-seconds time it was
// taken. It provides cooperative exclusion between rotation attempts across
// processes; ordinary reads and writes never consult it. A lock older than
// the staleness threshold is treated as abandoned by a crashed holder and
// removed by the next acquirer.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/dailycrypt/internal/logging"
)

// DefaultStaleAfter is the age after which a lock is considered abandoned.
const DefaultStaleAfter = 10 * time.Minute

// Status is the outcome of an acquisition attempt.
type Status int

const (
	// Acquired means the caller now holds the lock.
	Acquired Status = iota + 1
	// Contended means a fresh lock is held by someone else.
	Contended
)

func (s Status) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case Contended:
		return "contended"
	default:
		return "unknown"
	}
}

// Locker creates and inspects the lock file at a fixed path.
type Locker struct {
	path       string
	staleAfter time.Duration
	logger     logging.Logger
}

func NewLocker(path string, staleAfter time.Duration, logger logging.Logger) *Locker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Locker{path: path, staleAfter: staleAfter, logger: logger}
}

// rename and link are replaced in tests to interleave a competing holder.
var (
	rename = os.Rename
	link   = os.Link
)

// Lock is a held rotation lock.
type Lock struct {
	path       string
	AcquiredAt time.Time
}

// Release removes the lock file if it is still the one this holder wrote. A
// holder that outlived the staleness threshold may find a successor's lock
// in place; that lock is left alone. A lock file that is already gone is not
// an error.
func (l *Lock) Release() error {
	err := claim(l.path, strconv.FormatInt(l.AcquiredAt.Unix(), 10))
	if err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, errReplaced) {
		return fmt.Errorf("release rotation lock: %w", err)
	}
	return nil
}

var errReplaced = errors.New("lock file replaced by another holder")

// claim atomically moves the lock at path aside and deletes it when its
// content is still want. Otherwise the file belongs to someone else: it is
// linked back into place without overwriting and errReplaced is returned.
func claim(path, want string) error {
	aside := path + ".claim-" + uuid.NewString()
	if err := rename(path, aside); err != nil {
		return err
	}
	data, err := os.ReadFile(aside)
	if err != nil {
		return errors.Join(err, restore(aside, path))
	}

	if strings.TrimSpace(string(data)) != want {
		return errors.Join(errReplaced, restore(aside, path))
	}
	return os.Remove(aside)
}

// restore puts a file moved aside by claim back at path. A lock created at
// path in the meantime wins and the moved file is dropped.
func restore(aside, path string) error {
	err := link(aside, path)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return os.Remove(aside)
}

// TryAcquire attempts to take the lock at now.
//
// The file is created exclusively, so two concurrent callers can never both
// succeed. An existing stale lock is removed and creation retried once; a
// fresh one yields Contended without retrying. Errors are reserved for I/O
// failures.
func (lk *Locker) TryAcquire(ctx context.Context, now time.Time) (*Lock, Status, error) {
	if err := os.MkdirAll(filepath.Dir(lk.path), 0o750); err != nil {
		return nil, 0, fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		lock, err := lk.create(now)
		if err == nil {
			return lock, Acquired, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, 0, err
		}
		if attempt > 0 {
			break
		}

		raw, acquiredAt, err := lk.read()
		if errors.Is(err, fs.ErrNotExist) {
			// released between our create and our read
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		age := now.Sub(acquiredAt)
		if age <= lk.staleAfter {
			return nil, Contended, nil
		}

		// Another acquirer may have replaced the stale lock since it was
		// read; only the exact file judged stale is removed.
		err = claim(lk.path, raw)
		switch {
		case errors.Is(err, errReplaced):
			return nil, Contended, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return nil, 0, fmt.Errorf("remove stale rotation lock: %w", err)
		}
		lk.logger.Info(ctx, "stale rotation lock removed", "path", lk.path, "age", age.Round(time.Second).String())
	}

	return nil, Contended, nil
}

// State describes the lock as seen by an observer.
type State struct {
	Held       bool
	Stale      bool
	AcquiredAt time.Time
}

// Inspect reports whether a lock is currently present and whether it is
// stale at now. It never modifies the lock.
func (lk *Locker) Inspect(now time.Time) (State, error) {
	acquiredAt, err := lk.stamp()
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	return State{Held: true, Stale: now.Sub(acquiredAt) > lk.staleAfter, AcquiredAt: acquiredAt}, nil
}

func (lk *Locker) create(now time.Time) (*Lock, error) {
	f, err := os.OpenFile(lk.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		return nil, fmt.Errorf("create rotation lock: %w", err)
	}

	_, werr := f.WriteString(strconv.FormatInt(now.Unix(), 10))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(lk.path)
		return nil, fmt.Errorf("write rotation lock: %w", errors.Join(werr, cerr))
	}

	return &Lock{path: lk.path, AcquiredAt: time.Unix(now.Unix(), 0)}, nil
}

// stamp returns the acquisition time recorded in the lock file, falling
// back to the file's mtime when the content is not an epoch timestamp.
func (lk *Locker) stamp() (time.Time, error) {
	_, t, err := lk.read()
	return t, err
}

// read returns the trimmed lock content together with its stamp.
func (lk *Locker) read() (string, time.Time, error) {
	data, err := os.ReadFile(lk.path)
	if err != nil {
		return "", time.Time{}, err
	}

	raw := strings.TrimSpace(string(data))
	if secs, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
		return raw, time.Unix(secs, 0), nil
	}

	info, err := os.Stat(lk.path)
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, info.ModTime(), nil
}

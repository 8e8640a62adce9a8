// Package rotation migrates the data store from the previous day's key to
// today's key.
//
// A rotation runs under the filesystem lock, snapshots every file it will
// touch, rewrites the files one by one through temp-file-then-rename and
// only then advances the metadata. If any rewrite fails, every file already
// rewritten is restored from the snapshot and verified by checksum, and the
// metadata keeps naming the old key.
package rotation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/dailycrypt/internal/backup"
	"github.com/dmitrijs2005/dailycrypt/internal/common"
	"github.com/dmitrijs2005/dailycrypt/internal/cryptox"
	"github.com/dmitrijs2005/dailycrypt/internal/filex"
	"github.com/dmitrijs2005/dailycrypt/internal/journal"
	"github.com/dmitrijs2005/dailycrypt/internal/lock"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
	"github.com/dmitrijs2005/dailycrypt/internal/metadata"
)

// Seams for simulating failures inside the transaction.
var (
	restoreFile  = (*backup.Snapshot).Restore
	saveMetadata = (*metadata.Store).Save
)

// Journal receives a record of every attempt that reached the lock.
type Journal interface {
	Record(ctx context.Context, a journal.Attempt) error
}

type Engine struct {
	keys   *cryptox.KeyDeriver
	meta   *metadata.Store
	locker *lock.Locker
	vault  *backup.Vault
	files  Files

	journal Journal
	mirror  backup.Mirror
	now     func() time.Time
	newID   func() string
	logger  logging.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

func WithMirror(m backup.Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

func NewEngine(
	keys *cryptox.KeyDeriver,
	meta *metadata.Store,
	locker *lock.Locker,
	vault *backup.Vault,
	files Files,
	logger logging.Logger,
	opts ...Option,
) *Engine {
	if vault != nil {
		files.Exclude = append(files.Exclude, vault.Root())
	}
	e := &Engine{
		keys:   keys,
		meta:   meta,
		locker: locker,
		vault:  vault,
		files:  files,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EnsureTodayEncryption is the per-request entry point. It rotates when the
// metadata does not name today, logs any failure and never panics.
func (e *Engine) EnsureTodayEncryption(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error(ctx, "daily rotation panicked", "panic", fmt.Sprint(p))
		}
	}()

	res, err := e.Rotate(ctx)
	if err != nil {
		e.logger.Error(ctx, "daily rotation failed",
			"attempt_id", res.AttemptID, "state", string(res.State), "error", err)
	}
}

// Rotate runs the transaction if the store is not yet on today's key and
// reports the outcome. Contention and an up to date store are not errors.
func (e *Engine) Rotate(ctx context.Context) (res Result, err error) {
	now := e.now()
	res = Result{AttemptID: e.newID(), State: StateIdle, Date: now.Format(common.DateLayout)}

	m, err := e.meta.Load(ctx)
	if err != nil {
		return res, err
	}
	if m.Activated() && m.LastEncryptionDate == res.Date {
		res.State = StateUpToDate
		return res, nil
	}

	defer func() { e.record(ctx, now, res, err) }()

	snap, err := e.locked(ctx, now, &res)
	if err != nil || res.State != StateCommitted || e.mirror == nil {
		return res, err
	}

	if merr := e.mirror.Upload(ctx, snap); merr != nil {
		e.logger.Warn(ctx, "backup snapshot not mirrored", "snapshot", snap.Dir, "error", merr)
	}
	return res, nil
}

// locked holds the rotation lock for the rest of the transaction and
// releases it on every return path.
func (e *Engine) locked(ctx context.Context, now time.Time, res *Result) (*backup.Snapshot, error) {
	l, status, err := e.locker.TryAcquire(ctx, now)
	if err != nil {
		return nil, err
	}
	if status == lock.Contended {
		res.State = StateContended
		e.logger.Debug(ctx, "rotation lock held elsewhere, skipping")
		return nil, nil
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			e.logger.Error(ctx, "rotation lock not released", "error", rerr)
		}
	}()
	res.State = StateLockAcquired

	// another process may have committed between our first read and the lock
	m, err := e.meta.Load(ctx)
	if err != nil {
		return nil, err
	}
	if m.Activated() && m.LastEncryptionDate == res.Date {
		res.State = StateUpToDate
		return nil, nil
	}

	if !m.Activated() {
		if err := saveMetadata(e.meta, ctx, metadata.Metadata{IsEncrypted: true, LastEncryptionDate: res.Date}); err != nil {
			return nil, fmt.Errorf("activate encryption: %w", err)
		}
		res.State = StateActivated
		e.logger.Info(ctx, "encryption activated", "date", res.Date)
		return nil, nil
	}

	res.PreviousDate = m.LastEncryptionDate
	return e.transact(ctx, now, res)
}

func (e *Engine) transact(ctx context.Context, now time.Time, res *Result) (*backup.Snapshot, error) {
	paths, err := e.files.resolve()
	if err != nil {
		res.State = StateAborted
		return nil, fmt.Errorf("%w: %w", common.ErrBackupFailed, err)
	}

	snap, err := e.backup(ctx, now, res.PreviousDate, paths)
	if err != nil {
		res.State = StateAborted
		e.logger.Error(ctx, "backup failed, rotation aborted", "error", err)
		return nil, fmt.Errorf("%w: %w", common.ErrBackupFailed, err)
	}
	res.Snapshot = snap.Dir
	res.State = StateBackedUp

	readKeys := e.readKeys(now, res.PreviousDate)
	defer func() {
		for i := range readKeys {
			cryptox.Wipe(readKeys[i][:])
		}
	}()
	newKey := e.keys.Key(res.Date)
	defer cryptox.Wipe(newKey[:])

	res.State = StateReencrypting
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, e.rollback(ctx, res, snap, err)
		}
		if err := reencrypt(p, readKeys, newKey); err != nil {
			return nil, e.rollback(ctx, res, snap, err)
		}
		res.Processed = append(res.Processed, p)
	}

	prev := res.PreviousDate
	if err := saveMetadata(e.meta, ctx, metadata.Metadata{IsEncrypted: true, LastEncryptionDate: res.Date, LastBackupDate: &prev}); err != nil {
		return nil, e.rollback(ctx, res, snap, fmt.Errorf("commit metadata: %w", err))
	}

	res.State = StateCommitted
	e.logger.Info(ctx, "daily re-encryption completed",
		"from", res.PreviousDate, "to", res.Date, "files", len(res.Processed), "snapshot", snap.Dir)
	return snap, nil
}

func (e *Engine) backup(ctx context.Context, now time.Time, sourceDate string, paths []string) (*backup.Snapshot, error) {
	snap, err := e.vault.Create(ctx, sourceDate, now)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := snap.Add(p); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// rollback restores every processed file and verifies it. It returns the
// error to surface for the attempt.
func (e *Engine) rollback(ctx context.Context, res *Result, snap *backup.Snapshot, cause error) error {
	var failed []error
	for _, p := range res.Processed {
		if err := restoreFile(snap, p); err != nil {
			failed = append(failed, err)
			continue
		}
		res.Restored = append(res.Restored, p)
	}

	if len(failed) > 0 {
		res.State = StateRollbackIncomplete
		e.logger.Error(ctx, "rollback incomplete, manual intervention required",
			"snapshot", snap.Dir, "restored", res.Restored, "cause", cause, "error", errors.Join(failed...))
		return fmt.Errorf("%w: %w", common.ErrRollbackIncomplete, errors.Join(append([]error{cause}, failed...)...))
	}

	res.State = StateRolledBack
	e.logger.Error(ctx, "re-encryption failed, rolled back",
		"snapshot", snap.Dir, "restored", res.Restored, "error", cause)
	return fmt.Errorf("%w: %w", common.ErrReencryptFailed, cause)
}

// readKeys returns the keys a file may currently be under: the last
// committed date first, then every later day back from today. Days between
// a rollback and the next commit are included because ordinary saves on
// those days used their own keys.
func (e *Engine) readKeys(now time.Time, previous string) []cryptox.Key {
	keys := []cryptox.Key{e.keys.Key(previous)}
	for _, date := range cryptox.Window(now, previous) {
		if date != previous {
			keys = append(keys, e.keys.Key(date))
		}
	}
	return keys
}

// reencrypt rewrites one file under newKey. Content is read with the first
// of readKeys that decrypts it to JSON; plaintext JSON is accepted as well.
func reencrypt(path string, readKeys []cryptox.Key, newKey cryptox.Key) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var plaintext []byte
	ok := false
	for _, key := range readKeys {
		if plaintext, ok = decryptJSON(raw, key); ok {
			break
		}
	}
	if !ok {
		if trimmed := bytes.TrimSpace(raw); json.Valid(trimmed) {
			plaintext, ok = trimmed, true
		}
	}
	if !ok {
		return fmt.Errorf("%s: %w", path, common.ErrCorruptData)
	}
	defer cryptox.Wipe(plaintext)

	blob, err := cryptox.Encrypt(plaintext, newKey)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", path, err)
	}
	if err := filex.WriteFileAtomic(path, blob, info.Mode().Perm()); err != nil {
		return err
	}
	return nil
}

func decryptJSON(raw []byte, key cryptox.Key) ([]byte, bool) {
	pt, ok := cryptox.Decrypt(raw, key)
	if !ok || !json.Valid(pt) {
		return nil, false
	}
	return pt, true
}

func (e *Engine) record(ctx context.Context, started time.Time, res Result, err error) {
	if e.journal == nil {
		return
	}
	a := journal.Attempt{
		ID:           res.AttemptID,
		StartedAt:    started,
		FinishedAt:   e.now(),
		State:        string(res.State),
		PreviousDate: res.PreviousDate,
		Date:         res.Date,
		Snapshot:     res.Snapshot,
		Processed:    len(res.Processed),
		Restored:     res.Restored,
	}
	if err != nil {
		a.Error = err.Error()
	}
	if jerr := e.journal.Record(ctx, a); jerr != nil {
		e.logger.Warn(ctx, "rotation attempt not journaled", "attempt_id", res.AttemptID, "error", jerr)
	}
}

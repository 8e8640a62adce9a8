// Package app wires the configured components together for the CLI and for
// embedding in a request-serving process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/dailycrypt/internal/backup"
	"github.com/dmitrijs2005/dailycrypt/internal/backup/s3mirror"
	"github.com/dmitrijs2005/dailycrypt/internal/codec"
	"github.com/dmitrijs2005/dailycrypt/internal/common"
	"github.com/dmitrijs2005/dailycrypt/internal/config"
	"github.com/dmitrijs2005/dailycrypt/internal/cryptox"
	"github.com/dmitrijs2005/dailycrypt/internal/filex"
	"github.com/dmitrijs2005/dailycrypt/internal/journal"
	"github.com/dmitrijs2005/dailycrypt/internal/lock"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
	"github.com/dmitrijs2005/dailycrypt/internal/metadata"
	"github.com/dmitrijs2005/dailycrypt/internal/rotation"
)

// newMirror is a seam so tests do not reach for AWS credentials.
var newMirror = func(ctx context.Context, opts s3mirror.Options, logger logging.Logger) (backup.Mirror, error) {
	return s3mirror.New(ctx, opts, logger)
}

type App struct {
	config *config.Config
	logger logging.Logger
	now    func() time.Time

	meta    *metadata.Store
	locker  *lock.Locker
	vault   *backup.Vault
	engine  *rotation.Engine
	codec   *codec.Codec
	journal journal.Repository
	db      *sql.DB
}

type Option func(*App)

// WithClock replaces time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger, opts ...Option) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	app := &App{config: c, logger: logger, now: time.Now}
	for _, o := range opts {
		o(app)
	}

	dataDir, err := c.Resolve(".")
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	metaPath, err := c.Resolve(c.MetadataFile)
	if err != nil {
		return nil, err
	}
	lockPath, err := c.Resolve(c.LockFile)
	if err != nil {
		return nil, err
	}
	backupDir, err := c.Resolve(c.BackupDir)
	if err != nil {
		return nil, err
	}
	primary, err := c.ResolveAll(c.PrimaryFiles)
	if err != nil {
		return nil, err
	}
	collections, err := c.ResolveAll(c.CollectionDirs)
	if err != nil {
		return nil, err
	}

	keys := cryptox.NewKeyDeriver(c.Secret)
	app.meta = metadata.NewStore(metaPath, logger)
	app.locker = lock.NewLocker(lockPath, c.StaleLockAfter, logger)
	app.vault = backup.NewVault(backupDir, dataDir, logger)
	app.codec = codec.New(keys, app.meta, logger,
		codec.WithClock(app.now),
		codec.WithDefaults(defaultData(primary)),
	)

	engineOpts := []rotation.Option{rotation.WithClock(app.now)}

	if c.JournalDSN != "" {
		db, err := journal.Open(ctx, c.JournalDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		app.db = db
		app.journal = journal.NewSQLiteRepository(db)
		engineOpts = append(engineOpts, rotation.WithJournal(app.journal))
	}

	if c.S3Bucket != "" {
		m, err := newMirror(ctx, s3mirror.Options{
			Bucket:       c.S3Bucket,
			Prefix:       c.S3Prefix,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
		}, logger)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("mirror init error: %w", err)
		}
		engineOpts = append(engineOpts, rotation.WithMirror(m))
	}

	files := rotation.Files{
		Primary:     primary,
		Collections: collections,
		Pattern:     c.CollectionPattern,
	}
	app.engine = rotation.NewEngine(keys, app.meta, app.locker, app.vault, files, logger, engineOpts...)

	return app, nil
}

// defaultData gives the SEO file its stock content; every other data file
// starts as an empty list.
func defaultData(primary []string) codec.Defaults {
	d := codec.Defaults{}
	for _, p := range primary {
		if filepath.Base(p) == "seo.json.enc" {
			d[p] = func() any {
				return map[string]string{
					"title":       "Secure Forum System",
					"description": "A secure forum system with encryption and many features",
					"keywords":    "forum,security,encryption",
				}
			}
		}
	}
	return d
}

// Close releases the journal database.
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// Engine returns the rotation engine.
func (a *App) Engine() *rotation.Engine {
	return a.engine
}

// Codec returns the ordinary read/write path.
func (a *App) Codec() *codec.Codec {
	return a.codec
}

// Handler wraps next with the per-request rotation check.
func (a *App) Handler(next http.Handler) http.Handler {
	return rotation.Middleware(a.engine)(next)
}

// Rotate runs one rotation attempt.
func (a *App) Rotate(ctx context.Context) (rotation.Result, error) {
	return a.engine.Rotate(ctx)
}

// Cleanup removes snapshots older than the configured retention.
func (a *App) Cleanup(ctx context.Context) ([]string, error) {
	removed, err := a.vault.Prune(ctx, a.config.BackupRetention, a.now())
	if err != nil {
		return removed, fmt.Errorf("prune backups: %w", err)
	}
	a.logger.Info(ctx, "backup cleanup finished", "removed", len(removed), "retention", a.config.BackupRetention.String())
	return removed, nil
}

// Status is a point-in-time view of the store.
type Status struct {
	Metadata  metadata.Metadata
	Lock      lock.State
	Snapshots []backup.Info
	Attempts  []journal.Attempt
}

// Status collects metadata, lock state, snapshots and, when the journal is
// enabled, the last attempts.
func (a *App) Status(ctx context.Context, attempts int) (Status, error) {
	var s Status
	var errs []error
	var err error

	if s.Metadata, err = a.meta.Load(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.Lock, err = a.locker.Inspect(a.now()); err != nil {
		errs = append(errs, fmt.Errorf("inspect lock: %w", err))
	}
	if s.Snapshots, err = a.vault.List(a.now().Location()); err != nil {
		errs = append(errs, err)
	}
	if a.journal != nil && attempts > 0 {
		if s.Attempts, err = a.journal.Recent(ctx, attempts); err != nil {
			errs = append(errs, fmt.Errorf("read journal: %w", err))
		}
	}
	return s, errors.Join(errs...)
}

// Show loads an existing data file through the codec. Relative paths are
// resolved against the data directory.
func (a *App) Show(ctx context.Context, path string) (any, codec.LoadStatus, error) {
	abs, err := a.config.Resolve(path)
	if err != nil {
		return nil, 0, err
	}
	ok, err := filex.Exists(abs)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", abs, common.ErrNotFound)
	}
	var v any
	status, err := a.codec.LoadInto(ctx, abs, &v)
	return v, status, err
}

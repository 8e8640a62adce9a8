// Package config handles configuration for dailycrypt: defaults, an
// optional JSON file overlay and command-line flags, applied in that order.
package config

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/dailycrypt/internal/backup"
	"github.com/dmitrijs2005/dailycrypt/internal/lock"
	"github.com/dmitrijs2005/dailycrypt/internal/rotation"
)

// Config holds runtime settings.
//
// Relative paths in MetadataFile, LockFile, BackupDir, PrimaryFiles and
// CollectionDirs are resolved against DataDir.
//
// Fields:
//   - Secret: base secret the daily keys are derived from. Required.
//   - StaleLockAfter: age after which a rotation lock is considered abandoned.
//   - BackupRetention: how long `cleanup` keeps backup snapshots.
//   - JournalDSN: SQLite DSN for the rotation journal; empty disables it.
//   - S3*: off-site snapshot mirror; empty S3Bucket disables it.
type Config struct {
	DataDir           string
	MetadataFile      string
	LockFile          string
	BackupDir         string
	PrimaryFiles      []string
	CollectionDirs    []string
	CollectionPattern string
	Secret            string
	StaleLockAfter    time.Duration
	BackupRetention   time.Duration
	JournalDSN        string
	LogLevel          string
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3BaseEndpoint    string
	S3AccessKey       string
	S3SecretKey       string
}

// LoadDefaults populates Config with the layout of a stock installation.
func (c *Config) LoadDefaults() {
	c.DataDir = "data"
	c.MetadataFile = "encryption_meta.json"
	c.LockFile = filepath.Join("locks", "reencryption.lock")
	c.BackupDir = "backups"
	c.PrimaryFiles = []string{
		"users.json.enc",
		"categories.json.enc",
		"posts.json.enc",
		"replies.json.enc",
		"seo.json.enc",
		"server_keys.json.enc",
	}
	c.CollectionDirs = []string{"categories", "posts", "replies", "placards"}
	c.CollectionPattern = rotation.DefaultPattern
	c.StaleLockAfter = lock.DefaultStaleAfter
	c.BackupRetention = backup.DefaultRetention
	c.LogLevel = "info"
	c.S3Region = "us-east-1"
}

// LoadConfig builds a Config from defaults, then the JSON file named by
// -c/-config in args, then the flags in args.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	ErrNoSecret  = errors.New("secret is required")
	ErrNoDataDir = errors.New("data dir is required")
)

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, ErrNoSecret)
	}
	if c.DataDir == "" {
		errs = append(errs, ErrNoDataDir)
	}
	return errors.Join(errs...)
}

// Resolve returns p as an absolute path, taking relative paths to be
// relative to DataDir.
func (c *Config) Resolve(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.DataDir, p)
	}
	return filepath.Abs(p)
}

// ResolveAll applies Resolve to every element of ps.
func (c *Config) ResolveAll(ps []string) ([]string, error) {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		abs, err := c.Resolve(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

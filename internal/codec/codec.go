// Package codec is the ordinary read/write path for data files. It never
// takes the rotation lock; every write is a single atomic rename.
package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"time"

	"github.com/dmitrijs2005/dailycrypt/internal/common"
	"github.com/dmitrijs2005/dailycrypt/internal/cryptox"
	"github.com/dmitrijs2005/dailycrypt/internal/filex"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
	"github.com/dmitrijs2005/dailycrypt/internal/metadata"
)

const filePerm = 0o640

// LoadStatus tells the caller where a loaded value came from.
type LoadStatus int

const (
	// Loaded means the file was read and decoded.
	Loaded LoadStatus = iota + 1
	// Bootstrapped means the file did not exist; the default was persisted.
	Bootstrapped
	// Defaulted means the file exists but could not be decoded. The default
	// was returned in memory and the file was left as is.
	Defaulted
)

func (s LoadStatus) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Bootstrapped:
		return "bootstrapped"
	case Defaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Defaults maps a file path to the factory of its default value. Paths not
// in the map default to an empty JSON array.
type Defaults map[string]func() any

type Codec struct {
	keys     *cryptox.KeyDeriver
	meta     *metadata.Store
	defaults Defaults
	now      func() time.Time
	logger   logging.Logger
}

type Option func(*Codec)

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func WithDefaults(d Defaults) Option {
	return func(c *Codec) { c.defaults = d }
}

func New(keys *cryptox.KeyDeriver, meta *metadata.Store, logger logging.Logger, opts ...Option) *Codec {
	c := &Codec{
		keys:   keys,
		meta:   meta,
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load reads path into a generic value (map, slice, ...). See LoadInto.
func (c *Codec) Load(ctx context.Context, path string) (any, error) {
	var v any
	if _, err := c.LoadInto(ctx, path, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadInto reads path and decodes it into v.
//
// A missing file is created with its default value. Content is decrypted
// with the key of each day from today back to the last recorded rotation,
// newest first, and finally taken as plaintext JSON. Content that decodes under
// none of these yields the default value and the file is not modified.
func (c *Codec) LoadInto(ctx context.Context, path string, v any) (LoadStatus, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		def := c.defaultFor(path)
		if err := c.Save(ctx, path, def); err != nil {
			c.logger.Warn(ctx, "could not persist default data file", "path", path, "error", err)
		}
		return Bootstrapped, assign(def, v)
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	data, ok := c.decode(ctx, raw)
	if ok {
		if err := json.Unmarshal(data, v); err == nil {
			return Loaded, nil
		}
	}

	c.logger.Warn(ctx, "unreadable data file preserved", "path", path, "error", common.ErrCorruptData)
	return Defaulted, assign(c.defaultFor(path), v)
}

// Save serializes v as indented JSON, encrypts it with today's key when
// encryption is active and replaces path atomically.
func (c *Codec) Save(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	m, err := c.meta.Load(ctx)
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}

	out := data
	if m.IsEncrypted {
		key := c.keys.KeyFor(c.now())
		out, err = cryptox.Encrypt(data, key)
		cryptox.Wipe(key[:])
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", path, err)
		}
	}

	if err := filex.WriteFileAtomic(path, out, filePerm); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func (c *Codec) decode(ctx context.Context, raw []byte) ([]byte, bool) {
	for i, date := range c.candidateDates(ctx) {
		key := c.keys.Key(date)
		pt, ok := cryptox.Decrypt(raw, key)
		cryptox.Wipe(key[:])
		if ok && json.Valid(pt) {
			if i > 0 {
				c.logger.Debug(ctx, "decrypted with fallback key", "key_date", date)
			}
			return pt, true
		}
	}

	raw = bytes.TrimSpace(raw)
	if json.Valid(raw) {
		return raw, true
	}
	return nil, false
}

// candidateDates lists today back to the last rotation date, newest first.
// Days after a rotation that never committed are included because ordinary
// saves on those days wrote under their own keys.
func (c *Codec) candidateDates(ctx context.Context) []string {
	now := c.now()
	m, err := c.meta.Load(ctx)
	if err != nil {
		c.logger.Debug(ctx, "metadata unavailable for key fallback", "error", err)
		return cryptox.Window(now, "")
	}
	return cryptox.Window(now, m.LastEncryptionDate)
}

func (c *Codec) defaultFor(path string) any {
	if f, ok := c.defaults[path]; ok && f != nil {
		return f()
	}
	return []any{}
}

// assign copies def into v through its JSON form so v may be any
// JSON-decodable target. A default whose shape does not fit v leaves v at
// its zero value.
func assign(def any, v any) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode default: %w", err)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode default: target must be a non-nil pointer, got %T", v)
	}
	rv.Elem().SetZero()
	if err := json.Unmarshal(data, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return fmt.Errorf("decode default: %w", err)
		}
		rv.Elem().SetZero()
	}
	return nil
}

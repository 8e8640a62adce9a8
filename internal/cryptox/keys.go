// Package cryptox implements the daily key schedule and the symmetric cipher
// used for every file in the store.
//
// Keys are derived from a base secret and a calendar date, so any process
// that knows the secret can compute the key for any day without storing
// key material. On-disk blobs are base64(IV ‖ AES-256-CBC ciphertext).
package cryptox

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"github.com/dmitrijs2005/dailycrypt/internal/common"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// Key is a derived AES-256 key.
type Key [KeySize]byte

// KeyDeriver maps calendar dates to keys. It is stateless apart from the
// base secret and safe for concurrent use.
type KeyDeriver struct {
	secret string
}

func NewKeyDeriver(secret string) *KeyDeriver {
	return &KeyDeriver{secret: secret}
}

// Key returns the key for date ("YYYY-MM-DD").
//
// The schedule is hex(sha256(secret ‖ date)) hashed once more with sha256
// to produce the 32 key bytes.
func (d *KeyDeriver) Key(date string) Key {
	daily := sha256.Sum256([]byte(d.secret + date))
	return Key(sha256.Sum256([]byte(hex.EncodeToString(daily[:]))))
}

// KeyFor returns the key for the calendar day of t in t's location.
func (d *KeyDeriver) KeyFor(t time.Time) Key {
	return d.Key(t.Format(common.DateLayout))
}

// MaxKeyWindow is the number of consecutive days, today included, that
// Window walks back through.
const MaxKeyWindow = 31

// Window lists the dates whose keys may have written a file still present
// in the store: today back to last, newest first. The walk stops after
// MaxKeyWindow days; last itself is always appended when it is older. An
// unparsable or future last yields today and yesterday only.
func Window(now time.Time, last string) []string {
	today := now.Format(common.DateLayout)
	dates := []string{today, now.AddDate(0, 0, -1).Format(common.DateLayout)}

	from, err := time.ParseInLocation(common.DateLayout, last, now.Location())
	if err != nil || last > today {
		return dates
	}

	for i := 2; i < MaxKeyWindow; i++ {
		d := now.AddDate(0, 0, -i)
		if d.Before(from) {
			break
		}
		dates = append(dates, d.Format(common.DateLayout))
	}
	if !slices.Contains(dates, last) {
		dates = append(dates, last)
	}
	return dates
}

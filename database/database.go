// Package database defines the error taxonomy and scalar wire types shared
// by every storage backend in tbcore (ban store, seed cache, peer cache,
// header/block index). Concrete backends live in sub-packages such as
// database/level and database/tbcd/level.
package database

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Database is the minimal contract every storage backend satisfies.
type Database interface {
	Close() error
}

// Error is a comparable sentinel error. Backends wrap it with context via
// fmt.Errorf("%w: ...", ErrX) and callers may either use errors.Is or call
// the sentinel's own Is method, e.g. database.ErrDuplicate.Is(err).
type Error string

func (e Error) Error() string {
	return string(e)
}

// Is reports whether err's chain contains this sentinel.
func (e Error) Is(err error) bool {
	return errors.Is(err, error(e))
}

const (
	ErrNotFound  Error = "not found"
	ErrDuplicate Error = "duplicate"
	ErrZeroRows  Error = "zero rows affected"
)

// NotFoundError wraps ErrNotFound with context.
func NotFoundError(s string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, s)
}

// DuplicateError wraps ErrDuplicate with context.
func DuplicateError(s string) error {
	return fmt.Errorf("%w: %s", ErrDuplicate, s)
}

// ByteArray is a []byte that marshals to/from JSON as a hex string instead
// of the standard library's base64, matching how hashes and headers are
// logged and inspected elsewhere in the codebase.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	*b = raw
	return nil
}

func (b ByteArray) String() string {
	return hex.EncodeToString(b)
}

// Timestamp wraps time.Time for JSON records that want second-granularity
// unix timestamps rather than RFC3339.
type Timestamp struct {
	t time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.UTC()}
}

func (t Timestamp) Time() time.Time {
	return t.t
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.t.Unix())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var sec int64
	if err := json.Unmarshal(data, &sec); err != nil {
		return err
	}
	t.t = time.Unix(sec, 0).UTC()
	return nil
}

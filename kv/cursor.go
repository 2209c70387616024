// Package kv defines the sorted key-value cursor that shard scans run on,
// along with an in-memory store, a Bolt-backed store and an instrumented
// cursor wrapper.
//
// A Cursor is forward-only. Seek positions it at the first key of a range,
// Next advances one key, and iteration stops (HasTop returns false) once the
// cursor runs past the end of the range it was last seeked to. Cursors are
// not safe for concurrent use; use DeepCopy to get an independent cursor
// over the same data.
package kv

import "errors"

// ErrClosed is returned by operations on a closed cursor or store.
var ErrClosed = errors.New("kv: closed")

// Cursor iterates over a sorted shard in key order.
type Cursor interface {
	// Seek positions the cursor at the first key within r.
	Seek(r Range) error

	// Next advances the cursor by one key.
	Next() error

	// HasTop returns true if the cursor is positioned on a key within the
	// current range.
	HasTop() bool

	// Key returns the current key. The returned key may share memory with
	// the cursor and is only valid until the next call to Seek or Next.
	Key() Key

	// Value returns the current value, with the same lifetime as Key.
	Value() []byte

	// DeepCopy returns an independent, unpositioned cursor over the same data.
	DeepCopy() (Cursor, error)

	// Close releases the cursor. It is safe to call multiple times.
	Close() error
}

// Entry is a single key-value pair.
type Entry struct {
	Key   Key
	Value []byte
}

// Collect seeks c to r and returns every entry within the range, cloned.
func Collect(c Cursor, r Range) ([]Entry, error) {
	if err := c.Seek(r); err != nil {
		return nil, err
	}
	var result []Entry
	for c.HasTop() {
		result = append(result, Entry{c.Key().Clone(), append([]byte(nil), c.Value()...)})
		if err := c.Next(); err != nil {
			return result, err
		}
	}
	return result, nil
}

package kv

import "sync/atomic"

// CursorStats counts cursor operations. Counters are shared by a cursor and
// all of its deep copies.
type CursorStats struct {
	Seeks atomic.Int64
	Nexts atomic.Int64
}

func (s *CursorStats) Reset() {
	s.Seeks.Store(0)
	s.Nexts.Store(0)
}

// CountingCursor wraps a Cursor and counts Seek and Next calls.
type CountingCursor struct {
	Cursor
	Stats *CursorStats
}

func NewCountingCursor(c Cursor) *CountingCursor {
	return &CountingCursor{Cursor: c, Stats: &CursorStats{}}
}

func (c *CountingCursor) Seek(r Range) error {
	c.Stats.Seeks.Add(1)
	return c.Cursor.Seek(r)
}

func (c *CountingCursor) Next() error {
	c.Stats.Nexts.Add(1)
	return c.Cursor.Next()
}

func (c *CountingCursor) DeepCopy() (Cursor, error) {
	inner, err := c.Cursor.DeepCopy()
	if err != nil {
		return nil, err
	}
	return &CountingCursor{Cursor: inner, Stats: c.Stats}, nil
}

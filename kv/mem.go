package kv

import (
	"bytes"
	"slices"
	"sort"
	"sync"
)

// MemStore is a sorted in-memory shard store, mostly for tests and small
// shards. A cursor sees the contents as of NewCursor; later puts copy the
// entries instead of shifting them under open cursors.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry // sorted by key
	shared  bool    // entries are referenced by a cursor
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

// Put stores a key-value pair, replacing an existing value for an identical key.
func (s *MemStore) Put(k Key, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k = k.Clone()
	v = bytes.Clone(v)
	if s.shared {
		s.entries = slices.Grow(slices.Clone(s.entries), 1)
		s.shared = false
	}
	i, ok := s.find(k)
	if ok {
		s.entries[i].Value = v
		return
	}
	s.entries = slices.Insert(s.entries, i, Entry{k, v})
}

// PutAll stores a batch of entries in any order.
func (s *MemStore) PutAll(entries []Entry) {
	for _, e := range entries {
		s.Put(e.Key, e.Value)
	}
}

func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemStore) find(k Key) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return Compare(s.entries[i].Key, k) >= 0
	})
	return i, i < len(s.entries) && Compare(s.entries[i].Key, k) == 0
}

// NewCursor returns an unpositioned cursor over the current contents.
func (s *MemStore) NewCursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shared = true
	return &memCursor{entries: s.entries[:len(s.entries):len(s.entries)], pos: -1}
}

type memCursor struct {
	entries []Entry
	rang    Range
	pos     int
	closed  bool
}

func (c *memCursor) Seek(r Range) error {
	if c.closed {
		return ErrClosed
	}
	c.rang = r
	if r.Start == nil {
		c.pos = 0
		return nil
	}
	start := *r.Start
	c.pos = sort.Search(len(c.entries), func(i int) bool {
		cmp := Compare(c.entries[i].Key, start)
		return cmp > 0 || (cmp == 0 && r.StartInclusive)
	})
	return nil
}

func (c *memCursor) Next() error {
	if c.closed {
		return ErrClosed
	}
	if c.pos < 0 {
		return c.Seek(RangeAll())
	}
	if c.pos < len(c.entries) {
		c.pos++
	}
	return nil
}

func (c *memCursor) HasTop() bool {
	if c.closed || c.pos < 0 || c.pos >= len(c.entries) {
		return false
	}
	return !c.rang.AfterEnd(c.entries[c.pos].Key)
}

func (c *memCursor) Key() Key {
	if !c.HasTop() {
		return Key{}
	}
	return c.entries[c.pos].Key
}

func (c *memCursor) Value() []byte {
	if !c.HasTop() {
		return nil
	}
	return c.entries[c.pos].Value
}

func (c *memCursor) DeepCopy() (Cursor, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return &memCursor{entries: c.entries, pos: -1}, nil
}

func (c *memCursor) Close() error {
	c.closed = true
	return nil
}

package shardq

import "github.com/andreyvit/shardq/kv"

// limitedCursor hides every key past limit, so aggregators cannot wander
// beyond the value the scanner is positioned on.
type limitedCursor struct {
	kv.Cursor
	limit    kv.Key
	hasLimit bool
}

func (c *limitedCursor) setLimit(k kv.Key) {
	c.limit, c.hasLimit = k, true
}

func (c *limitedCursor) HasTop() bool {
	if !c.Cursor.HasTop() {
		return false
	}
	return !c.hasLimit || kv.Compare(c.Cursor.Key(), c.limit) <= 0
}

func (c *limitedCursor) Key() kv.Key {
	if !c.HasTop() {
		return kv.Key{}
	}
	return c.Cursor.Key()
}

func (c *limitedCursor) Value() []byte {
	if !c.HasTop() {
		return nil
	}
	return c.Cursor.Value()
}

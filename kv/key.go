package kv

import (
	"bytes"
	"cmp"
	"strconv"
	"strings"
)

// Key addresses one cell of a shard. Keys sort by Row, ColumnFamily and
// ColumnQualifier ascending, then by Timestamp descending (newest first).
type Key struct {
	Row             []byte
	ColumnFamily    []byte
	ColumnQualifier []byte
	Timestamp       int64
}

// MaxTimestamp sorts before every other timestamp of the same coordinates.
const MaxTimestamp = int64(^uint64(0) >> 1)

// PartialKey selects how many key components take part in a comparison.
type PartialKey int

const (
	PartialRow = PartialKey(iota)
	PartialRowColFam
	PartialRowColFamColQual
	PartialAll
)

func NewKey(row, cf, cq string) Key {
	return Key{Row: []byte(row), ColumnFamily: []byte(cf), ColumnQualifier: []byte(cq), Timestamp: MaxTimestamp}
}

func RowKey(row []byte) Key {
	return Key{Row: row, Timestamp: MaxTimestamp}
}

func Compare(a, b Key) int {
	return ComparePartial(a, b, PartialAll)
}

func ComparePartial(a, b Key, part PartialKey) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 || part == PartialRow {
		return c
	}
	if c := bytes.Compare(a.ColumnFamily, b.ColumnFamily); c != 0 || part == PartialRowColFam {
		return c
	}
	if c := bytes.Compare(a.ColumnQualifier, b.ColumnQualifier); c != 0 || part == PartialRowColFamColQual {
		return c
	}
	return cmp.Compare(b.Timestamp, a.Timestamp)
}

func (k Key) Compare(other Key) int {
	return Compare(k, other)
}

func (k Key) IsZero() bool {
	return k.Row == nil && k.ColumnFamily == nil && k.ColumnQualifier == nil
}

// FollowingKey returns the smallest key that sorts after every key sharing
// the first components of k selected by part.
func (k Key) FollowingKey(part PartialKey) Key {
	switch part {
	case PartialRow:
		return Key{Row: followingBytes(k.Row), Timestamp: MaxTimestamp}
	case PartialRowColFam:
		return Key{Row: k.Row, ColumnFamily: followingBytes(k.ColumnFamily), Timestamp: MaxTimestamp}
	case PartialRowColFamColQual:
		return Key{Row: k.Row, ColumnFamily: k.ColumnFamily, ColumnQualifier: followingBytes(k.ColumnQualifier), Timestamp: MaxTimestamp}
	case PartialAll:
		if k.Timestamp == -MaxTimestamp-1 {
			return k.FollowingKey(PartialRowColFamColQual)
		}
		k.Timestamp--
		return k
	default:
		panic("unsupported partial key")
	}
}

// followingBytes appends a zero byte, which yields the immediate successor
// in byte order.
func followingBytes(b []byte) []byte {
	out := make([]byte, len(b)+1)
	copy(out, b)
	return out
}

// Clone returns a deep copy of k. Cursors may reuse their buffers, so keys
// that outlive a cursor step must be cloned.
func (k Key) Clone() Key {
	return Key{
		Row:             bytes.Clone(k.Row),
		ColumnFamily:    bytes.Clone(k.ColumnFamily),
		ColumnQualifier: bytes.Clone(k.ColumnQualifier),
		Timestamp:       k.Timestamp,
	}
}

func (k Key) String() string {
	var buf strings.Builder
	buf.WriteString(printable(k.Row))
	buf.WriteByte(' ')
	buf.WriteString(printable(k.ColumnFamily))
	buf.WriteByte(':')
	buf.WriteString(printable(k.ColumnQualifier))
	buf.WriteByte(' ')
	if k.Timestamp == MaxTimestamp {
		buf.WriteString("max")
	} else {
		buf.WriteString(strconv.FormatInt(k.Timestamp, 10))
	}
	return buf.String()
}

func printable(b []byte) string {
	var buf strings.Builder
	for _, c := range b {
		if c >= 0x20 && c < 0x7f && c != '\\' {
			buf.WriteByte(c)
		} else {
			buf.WriteString(`\x`)
			buf.WriteByte("0123456789abcdef"[c>>4])
			buf.WriteByte("0123456789abcdef"[c&0xf])
		}
	}
	return buf.String()
}

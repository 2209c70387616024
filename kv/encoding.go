package kv

import (
	"encoding/binary"
	"sync"
)

// Flat key encoding preserves Key ordering under bytes.Compare, which is what
// lets a plain sorted byte store (Bolt) serve shard scans.
//
// Each of row, column family and column qualifier is written with zero bytes
// escaped as 00 FF and terminated by 00 01. The timestamp follows as 8 bytes
// big-endian, sign-flipped and inverted so newer timestamps sort first.
const (
	escByte  = 0x00
	escZero  = 0xFF
	escTerm  = 0x01
	tsSize   = 8
	signFlip = uint64(1) << 63
)

var keyBufPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func appendComponent(buf []byte, comp []byte) []byte {
	buf = ensureCapacity(buf, len(buf)+len(comp)+2)
	for _, c := range comp {
		if c == escByte {
			buf = append(buf, escByte, escZero)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, escByte, escTerm)
}

// AppendKey appends the flat encoding of k to buf.
func AppendKey(buf []byte, k Key) []byte {
	buf = appendComponent(buf, k.Row)
	buf = appendComponent(buf, k.ColumnFamily)
	buf = appendComponent(buf, k.ColumnQualifier)
	buf = ensureCapacity(buf, len(buf)+tsSize)
	return binary.BigEndian.AppendUint64(buf, ^(uint64(k.Timestamp) ^ signFlip))
}

func EncodeKey(k Key) []byte {
	return AppendKey(nil, k)
}

// encodeKeyPooled encodes k into a pooled buffer; the caller must hand the
// buffer back via releaseKeyBuf.
func encodeKeyPooled(k Key) []byte {
	return AppendKey(keyBufPool.Get().([]byte)[:0], k)
}

func releaseKeyBuf(b []byte) {
	keyBufPool.Put(b[:0])
}

func DecodeKey(data []byte) (Key, error) {
	var k Key
	var err error
	off := 0
	if k.Row, off, err = decodeComponent(data, off); err != nil {
		return Key{}, err
	}
	if k.ColumnFamily, off, err = decodeComponent(data, off); err != nil {
		return Key{}, err
	}
	if k.ColumnQualifier, off, err = decodeComponent(data, off); err != nil {
		return Key{}, err
	}
	if len(data)-off != tsSize {
		return Key{}, dataErrf(data, off, nil, "invalid key: %d timestamp bytes, wanted %d", len(data)-off, tsSize)
	}
	k.Timestamp = int64(^binary.BigEndian.Uint64(data[off:]) ^ signFlip)
	return k, nil
}

func decodeComponent(data []byte, off int) ([]byte, int, error) {
	out := make([]byte, 0, 16)
	for i := off; i < len(data); i++ {
		c := data[i]
		if c != escByte {
			out = append(out, c)
			continue
		}
		if i+1 >= len(data) {
			return nil, i, dataErrf(data, i, nil, "invalid key: truncated escape")
		}
		switch data[i+1] {
		case escZero:
			out = append(out, escByte)
			i++
		case escTerm:
			return out, i + 2, nil
		default:
			return nil, i, dataErrf(data, i, nil, "invalid key: bad escape %02x", data[i+1])
		}
	}
	return nil, len(data), dataErrf(data, off, nil, "invalid key: unterminated component")
}

package kv

import "strings"

// Range defines a range of keys. A nil bound is infinite. The constructors
// use mnemonics: I means inclusive, E means exclusive; the first letter is
// for the start bound, the second for the end bound.
type Range struct {
	Start          *Key
	End            *Key
	StartInclusive bool
	EndInclusive   bool
}

func RangeAll() Range { return Range{} }

func RangeII(s, e Key) Range { return Range{Start: &s, End: &e, StartInclusive: true, EndInclusive: true} }
func RangeIE(s, e Key) Range { return Range{Start: &s, End: &e, StartInclusive: true} }
func RangeEI(s, e Key) Range { return Range{Start: &s, End: &e, EndInclusive: true} }
func RangeEE(s, e Key) Range { return Range{Start: &s, End: &e} }
func RangeFrom(s Key, inclusive bool) Range {
	return Range{Start: &s, StartInclusive: inclusive}
}

// RowRange covers every key of one row.
func RowRange(row []byte) Range {
	s := RowKey(row)
	e := s.FollowingKey(PartialRow)
	return RangeIE(s, e)
}

// PrefixRange covers every key of the given row and column family whose
// qualifier starts with prefix.
func PrefixRange(row, cf, cqPrefix []byte) Range {
	s := Key{Row: row, ColumnFamily: cf, ColumnQualifier: cqPrefix, Timestamp: MaxTimestamp}
	if succ, ok := prefixSuccessor(cqPrefix); ok {
		e := Key{Row: row, ColumnFamily: cf, ColumnQualifier: succ, Timestamp: MaxTimestamp}
		return RangeIE(s, e)
	}
	e := s.FollowingKey(PartialRowColFam)
	return RangeIE(s, e)
}

// WithStart returns a copy of r that starts at s, keeping r's end.
func (r Range) WithStart(s Key, inclusive bool) Range {
	r.Start, r.StartInclusive = &s, inclusive
	return r
}

// BeforeStart reports whether k sorts before the start of r.
func (r Range) BeforeStart(k Key) bool {
	if r.Start == nil {
		return false
	}
	c := Compare(k, *r.Start)
	return c < 0 || (c == 0 && !r.StartInclusive)
}

// AfterEnd reports whether k sorts after the end of r.
func (r Range) AfterEnd(k Key) bool {
	if r.End == nil {
		return false
	}
	c := Compare(k, *r.End)
	return c > 0 || (c == 0 && !r.EndInclusive)
}

func (r Range) Contains(k Key) bool {
	return !r.BeforeStart(k) && !r.AfterEnd(k)
}

func (r Range) String() string {
	var buf strings.Builder
	if r.Start == nil {
		buf.WriteString("(-inf")
	} else {
		if r.StartInclusive {
			buf.WriteByte('[')
		} else {
			buf.WriteByte('(')
		}
		buf.WriteString(r.Start.String())
	}
	buf.WriteByte(',')
	if r.End == nil {
		buf.WriteString("+inf)")
	} else {
		buf.WriteString(r.End.String())
		if r.EndInclusive {
			buf.WriteByte(']')
		} else {
			buf.WriteByte(')')
		}
	}
	return buf.String()
}

// prefixSuccessor returns the smallest byte string greater than every string
// starting with p, or false when p is empty or all 0xFF.
func prefixSuccessor(p []byte) ([]byte, bool) {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1], true
		}
	}
	return nil, false
}

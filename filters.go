package shardq

import (
	"slices"

	"github.com/andreyvit/shardq/kv"
)

// KeyFilter decides whether a field index key takes part in a scan.
type KeyFilter interface {
	Accept(k kv.Key) bool
}

// SeekingFilter is a KeyFilter that, having rejected a key, can name a range
// to seek to instead of stepping over rejected keys one by one. SeekRange
// receives the rejected key and the scan range, and returns false when a
// plain advance is preferable.
type SeekingFilter interface {
	KeyFilter
	SeekRange(top kv.Key, scan kv.Range) (kv.Range, bool)
}

type KeyFilterFunc func(k kv.Key) bool

func (f KeyFilterFunc) Accept(k kv.Key) bool {
	return f(k)
}

type acceptAll struct{}

func (acceptAll) Accept(kv.Key) bool { return true }

// AcceptAll is the default filter.
var AcceptAll KeyFilter = acceptAll{}

// TimeFilter accepts keys whose timestamp lies within [Start, End].
// Field index timestamps carry the event time, so this narrows a day shard to
// a time window.
type TimeFilter struct {
	Start int64
	End   int64
}

func (f TimeFilter) Accept(k kv.Key) bool {
	return k.Timestamp >= f.Start && k.Timestamp <= f.End
}

// DatatypeFilter accepts field index keys of the listed datatypes. On
// rejection it seeks straight to the next allowed datatype under the same
// value.
type DatatypeFilter struct {
	datatypes []string
}

func NewDatatypeFilter(datatypes ...string) *DatatypeFilter {
	dts := slices.Clone(datatypes)
	slices.Sort(dts)
	return &DatatypeFilter{slices.Compact(dts)}
}

func (f *DatatypeFilter) Datatypes() []string {
	return f.datatypes
}

func (f *DatatypeFilter) Accept(k kv.Key) bool {
	_, dt, _, ok := splitFieldIndexQualifier(k.ColumnQualifier)
	if !ok {
		return false
	}
	_, found := slices.BinarySearch(f.datatypes, string(dt))
	return found
}

func (f *DatatypeFilter) SeekRange(top kv.Key, scan kv.Range) (kv.Range, bool) {
	value, dt, _, ok := splitFieldIndexQualifier(top.ColumnQualifier)
	if !ok {
		return kv.Range{}, false
	}
	i, found := slices.BinarySearch(f.datatypes, string(dt))
	if found {
		i++
	}

	cq := make([]byte, 0, len(value)+32)
	cq = append(cq, value...)
	if i < len(f.datatypes) {
		cq = append(cq, sep)
		cq = append(cq, f.datatypes[i]...)
		cq = append(cq, sep)
	} else {
		// no allowed datatype remains under this value
		cq = append(cq, sep+1)
	}
	start := kv.Key{Row: top.Row, ColumnFamily: top.ColumnFamily, ColumnQualifier: cq, Timestamp: kv.MaxTimestamp}
	if scan.AfterEnd(start) {
		return kv.Range{}, false
	}
	return scan.WithStart(start, true), true
}

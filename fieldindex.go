package shardq

import (
	"bytes"
	"strings"

	"github.com/andreyvit/shardq/kv"
)

// Shard layout. Within a shard row:
//
//	field index:    cf = "fi\x00" FIELD    cq = value "\x00" datatype "\x00" uid
//	document:       cf = datatype "\x00" uid    cq = FIELD "\x00" value
//	term frequency: cf = "tf"    cq = datatype "\x00" uid "\x00" value "\x00" FIELD
const (
	sep              = '\x00'
	fieldIndexPrefix = "fi\x00"
	termFreqFamily   = "tf"

	// maxUnicode is U+10FFFF in UTF-8, the largest suffix a normalized value
	// can carry.
	maxUnicode = "\xf4\x8f\xbf\xbf"
)

// Term is a single field == value predicate leaf.
type Term struct {
	Field string
	Value string
}

func (t Term) String() string {
	return t.Field + "==" + t.Value
}

// ColumnFamily returns the field index column family for the term's field.
func (t Term) ColumnFamily() []byte {
	return FieldIndexFamily(t.Field)
}

// valueMinPrefix is the tight lower bound for every qualifier holding the
// term's value.
func (t Term) valueMinPrefix() []byte {
	b := make([]byte, 0, len(t.Value)+1)
	b = append(b, t.Value...)
	return append(b, sep)
}

func FieldIndexFamily(field string) []byte {
	b := make([]byte, 0, len(fieldIndexPrefix)+len(field))
	b = append(b, fieldIndexPrefix...)
	return append(b, field...)
}

// DocumentPointer identifies a document within a shard.
type DocumentPointer struct {
	Datatype string
	UID      string
}

func (p DocumentPointer) String() string {
	return p.Datatype + "/" + p.UID
}

// ColumnFamily returns the document's column family, datatype\0uid.
func (p DocumentPointer) ColumnFamily() []byte {
	b := make([]byte, 0, len(p.Datatype)+1+len(p.UID))
	b = append(b, p.Datatype...)
	b = append(b, sep)
	return append(b, p.UID...)
}

// DocumentKey returns the document-space key of ptr, which sorts before all
// of the document's attribute keys.
func DocumentKey(shard []byte, ptr DocumentPointer) kv.Key {
	return kv.Key{Row: shard, ColumnFamily: ptr.ColumnFamily(), Timestamp: kv.MaxTimestamp}
}

// ParseDocumentKey extracts the pointer from a document-space key.
func ParseDocumentKey(k kv.Key) (DocumentPointer, error) {
	dt, uid, ok := bytes.Cut(k.ColumnFamily, []byte{sep})
	if !ok || len(dt) == 0 || len(uid) == 0 {
		return DocumentPointer{}, keyErrf(k, "document column family is not datatype\\0uid")
	}
	return DocumentPointer{string(dt), string(uid)}, nil
}

// FieldIndexEntry is a decoded field index key.
type FieldIndexEntry struct {
	Shard     string
	Term      Term
	Pointer   DocumentPointer
	Timestamp int64
}

// ParseFieldIndexKey decodes a field index key. The qualifier is split at its
// last two separators, so values may themselves contain zero bytes.
func ParseFieldIndexKey(k kv.Key) (FieldIndexEntry, error) {
	field, ok := bytes.CutPrefix(k.ColumnFamily, []byte(fieldIndexPrefix))
	if !ok || len(field) == 0 {
		return FieldIndexEntry{}, keyErrf(k, "column family lacks the field index prefix")
	}
	value, dt, uid, ok := splitFieldIndexQualifier(k.ColumnQualifier)
	if !ok {
		return FieldIndexEntry{}, keyErrf(k, "qualifier is not value\\0datatype\\0uid")
	}
	return FieldIndexEntry{
		Shard:     string(k.Row),
		Term:      Term{string(field), string(value)},
		Pointer:   DocumentPointer{string(dt), string(uid)},
		Timestamp: k.Timestamp,
	}, nil
}

// splitFieldIndexQualifier returns views into cq without copying.
func splitFieldIndexQualifier(cq []byte) (value, datatype, uid []byte, ok bool) {
	i := bytes.LastIndexByte(cq, sep)
	if i < 0 {
		return nil, nil, nil, false
	}
	j := bytes.LastIndexByte(cq[:i], sep)
	if j < 0 {
		return nil, nil, nil, false
	}
	value, datatype, uid = cq[:j], cq[j+1:i], cq[i+1:]
	if len(datatype) == 0 || len(uid) == 0 {
		return nil, nil, nil, false
	}
	return value, datatype, uid, true
}

// documentFamilyFromQualifier returns datatype\0uid, the tail of a field
// index qualifier.
func documentFamilyFromQualifier(cq []byte) ([]byte, bool) {
	value, _, _, ok := splitFieldIndexQualifier(cq)
	if !ok {
		return nil, false
	}
	return cq[len(value)+1:], true
}

// FieldIndexKey builds the field index key of one term occurrence.
func FieldIndexKey(shard string, t Term, ptr DocumentPointer, ts int64) kv.Key {
	cq := make([]byte, 0, len(t.Value)+len(ptr.Datatype)+len(ptr.UID)+2)
	cq = append(cq, t.Value...)
	cq = append(cq, sep)
	cq = append(cq, ptr.ColumnFamily()...)
	return kv.Key{Row: []byte(shard), ColumnFamily: t.ColumnFamily(), ColumnQualifier: cq, Timestamp: ts}
}

// EventKey builds the document attribute key holding field=value.
func EventKey(shard string, ptr DocumentPointer, field, value string, ts int64) kv.Key {
	return kv.Key{
		Row:             []byte(shard),
		ColumnFamily:    ptr.ColumnFamily(),
		ColumnQualifier: []byte(field + string(sep) + value),
		Timestamp:       ts,
	}
}

// TermFrequencyKey builds the key holding the offsets of t within a document.
func TermFrequencyKey(shard string, ptr DocumentPointer, t Term, ts int64) kv.Key {
	return kv.Key{
		Row:             []byte(shard),
		ColumnFamily:    []byte(termFreqFamily),
		ColumnQualifier: []byte(strings.Join([]string{ptr.Datatype, ptr.UID, t.Value, t.Field}, string(sep))),
		Timestamp:       ts,
	}
}

// prefixDiff compares prefix against the leading bytes of data. Zero means
// data starts with prefix; positive means data sorts before every string
// with that prefix, negative means after.
func prefixDiff(prefix, data []byte) int {
	return bytes.Compare(prefix, data[:min(len(prefix), len(data))])
}

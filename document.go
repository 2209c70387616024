package shardq

import (
	"slices"
	"sort"
	"strings"

	"github.com/andreyvit/shardq/kv"
)

// Attribute is one value of a document field.
type Attribute struct {
	Value string
	// Source is the key the value was read from.
	Source kv.Key
	// FromIndex is set for values taken from the field index rather than
	// from the document's own keys (index-only fields).
	FromIndex bool
}

// Document maps field names to attributes. It is assembled incrementally by
// a single owner and sealed before evaluation; after that it is read-only and
// may be shared.
type Document struct {
	fields map[string][]Attribute
	sealed bool
}

func NewDocument() *Document {
	return &Document{fields: make(map[string][]Attribute)}
}

// Put appends an attribute. Identical values of one field are kept once.
func (d *Document) Put(field string, a Attribute) {
	if d.sealed {
		panic(misusef("Put(%q) on a sealed document", field))
	}
	for _, existing := range d.fields[field] {
		if existing.Value == a.Value {
			return
		}
	}
	d.fields[field] = append(d.fields[field], a)
}

// Merge appends every attribute of other.
func (d *Document) Merge(other *Document) {
	if other == nil {
		return
	}
	for _, f := range other.Fields() {
		for _, a := range other.fields[f] {
			d.Put(f, a)
		}
	}
}

func (d *Document) Seal() {
	d.sealed = true
}

func (d *Document) Sealed() bool {
	return d.sealed
}

func (d *Document) Get(field string) []Attribute {
	return d.fields[field]
}

func (d *Document) Values(field string) []string {
	attrs := d.fields[field]
	values := make([]string, len(attrs))
	for i, a := range attrs {
		values[i] = a.Value
	}
	return values
}

func (d *Document) Has(field, value string) bool {
	for _, a := range d.fields[field] {
		if a.Value == value {
			return true
		}
	}
	return false
}

// Fields returns field names in sorted order.
func (d *Document) Fields() []string {
	names := make([]string, 0, len(d.fields))
	for f := range d.fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of attributes.
func (d *Document) Len() int {
	n := 0
	for _, attrs := range d.fields {
		n += len(attrs)
	}
	return n
}

func (d *Document) String() string {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, f := range d.Fields() {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(f)
		buf.WriteByte('=')
		values := d.Values(f)
		slices.Sort(values)
		buf.WriteString(strings.Join(values, "|"))
	}
	buf.WriteByte('}')
	return buf.String()
}

// Result is one match delivered to the caller.
type Result struct {
	Key      kv.Key
	Pointer  DocumentPointer
	Document *Document
	// Payload is the predicate's side-channel data, e.g. the matched terms.
	Payload any
}

package shardq

import (
	"bytes"

	"github.com/andreyvit/shardq/kv"
)

// Aggregator turns the field index keys of one candidate into a single
// document-space key. Apply is called with src positioned on an accepted
// key; it must consume every key belonging to the candidate (at least one)
// and return the candidate's document key. When doc is non-nil the
// aggregator records the matched field value on it.
//
// src never exposes keys past the current term value.
type Aggregator interface {
	Apply(src kv.Cursor, doc *Document) (kv.Key, error)
}

// IdentityAggregator emits one candidate per document: keys of the same
// document at other timestamps are consumed without producing duplicates.
// Only the first key is recorded on doc.
type IdentityAggregator struct{}

func (IdentityAggregator) Apply(src kv.Cursor, doc *Document) (kv.Key, error) {
	top := src.Key()
	result, err := documentKeyOf(top)
	if err != nil {
		return kv.Key{}, err
	}
	if doc != nil {
		if err := putIndexAttribute(doc, top); err != nil {
			return kv.Key{}, err
		}
	}
	if err := src.Next(); err != nil {
		return kv.Key{}, err
	}
	return result, consumeDocument(src, result.ColumnFamily, nil)
}

// DocumentAggregator collapses consecutive keys of the same document (for
// example several timestamps of one value) into one candidate and records
// the index value as an attribute of the candidate document.
type DocumentAggregator struct{}

func (DocumentAggregator) Apply(src kv.Cursor, doc *Document) (kv.Key, error) {
	result, err := documentKeyOf(src.Key())
	if err != nil {
		return kv.Key{}, err
	}
	return result, consumeDocument(src, result.ColumnFamily, doc)
}

// consumeDocument advances src past the keys whose qualifier names the
// document family fam, recording each on doc when non-nil.
func consumeDocument(src kv.Cursor, fam []byte, doc *Document) error {
	for src.HasTop() {
		k := src.Key()
		kfam, ok := documentFamilyFromQualifier(k.ColumnQualifier)
		if !ok {
			return keyErrf(k, "qualifier is not value\\0datatype\\0uid")
		}
		if !bytes.Equal(kfam, fam) {
			return nil
		}
		if doc != nil {
			if err := putIndexAttribute(doc, k); err != nil {
				return err
			}
		}
		if err := src.Next(); err != nil {
			return err
		}
	}
	return nil
}

// HierarchicalAggregator rolls child documents up into their top-level
// parent: every run of keys whose uids share a parent yields a single
// candidate for the parent document.
type HierarchicalAggregator struct {
	// Parent maps a uid to its top-level uid. Defaults to TopLevelUID.
	Parent func(uid string) string
}

// TopLevelUID returns the top-level part of a hierarchical uid. Uids have the
// form hash.hash.hash[.child...], so the first three components name the
// top-level document.
func TopLevelUID(uid string) string {
	n := 0
	for i := 0; i < len(uid); i++ {
		if uid[i] == '.' {
			n++
			if n == 3 {
				return uid[:i]
			}
		}
	}
	return uid
}

func (a HierarchicalAggregator) parent(uid string) string {
	if a.Parent != nil {
		return a.Parent(uid)
	}
	return TopLevelUID(uid)
}

func (a HierarchicalAggregator) Apply(src kv.Cursor, doc *Document) (kv.Key, error) {
	top := src.Key()
	_, dt, uid, ok := splitFieldIndexQualifier(top.ColumnQualifier)
	if !ok {
		return kv.Key{}, keyErrf(top, "qualifier is not value\\0datatype\\0uid")
	}
	ptr := DocumentPointer{string(dt), a.parent(string(uid))}
	result := DocumentKey(bytes.Clone(top.Row), ptr)

	for src.HasTop() {
		k := src.Key()
		_, kdt, kuid, ok := splitFieldIndexQualifier(k.ColumnQualifier)
		if !ok {
			return kv.Key{}, keyErrf(k, "qualifier is not value\\0datatype\\0uid")
		}
		if string(kdt) != ptr.Datatype || a.parent(string(kuid)) != ptr.UID {
			break
		}
		if doc != nil {
			if err := putIndexAttribute(doc, k); err != nil {
				return kv.Key{}, err
			}
		}
		if err := src.Next(); err != nil {
			return kv.Key{}, err
		}
	}
	return result, nil
}

// documentKeyOf converts a field index key into its document-space key.
func documentKeyOf(k kv.Key) (kv.Key, error) {
	fam, ok := documentFamilyFromQualifier(k.ColumnQualifier)
	if !ok {
		return kv.Key{}, keyErrf(k, "qualifier is not value\\0datatype\\0uid")
	}
	return kv.Key{Row: bytes.Clone(k.Row), ColumnFamily: bytes.Clone(fam), Timestamp: kv.MaxTimestamp}, nil
}

func putIndexAttribute(doc *Document, k kv.Key) error {
	e, err := ParseFieldIndexKey(k)
	if err != nil {
		return err
	}
	doc.Put(e.Term.Field, Attribute{Value: e.Term.Value, Source: k.Clone(), FromIndex: true})
	return nil
}

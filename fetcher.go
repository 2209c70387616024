package shardq

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/andreyvit/shardq/kv"
)

// Fetcher loads document attributes beyond what the candidate carries.
// Calls block until the data is available. A Fetcher is used by one
// goroutine at a time.
type Fetcher interface {
	// FetchDocument reads the document's own attribute keys.
	FetchDocument(ctx context.Context, shard []byte, ptr DocumentPointer) (*Document, error)
	// FetchIndexOnly looks up terms of index-only fields, which exist only
	// in the field index, and returns those present for the document.
	FetchIndexOnly(ctx context.Context, shard []byte, ptr DocumentPointer, terms []Term) ([]FieldAttribute, error)
	// FetchOffsets reads the token offsets of terms within the document.
	// Terms without a term frequency entry are absent from the result.
	FetchOffsets(ctx context.Context, shard []byte, ptr DocumentPointer, terms []Term) (map[Term][]int, error)
	Close() error
}

type FieldAttribute struct {
	Field string
	Attribute
}

// FetcherFactory creates a fetcher for one evaluation slot or worker.
type FetcherFactory func() (Fetcher, error)

// EnrichPlan lists what evaluation needs beyond the candidate document.
type EnrichPlan struct {
	FetchDocument bool
	IndexOnly     []Term
	Offsets       []Term
}

func (p EnrichPlan) IsZero() bool {
	return !p.FetchDocument && len(p.IndexOnly) == 0 && len(p.Offsets) == 0
}

// PlanFor derives the enrichment an expression needs. Terms over
// indexOnlyFields are looked up in the field index; Within operands need
// offsets.
func PlanFor(e Expr, fetchDocument bool, indexOnlyFields ...string) EnrichPlan {
	p := EnrichPlan{FetchDocument: fetchDocument, Offsets: e.ProximityTerms()}
	for _, t := range e.Terms() {
		if slices.Contains(indexOnlyFields, t.Field) {
			p.IndexOnly = append(p.IndexOnly, t)
		}
	}
	return p
}

// StoreFetcher reads attributes from the shard layout through its own
// cursor.
type StoreFetcher struct {
	cur kv.Cursor
}

func NewStoreFetcher(cur kv.Cursor) *StoreFetcher {
	return &StoreFetcher{cur}
}

// DeepCopyFetchers returns a factory that gives each fetcher an independent
// copy of base.
func DeepCopyFetchers(base kv.Cursor) FetcherFactory {
	return func() (Fetcher, error) {
		c, err := base.DeepCopy()
		if err != nil {
			return nil, err
		}
		return NewStoreFetcher(c), nil
	}
}

func (f *StoreFetcher) Close() error {
	return f.cur.Close()
}

func (f *StoreFetcher) FetchDocument(ctx context.Context, shard []byte, ptr DocumentPointer) (*Document, error) {
	doc := NewDocument()
	start := DocumentKey(shard, ptr)
	end := start.FollowingKey(kv.PartialRowColFam)
	if err := f.cur.Seek(kv.RangeIE(start, end)); err != nil {
		return nil, fmt.Errorf("fetch %v: %w", ptr, err)
	}
	for f.cur.HasTop() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := f.cur.Key()
		field, value, ok := bytes.Cut(k.ColumnQualifier, []byte{sep})
		if !ok || len(field) == 0 {
			return nil, keyErrf(k, "document qualifier is not FIELD\\0value")
		}
		doc.Put(string(field), Attribute{Value: string(value), Source: k.Clone()})
		if err := f.cur.Next(); err != nil {
			return nil, fmt.Errorf("fetch %v: %w", ptr, err)
		}
	}
	return doc, nil
}

func (f *StoreFetcher) FetchIndexOnly(ctx context.Context, shard []byte, ptr DocumentPointer, terms []Term) ([]FieldAttribute, error) {
	var result []FieldAttribute
	for _, t := range terms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := FieldIndexKey(string(shard), t, ptr, kv.MaxTimestamp)
		end := start.FollowingKey(kv.PartialRowColFamColQual)
		if err := f.cur.Seek(kv.RangeIE(start, end)); err != nil {
			return nil, fmt.Errorf("fetch %v of %v: %w", t, ptr, err)
		}
		if f.cur.HasTop() {
			result = append(result, FieldAttribute{t.Field, Attribute{Value: t.Value, Source: f.cur.Key().Clone(), FromIndex: true}})
		}
	}
	return result, nil
}

func (f *StoreFetcher) FetchOffsets(ctx context.Context, shard []byte, ptr DocumentPointer, terms []Term) (map[Term][]int, error) {
	result := make(map[Term][]int, len(terms))
	for _, t := range terms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := TermFrequencyKey(string(shard), ptr, t, kv.MaxTimestamp)
		end := start.FollowingKey(kv.PartialRowColFamColQual)
		if err := f.cur.Seek(kv.RangeIE(start, end)); err != nil {
			return nil, fmt.Errorf("fetch offsets of %v in %v: %w", t, ptr, err)
		}
		var offsets []int
		for f.cur.HasTop() {
			offs, err := DecodeOffsets(f.cur.Value())
			if err != nil {
				return nil, fmt.Errorf("offsets of %v in %v: %w", t, ptr, err)
			}
			offsets = append(offsets, offs...)
			if err := f.cur.Next(); err != nil {
				return nil, err
			}
		}
		if offsets != nil {
			slices.Sort(offsets)
			result[t] = slices.Compact(offsets)
		}
	}
	return result, nil
}

// enrich applies plan to doc and b using f.
func enrich(ctx context.Context, f Fetcher, plan EnrichPlan, c Candidate, doc *Document, b *Bindings) error {
	if len(plan.IndexOnly) > 0 {
		attrs, err := f.FetchIndexOnly(ctx, c.Shard(), c.Pointer, plan.IndexOnly)
		if err != nil {
			return err
		}
		for _, fa := range attrs {
			doc.Put(fa.Field, fa.Attribute)
		}
	}
	if len(plan.Offsets) > 0 {
		offsets, err := f.FetchOffsets(ctx, c.Shard(), c.Pointer, plan.Offsets)
		if err != nil {
			return err
		}
		for _, t := range plan.Offsets {
			b.SetOffsets(t, offsets[t])
		}
	}
	return nil
}

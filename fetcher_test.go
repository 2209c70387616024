package shardq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/andreyvit/shardq/kv"
)

func fetcherShard() *shardBuilder {
	quick, fox := Term{"BODY", "quick"}, Term{"BODY", "fox"}
	b := newShard(testShard)
	b.doc(car("1"), "COLOR", "RED", "MAKE", "FORD", "BODY", "quick", "BODY", "fox")
	b.indexOnly(car("1"), "VIN", "X1")
	b.offsets(car("1"), quick, 1, 7)
	b.offsets(car("1"), fox, 3)
	b.doc(car("2"), "COLOR", "RED", "BODY", "quick", "BODY", "fox")
	b.indexOnly(car("2"), "VIN", "X2")
	b.offsets(car("2"), quick, 2)
	b.offsets(car("2"), fox, 30)
	b.doc(car("3"), "COLOR", "BLUE")
	return b
}

// forEachCursor runs fn against the same shard in memory and in Bolt.
func forEachCursor(t *testing.T, b *shardBuilder, fn func(t *testing.T, cur kv.Cursor)) {
	t.Run("mem", func(t *testing.T) {
		fn(t, memStore(b).NewCursor())
	})
	t.Run("bolt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shard.db")
		s := must(kv.OpenBolt(path, kv.BoltOptions{IsTesting: true}))
		defer s.Close()
		ensure(s.PutAll(b.entries))
		cur := must(s.NewCursor())
		defer cur.Close()
		fn(t, cur)
	})
}

func TestStoreFetcher(t *testing.T) {
	shard := []byte(testShard)
	quick, fox := Term{"BODY", "quick"}, Term{"BODY", "fox"}

	forEachCursor(t, fetcherShard(), func(t *testing.T, cur kv.Cursor) {
		f := NewStoreFetcher(cur)
		ctx := t.Context()

		doc := must(f.FetchDocument(ctx, shard, car("1")))
		deepEqual(t, doc.Fields(), []string{"BODY", "COLOR", "MAKE"})
		deepEqual(t, doc.Values("BODY"), []string{"fox", "quick"})
		if doc.Has("VIN", "X1") {
			t.Errorf("index-only field fetched with the document")
		}
		deepEqual(t, must(f.FetchDocument(ctx, shard, car("9"))).Len(), 0)

		attrs := must(f.FetchIndexOnly(ctx, shard, car("1"), []Term{{"VIN", "X1"}, {"VIN", "X2"}}))
		if len(attrs) != 1 {
			t.Fatalf("FetchIndexOnly = %v, wanted one attribute", attrs)
		}
		deepEqual(t, attrs[0].Field, "VIN")
		deepEqual(t, attrs[0].Value, "X1")
		if !attrs[0].FromIndex {
			t.Errorf("FromIndex = false")
		}

		offs := must(f.FetchOffsets(ctx, shard, car("1"), []Term{quick, fox, {"BODY", "dog"}}))
		deepEqual(t, offs, map[Term][]int{quick: {1, 7}, fox: {3}})
	})
}

func TestStoreFetcher_canceled(t *testing.T) {
	f := NewStoreFetcher(memStore(fetcherShard()).NewCursor())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := f.FetchOffsets(ctx, []byte(testShard), car("1"), []Term{{"BODY", "fox"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, wanted %v", err, context.Canceled)
	}
	if _, err := f.FetchDocument(ctx, []byte(testShard), car("1")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, wanted %v", err, context.Canceled)
	}
}

func TestStoreFetcher_corruptOffsets(t *testing.T) {
	b := newShard(testShard)
	b.doc(car("1"), "BODY", "fox")
	fox := Term{"BODY", "fox"}
	b.entries = append(b.entries, kv.Entry{Key: TermFrequencyKey(testShard, car("1"), fox, testTS), Value: []byte{0xc1}})
	f := NewStoreFetcher(memStore(b).NewCursor())

	_, err := f.FetchOffsets(t.Context(), []byte(testShard), car("1"), []Term{fox})
	var de *kv.DataError
	if !errors.As(err, &de) {
		t.Errorf("err = %v, wanted *kv.DataError", err)
	}
}

func TestEnrich(t *testing.T) {
	quick, fox, dog := Term{"BODY", "quick"}, Term{"BODY", "fox"}, Term{"BODY", "dog"}
	store := memStore(fetcherShard())
	f := NewStoreFetcher(store.NewCursor())
	plan := EnrichPlan{IndexOnly: []Term{{"VIN", "X1"}}, Offsets: []Term{quick, fox, dog}}

	c := Candidate{Key: DocumentKey([]byte(testShard), car("1")), Pointer: car("1")}
	doc := NewDocument()
	b := NewBindings()
	ensure(enrich(t.Context(), f, plan, c, doc, b))

	deepEqual(t, doc.Values("VIN"), []string{"X1"})
	deepEqual(t, must2(b.Offsets(quick)), []int{1, 7})
	offs, ok := b.Offsets(dog)
	if !ok || offs != nil {
		t.Errorf("Offsets(dog) = %v, %v, wanted nil, true", offs, ok)
	}
}

func must2[T any](v T, ok bool) T {
	if !ok {
		panic("missing")
	}
	return v
}

func TestEvaluator_enrichment(t *testing.T) {
	quick, fox := Term{"BODY", "quick"}, Term{"BODY", "fox"}
	store := memStore(fetcherShard())

	opt := evalOptions(2)
	opt.FetchDocument = true
	opt.IndexOnlyFields = []string{"VIN"}
	opt.Fetchers = DeepCopyFetchers(store.NewCursor())

	pred := And(Eq("COLOR", "RED"), Or(Eq("VIN", "X1"), Eq("VIN", "X2")), Within(4, quick, fox))
	src := PointerCandidates(testShard, car("1"), car("2"), car("3"))
	it := must(NewEvaluator(src, pred, opt))
	defer it.Close()

	results := collectResults(t, it)
	deepEqual(t, resultUIDs(results), []string{"1"})
	deepEqual(t, results[0].Document.Values("VIN"), []string{"X1"})
	deepEqual(t, results[0].Payload, any([]Term{red, {"VIN", "X1"}, quick, fox}))
}

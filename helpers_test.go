package shardq

import (
	"errors"
	"reflect"
	"testing"

	"github.com/andreyvit/shardq/kv"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	fn()
}

func assertMisuse(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		p := recover()
		if p == nil {
			t.Fatalf("expected panic")
		}
		err, ok := p.(error)
		if !ok || !errors.Is(err, ErrMisuse) {
			t.Fatalf("panic = %v, wanted ErrMisuse", p)
		}
	}()
	fn()
}

const testTS = 1700000000000

// shardBuilder assembles shard contents in the field index layout.
type shardBuilder struct {
	shard   string
	entries []kv.Entry
}

func newShard(shard string) *shardBuilder {
	return &shardBuilder{shard: shard}
}

func car(uid string) DocumentPointer {
	return DocumentPointer{"car", uid}
}

// doc adds a document with its event keys and field index keys. fields
// alternate name and value.
func (b *shardBuilder) doc(ptr DocumentPointer, fields ...string) *shardBuilder {
	return b.docAt(ptr, testTS, fields...)
}

func (b *shardBuilder) docAt(ptr DocumentPointer, ts int64, fields ...string) *shardBuilder {
	for i := 0; i+1 < len(fields); i += 2 {
		f, v := fields[i], fields[i+1]
		b.entries = append(b.entries,
			kv.Entry{Key: EventKey(b.shard, ptr, f, v, ts)},
			kv.Entry{Key: FieldIndexKey(b.shard, Term{f, v}, ptr, ts)})
	}
	return b
}

// indexOnly adds a field index key without a matching event key.
func (b *shardBuilder) indexOnly(ptr DocumentPointer, field, value string) *shardBuilder {
	b.entries = append(b.entries, kv.Entry{Key: FieldIndexKey(b.shard, Term{field, value}, ptr, testTS)})
	return b
}

func (b *shardBuilder) offsets(ptr DocumentPointer, t Term, offs ...int) *shardBuilder {
	b.entries = append(b.entries, kv.Entry{Key: TermFrequencyKey(b.shard, ptr, t, testTS), Value: EncodeOffsets(offs)})
	return b
}

func (b *shardBuilder) raw(k kv.Key) *shardBuilder {
	b.entries = append(b.entries, kv.Entry{Key: k})
	return b
}

func memStore(builders ...*shardBuilder) *kv.MemStore {
	s := kv.NewMemStore()
	for _, b := range builders {
		s.PutAll(b.entries)
	}
	return s
}

func uids(ptrs []DocumentPointer) []string {
	result := []string{}
	for _, p := range ptrs {
		result = append(result, p.UID)
	}
	return result
}

func scanAll(t testing.TB, s *FieldIndexScanner, r kv.Range) []DocumentPointer {
	t.Helper()
	var result []DocumentPointer
	ensure(s.Seek(r))
	for s.HasTop() {
		result = append(result, s.Pointer())
		ensure(s.Next())
	}
	return result
}

func collectResults(t testing.TB, it ResultIterator) []Result {
	t.Helper()
	var result []Result
	for it.Next(t.Context()) {
		result = append(result, it.Result())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	return result
}

func resultUIDs(results []Result) []string {
	result := []string{}
	for _, r := range results {
		result = append(result, r.Pointer.UID)
	}
	return result
}

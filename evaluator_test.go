package shardq

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andreyvit/shardq/kv"
)

// numberedCandidates returns n candidates whose documents carry their index
// in field N.
func numberedCandidates(n int) CandidateSource {
	cands := make([]Candidate, n)
	for i := range n {
		ptr := car(strconv.Itoa(i))
		doc := NewDocument()
		doc.Put("N", Attribute{Value: strconv.Itoa(i)})
		cands[i] = Candidate{Key: DocumentKey([]byte(testShard), ptr), Pointer: ptr, Document: doc}
	}
	return SliceCandidates(cands)
}

func docNumber(doc *Document) int {
	return must(strconv.Atoi(doc.Values("N")[0]))
}

func evalOptions(n int) Options {
	opt := DefaultOptions()
	opt.MaxPipelines = n
	return opt
}

func poolOf(it ResultIterator) *EvalPool {
	switch e := it.(type) {
	case *pipelinedEvaluator:
		return e.pool
	case *serialEvaluator:
		return e.pool
	default:
		panic(fmt.Errorf("unexpected iterator %T", it))
	}
}

func TestEvaluator_orderDespiteCompletionOrder(t *testing.T) {
	pred := PredicateFunc(func(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
		i := docNumber(doc)
		time.Sleep(time.Duration(10-i) * 2 * time.Millisecond)
		return i%2 == 1, nil, nil
	})
	it := must(NewEvaluator(numberedCandidates(10), pred, evalOptions(4)))
	defer it.Close()

	deepEqual(t, resultUIDs(collectResults(t, it)), []string{"1", "3", "5", "7", "9"})
	if hw := poolOf(it).HighWater(); hw > 4 {
		t.Errorf("HighWater = %d, wanted <= 4", hw)
	}
	if n := poolOf(it).Outstanding(); n != 0 {
		t.Errorf("Outstanding = %d, wanted 0", n)
	}
}

func TestEvaluator_concurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	pred := PredicateFunc(func(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return true, nil, nil
	})
	it := must(NewEvaluator(numberedCandidates(40), pred, evalOptions(3)))
	defer it.Close()

	if n := len(collectResults(t, it)); n != 40 {
		t.Fatalf("results = %d, wanted 40", n)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, wanted <= 3", p)
	}
	if hw := poolOf(it).HighWater(); hw > 3 {
		t.Errorf("HighWater = %d, wanted <= 3", hw)
	}
}

func TestEvaluator_matchesAreFilteredSubsequence(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	const n = 200
	match := make([]bool, n)
	var expected []string
	for i := range match {
		match[i] = rnd.IntN(3) == 0
		if match[i] {
			expected = append(expected, strconv.Itoa(i))
		}
	}
	pred := PredicateFunc(func(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
		i := docNumber(doc)
		if i%7 == 0 {
			time.Sleep(100 * time.Microsecond)
		}
		return match[i], i, nil
	})

	for _, serial := range []bool{false, true} {
		for _, pipelines := range []int{1, 2, 8} {
			t.Run(fmt.Sprintf("serial=%v/n=%d", serial, pipelines), func(t *testing.T) {
				opt := evalOptions(pipelines)
				opt.SerialPipeline = serial
				opt.MaxCachedResults = 3
				it := must(NewEvaluator(numberedCandidates(n), pred, opt))
				defer it.Close()

				results := collectResults(t, it)
				deepEqual(t, resultUIDs(results), expected)
				for _, r := range results {
					if r.Payload != must(strconv.Atoi(r.Pointer.UID)) {
						t.Errorf("payload of %v = %v", r.Pointer, r.Payload)
					}
				}
			})
		}
	}
}

func TestEvaluator_cancel(t *testing.T) {
	pred := PredicateFunc(func(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
		time.Sleep(2 * time.Millisecond)
		return true, nil, nil
	})
	it := must(NewEvaluator(numberedCandidates(20), pred, evalOptions(4)))

	ctx, cancel := context.WithCancel(t.Context())
	for i := range 3 {
		if !it.Next(ctx) {
			t.Fatalf("Next #%d = false, err = %v", i, it.Err())
		}
	}
	cancel()
	if it.Next(ctx) {
		t.Fatalf("Next after cancel = true")
	}
	if err := it.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Err = %v, wanted %v", err, context.Canceled)
	}
	if n := poolOf(it).Outstanding(); n != 0 {
		t.Errorf("Outstanding = %d, wanted 0", n)
	}
	ensure(it.Close())
	ensure(it.Close())
	if it.Next(t.Context()) {
		t.Errorf("Next after Close = true")
	}
}

func TestEvaluator_cancelWhileWaiting(t *testing.T) {
	pred := PredicateFunc(func(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
		if docNumber(doc) == 0 {
			time.Sleep(50 * time.Millisecond)
		}
		return true, nil, nil
	})
	it := must(NewEvaluator(numberedCandidates(10), pred, evalOptions(4)))
	defer it.Close()

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(5*time.Millisecond, cancel)
	if it.Next(ctx) {
		t.Fatalf("Next = true, wanted cancellation while the head is running")
	}
	if err := it.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Err = %v, wanted %v", err, context.Canceled)
	}
	if n := poolOf(it).Outstanding(); n != 0 {
		t.Errorf("Outstanding = %d, wanted 0", n)
	}
}

func TestEvaluator_serialCancel(t *testing.T) {
	it := must(NewEvaluator(numberedCandidates(5), True(), Options{MaxPipelines: 4, MaxCachedResults: 1, SerialPipeline: true}))
	ctx, cancel := context.WithCancel(t.Context())
	if !it.Next(ctx) {
		t.Fatalf("Next = false, err = %v", it.Err())
	}
	cancel()
	if it.Next(ctx) {
		t.Fatalf("Next after cancel = true")
	}
	if err := it.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Err = %v, wanted %v", err, context.Canceled)
	}
	if c := poolOf(it).Capacity(); c != 1 {
		t.Errorf("serial Capacity = %d, wanted 1", c)
	}
	ensure(it.Close())
}

func TestEvaluator_predicateError(t *testing.T) {
	for _, serial := range []bool{false, true} {
		t.Run(fmt.Sprintf("serial=%v", serial), func(t *testing.T) {
			pred := PredicateFunc(func(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
				if docNumber(doc) == 2 {
					return false, nil, errBoom
				}
				return true, nil, nil
			})
			opt := evalOptions(4)
			opt.SerialPipeline = serial
			it := must(NewEvaluator(numberedCandidates(10), pred, opt))
			defer it.Close()

			var got []string
			for it.Next(t.Context()) {
				got = append(got, it.Result().Pointer.UID)
			}
			deepEqual(t, got, []string{"0", "1"})
			if err := it.Err(); !errors.Is(err, errBoom) {
				t.Errorf("Err = %v, wanted %v", err, errBoom)
			}
			if n := poolOf(it).Outstanding(); n != 0 {
				t.Errorf("Outstanding = %d, wanted 0", n)
			}
		})
	}
}

func TestEvaluator_predicatePanic(t *testing.T) {
	pred := PredicateFunc(func(_ context.Context, doc *Document, b *Bindings) (bool, any, error) {
		if docNumber(doc) == 1 {
			panic("kaboom")
		}
		return true, nil, nil
	})
	it := must(NewEvaluator(numberedCandidates(10), pred, evalOptions(4)))
	defer it.Close()

	for it.Next(t.Context()) {
	}
	var wp *WorkerPanicError
	if !errors.As(it.Err(), &wp) {
		t.Fatalf("Err = %v, wanted *WorkerPanicError", it.Err())
	}
	deepEqual(t, wp.Stage, "evaluate")
	deepEqual(t, wp.Reason, any("kaboom"))
}

type sourceFunc func() (Candidate, bool, error)

func (f sourceFunc) Next() (Candidate, bool, error) { return f() }

func TestEvaluator_sourceError(t *testing.T) {
	inner := numberedCandidates(3)
	calls := 0
	src := sourceFunc(func() (Candidate, bool, error) {
		calls++
		if calls > 3 {
			return Candidate{}, false, errBoom
		}
		return inner.Next()
	})
	it := must(NewEvaluator(src, True(), evalOptions(2)))
	defer it.Close()

	n := 0
	for it.Next(t.Context()) {
		n++
	}
	if !errors.Is(it.Err(), errBoom) {
		t.Errorf("Err = %v, wanted %v", it.Err(), errBoom)
	}
	if n > 3 {
		t.Errorf("results = %d, wanted <= 3", n)
	}
	if o := poolOf(it).Outstanding(); o != 0 {
		t.Errorf("Outstanding = %d, wanted 0", o)
	}
}

type goExecutor struct {
	wg      sync.WaitGroup
	submits atomic.Int32
	failAt  int32
}

func (x *goExecutor) Submit(task func()) error {
	n := x.submits.Add(1)
	if x.failAt > 0 && n >= x.failAt {
		return errBoom
	}
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		task()
	}()
	return nil
}

func TestEvaluator_customExecutor(t *testing.T) {
	x := &goExecutor{}
	opt := evalOptions(3)
	opt.Executor = x
	it := must(NewEvaluator(numberedCandidates(12), True(), opt))

	if n := len(collectResults(t, it)); n != 12 {
		t.Errorf("results = %d, wanted 12", n)
	}
	ensure(it.Close())
	x.wg.Wait()
	if n := x.submits.Load(); n != 12 {
		t.Errorf("submits = %d, wanted 12", n)
	}
}

func TestEvaluator_submitFailure(t *testing.T) {
	x := &goExecutor{failAt: 5}
	opt := evalOptions(3)
	opt.Executor = x
	it := must(NewEvaluator(numberedCandidates(12), True(), opt))
	defer it.Close()

	for it.Next(t.Context()) {
	}
	if !errors.Is(it.Err(), errBoom) {
		t.Errorf("Err = %v, wanted %v", it.Err(), errBoom)
	}
	if o := poolOf(it).Outstanding(); o != 0 {
		t.Errorf("Outstanding = %d, wanted 0", o)
	}
	x.wg.Wait()
}

func TestEvaluator_closeBeforeAndAfter(t *testing.T) {
	it := must(NewEvaluator(numberedCandidates(3), True(), evalOptions(2)))
	ensure(it.Close())
	if it.Next(t.Context()) {
		t.Errorf("Next after Close = true")
	}
	if err := it.Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("Err = %v, wanted %v", err, ErrClosed)
	}

	for _, serial := range []bool{false, true} {
		opt := evalOptions(2)
		opt.SerialPipeline = serial
		it = must(NewEvaluator(numberedCandidates(5), True(), opt))
		if !it.Next(t.Context()) {
			t.Fatalf("Next = false, err = %v", it.Err())
		}
		ensure(it.Close())
		if it.Next(t.Context()) {
			t.Errorf("serial=%v: Next after Close = true", serial)
		}
		if err := it.Err(); !errors.Is(err, ErrClosed) {
			t.Errorf("serial=%v: Err = %v, wanted %v", serial, err, ErrClosed)
		}
	}

	it = must(NewEvaluator(numberedCandidates(3), True(), evalOptions(2)))
	deepEqual(t, len(collectResults(t, it)), 3)
	ensure(it.Close())
	ensure(it.Close())
	if it.Err() != nil {
		t.Errorf("Err = %v, wanted nil", it.Err())
	}
}

func TestEvaluator_invalidOptions(t *testing.T) {
	opt := evalOptions(0)
	if _, err := NewEvaluator(numberedCandidates(1), True(), opt); err == nil {
		t.Errorf("NewEvaluator with max_pipelines=0 succeeded")
	}
	opt = evalOptions(2)
	opt.FetchDocument = true
	if _, err := NewEvaluator(numberedCandidates(1), True(), opt); err == nil {
		t.Errorf("NewEvaluator planning a fetch without fetchers succeeded")
	}
}

func TestEvaluator_scannerCandidatesWithFetch(t *testing.T) {
	b := newShard(testShard)
	b.doc(car("1"), "COLOR", "RED", "MAKE", "FORD")
	b.doc(car("2"), "COLOR", "RED", "MAKE", "KIA")
	b.doc(car("3"), "COLOR", "BLUE", "MAKE", "FORD")
	b.doc(car("4"), "COLOR", "RED", "MAKE", "FORD", "WHEELS", "4")
	store := memStore(b)

	for _, serial := range []bool{false, true} {
		t.Run(fmt.Sprintf("serial=%v", serial), func(t *testing.T) {
			opt := evalOptions(2)
			opt.SerialPipeline = serial
			opt.FetchDocument = true
			opt.Fetchers = DeepCopyFetchers(store.NewCursor())

			s := NewFieldIndexScanner(red, store.NewCursor(), opt.ScannerOptions())
			defer s.Close()
			pred := And(Eq("COLOR", "RED"), Eq("MAKE", "FORD"))
			it := must(NewEvaluator(s.Candidates(kv.RangeAll()), pred, opt))
			defer it.Close()

			results := collectResults(t, it)
			deepEqual(t, resultUIDs(results), []string{"1", "4"})
			deepEqual(t, results[1].Document.Values("WHEELS"), []string{"4"})
			if !results[0].Document.Sealed() {
				t.Errorf("result document not sealed")
			}
			deepEqual(t, results[0].Payload, any([]Term{red, {"MAKE", "FORD"}}))
		})
	}
}

func TestEvaluator_documentIndexedAtSeveralTimestamps(t *testing.T) {
	b := newShard(testShard)
	b.docAt(car("1"), 300, "COLOR", "RED")
	b.docAt(car("1"), 200, "COLOR", "RED")
	b.docAt(car("2"), 100, "COLOR", "RED")
	store := memStore(b)

	for _, serial := range []bool{false, true} {
		t.Run(fmt.Sprintf("serial=%v", serial), func(t *testing.T) {
			s := NewFieldIndexScanner(red, store.NewCursor(), ScannerOptions{})
			defer s.Close()
			opt := evalOptions(2)
			opt.SerialPipeline = serial
			it := must(NewEvaluator(s.Candidates(kv.RangeAll()), True(), opt))
			defer it.Close()

			deepEqual(t, resultUIDs(collectResults(t, it)), []string{"1", "2"})
		})
	}
}

func TestEvaluator_closeCancelsRunningPredicates(t *testing.T) {
	var canceled atomic.Int32
	pred := PredicateFunc(func(ctx context.Context, doc *Document, b *Bindings) (bool, any, error) {
		if docNumber(doc) == 0 {
			return true, nil, nil
		}
		select {
		case <-ctx.Done():
			canceled.Add(1)
			return false, nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return true, nil, nil
		}
	})
	it := must(NewEvaluator(numberedCandidates(10), pred, evalOptions(4)))
	if !it.Next(t.Context()) {
		t.Fatalf("Next = false, err = %v", it.Err())
	}

	start := time.Now()
	ensure(it.Close())
	if d := time.Since(start); d > time.Second {
		t.Errorf("Close took %v, wanted the running predicates to be canceled", d)
	}
	if n := canceled.Load(); n == 0 {
		t.Errorf("no predicate observed the cancellation")
	}
	if n := poolOf(it).Outstanding(); n != 0 {
		t.Errorf("Outstanding = %d, wanted 0", n)
	}
}

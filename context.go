package shardq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type outcome int

const (
	outcomePending outcome = iota
	outcomeMatch
	outcomeNoMatch
	outcomeFailed
	// outcomeCanceled marks an evaluation that stopped because its context
	// was canceled. It never counts as a non-match.
	outcomeCanceled
)

func (o outcome) String() string {
	switch o {
	case outcomePending:
		return "pending"
	case outcomeMatch:
		return "match"
	case outcomeNoMatch:
		return "no_match"
	case outcomeFailed:
		return "failed"
	case outcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome%d", int(o))
	}
}

// EvalContext is a reusable evaluation slot. It is bound to one candidate,
// run exactly once, and cleared when checked back into its pool. It is not
// safe for concurrent use; ownership passes between goroutines only through
// the pool and the evaluator's completion signal.
type EvalContext struct {
	pool    *EvalPool
	slot    int
	pred    Predicate
	plan    EnrichPlan
	fetcher Fetcher
	own     *Bindings
	metrics *Metrics

	checkedOut bool
	bound      bool
	ran        bool
	candidate  Candidate
	bindings   *Bindings
	result     *Result
	outcome    outcome
}

// Bind assigns a candidate and its bindings. A nil b selects the context's
// own reusable bindings.
func (ec *EvalContext) Bind(c Candidate, b *Bindings) {
	if ec.bound {
		panic(misusef("Bind(%v) on a context already bound to %v", c.Pointer, ec.candidate.Pointer))
	}
	if b == nil {
		b = ec.own
	}
	ec.candidate, ec.bindings, ec.bound = c, b, true
}

func (ec *EvalContext) Candidate() Candidate {
	return ec.candidate
}

// Run fetches and enriches the bound document as planned, then evaluates the
// predicate. It records a result on a match. A panic in the predicate or the
// fetcher is returned as a *WorkerPanicError.
func (ec *EvalContext) Run(ctx context.Context) error {
	if !ec.bound {
		panic(misusef("Run on an unbound context"))
	}
	if ec.ran {
		panic(misusef("Run twice for %v", ec.candidate.Pointer))
	}
	ec.ran = true

	start := time.Now()
	err := safelyCall("evaluate", ec.slot, func() error {
		return ec.run(ctx)
	})
	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		ec.outcome = outcomeCanceled
	case err != nil:
		ec.outcome = outcomeFailed
	case ec.result != nil:
		ec.outcome = outcomeMatch
	default:
		ec.outcome = outcomeNoMatch
	}
	ec.metrics.evaluated(ec.outcome, time.Since(start))
	return err
}

func (ec *EvalContext) run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := ec.candidate
	doc := NewDocument()
	doc.Merge(c.Document)

	if ec.plan.FetchDocument {
		fetched, err := ec.fetcher.FetchDocument(ctx, c.Shard(), c.Pointer)
		if err != nil {
			return err
		}
		doc.Merge(fetched)
	}
	if err := enrich(ctx, ec.fetcher, ec.plan, c, doc, ec.bindings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	doc.Seal()

	ok, payload, err := ec.pred.Evaluate(ctx, doc, ec.bindings)
	if err != nil {
		return fmt.Errorf("evaluate %v: %w", c.Pointer, err)
	}
	if ok {
		ec.result = &Result{Key: c.Key, Pointer: c.Pointer, Document: doc, Payload: payload}
	}
	return nil
}

// Result returns the match recorded by Run, or nil.
func (ec *EvalContext) Result() *Result {
	return ec.result
}

// Clear unbinds all state.
func (ec *EvalContext) Clear() {
	if ec.bindings == ec.own {
		ec.own.Reset()
	}
	ec.candidate = Candidate{}
	ec.bindings = nil
	ec.bound, ec.ran = false, false
	ec.result = nil
	ec.outcome = outcomePending
}

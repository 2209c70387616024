package shardq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ResultIterator is a lazy, forward-only stream of matches.
//
//	for it.Next(ctx) {
//		r := it.Result()
//	}
//	if err := it.Err(); err != nil { ... }
//
// Next returns false once the stream is exhausted, on the first fatal error,
// or when ctx is canceled; Err then returns the error (ctx.Err() for a
// cancellation). Close stops the stream early, releasing every resource; it
// is idempotent and safe after exhaustion. Calling Next on a stream stopped
// by Close makes Err return ErrClosed.
type ResultIterator interface {
	Next(ctx context.Context) bool
	Result() Result
	Err() error
	Close() error
}

// NewEvaluator evaluates pred against the candidates of src and yields the
// matches in candidate order. With SerialPipeline or MaxPipelines <= 1 the
// evaluation runs inline on the goroutine calling Next; otherwise up to
// MaxPipelines candidates are evaluated concurrently.
func NewEvaluator(src CandidateSource, pred Predicate, opt Options) (ResultIterator, error) {
	if err := opt.validateEvaluator(); err != nil {
		return nil, err
	}
	serial := opt.SerialPipeline || opt.MaxPipelines <= 1
	n := opt.MaxPipelines
	if serial {
		n = 1
	}
	pool, err := NewEvalPool(n, pred, PoolOptions{
		Plan:     opt.planFor(pred),
		Fetchers: opt.Fetchers,
		Metrics:  opt.Metrics,
	})
	if err != nil {
		return nil, err
	}

	base := evalBase{
		id:     uuid.NewString(),
		src:    src,
		pool:   pool,
		logger: defaultLogger(opt.Logger),
	}
	base.logger = base.logger.With("evaluator", base.id)
	if serial {
		return &serialEvaluator{evalBase: base}, nil
	}

	e := &pipelinedEvaluator{evalBase: base, exec: opt.Executor, maxCached: opt.MaxCachedResults}
	if e.exec == nil {
		p, err := newAntsExecutor(n, e.logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("executor: %w", err)
		}
		e.exec, e.ownExec = p, p
	}
	return e, nil
}

type evalBase struct {
	id      string
	src     CandidateSource
	pool    *EvalPool
	logger  *slog.Logger
	span    trace.Span
	started bool
	closed  bool
	cur     Result
	err     error

	// abandoned is set when Close stops a stream that has not finished.
	abandoned bool
}

func (e *evalBase) start(ctx context.Context, variant string) context.Context {
	e.started = true
	ctx, e.span = tracer.Start(ctx, "shardq.Evaluate", trace.WithAttributes(
		attribute.String("evaluator", e.id),
		attribute.String("variant", variant),
		attribute.Int("max_pipelines", e.pool.Capacity()),
	))
	e.logger.LogAttrs(ctx, slog.LevelDebug, "evaluator: start", slog.String("variant", variant), slog.Int("max_pipelines", e.pool.Capacity()))
	return ctx
}

func (e *evalBase) Result() Result {
	return e.cur
}

func (e *evalBase) Err() error {
	return e.err
}

// nextAfterClose reports the end of a closed stream.
func (e *evalBase) nextAfterClose() bool {
	if e.abandoned && e.err == nil {
		e.err = ErrClosed
	}
	return false
}

// finish releases the pool and ends the span. The caller has already
// checked every context back in.
func (e *evalBase) finish() {
	e.closed = true
	e.cur = Result{}
	if err := e.pool.Close(); err != nil && e.err == nil {
		e.err = err
	}
	level := slog.LevelDebug
	if e.err != nil && !isCancellation(e.err) {
		level = slog.LevelError
	}
	e.logger.LogAttrs(context.Background(), level, "evaluator: done", slog.Any("err", e.err), slog.Int("high_water", e.pool.HighWater()))
	if e.span != nil {
		endSpan(e.span, e.err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// serialEvaluator runs each evaluation inline within Next, using a single
// context.
type serialEvaluator struct {
	evalBase
}

func (e *serialEvaluator) Next(ctx context.Context) bool {
	if e.closed {
		return e.nextAfterClose()
	}
	if !e.started {
		ctx = e.start(ctx, "serial")
	}
	for {
		if err := ctx.Err(); err != nil {
			e.fail(err)
			return false
		}
		c, ok, err := e.src.Next()
		if err != nil {
			e.fail(fmt.Errorf("candidates: %w", err))
			return false
		}
		if !ok {
			e.finish()
			return false
		}

		ec := e.pool.CheckOut(c, nil)
		err = ec.Run(ctx)
		var r Result
		matched := ec.Result() != nil
		if matched {
			r = *ec.Result()
		}
		e.pool.CheckIn(ec)
		if err != nil {
			e.fail(err)
			return false
		}
		if matched {
			e.cur = r
			return true
		}
	}
}

func (e *serialEvaluator) fail(err error) {
	e.err = err
	e.finish()
}

func (e *serialEvaluator) Close() error {
	if !e.closed {
		e.abandoned = true
		e.finish()
	}
	return nil
}

// inflight is one submitted evaluation. done is closed when the context's
// outcome is final.
type inflight struct {
	ec   *EvalContext
	done chan struct{}
	err  error
}

func (fl *inflight) isDone() bool {
	select {
	case <-fl.done:
		return true
	default:
		return false
	}
}

// pipelinedEvaluator keeps up to pool capacity evaluations in flight. The
// in-flight queue is FIFO in candidate order, and a head is only moved to
// the result buffer once complete, so matches come out in candidate order
// however the evaluations interleave.
type pipelinedEvaluator struct {
	evalBase
	exec      Executor
	ownExec   *ants.Pool
	maxCached int

	// runCtx governs running evaluations; canceled on shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc

	queue   []*inflight
	results []Result
	srcDone bool
}

func (e *pipelinedEvaluator) Next(ctx context.Context) bool {
	if e.closed {
		return e.nextAfterClose()
	}
	if err := ctx.Err(); err != nil {
		e.fail(err)
		return false
	}
	if !e.started {
		spanCtx := e.start(ctx, "pipelined")
		e.runCtx, e.cancelRun = context.WithCancel(context.WithoutCancel(spanCtx))
		for len(e.queue) < e.pool.Capacity() && !e.srcDone {
			if err := e.submitNext(); err != nil {
				e.fail(err)
				return false
			}
		}
	}

	for len(e.results) == 0 {
		if len(e.queue) == 0 {
			e.shutdown()
			return false
		}
		select {
		case <-e.queue[0].done:
		case <-ctx.Done():
			e.fail(ctx.Err())
			return false
		}
		if err := e.collect(); err != nil {
			e.fail(err)
			return false
		}
	}
	for len(e.results) < e.maxCached && len(e.queue) > 0 && e.queue[0].isDone() {
		if err := e.collect(); err != nil {
			e.fail(err)
			return false
		}
	}

	e.cur = e.results[0]
	e.results[0] = Result{}
	e.results = e.results[1:]
	return true
}

// collect pops the completed head of the queue, checks its context in and
// keeps the pipeline full.
func (e *pipelinedEvaluator) collect() error {
	fl := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]

	var r Result
	var err error
	switch fl.ec.outcome {
	case outcomeMatch:
		r = *fl.ec.Result()
	case outcomeNoMatch:
	case outcomeFailed, outcomeCanceled:
		err = fl.err
	default:
		panic(fmt.Errorf("evaluation of %v completed with outcome %v", fl.ec.candidate.Pointer, fl.ec.outcome))
	}
	matched := fl.ec.outcome == outcomeMatch
	e.pool.CheckIn(fl.ec)
	if err != nil {
		return err
	}
	if matched {
		e.results = append(e.results, r)
	}
	if !e.srcDone {
		return e.submitNext()
	}
	return nil
}

func (e *pipelinedEvaluator) submitNext() error {
	c, ok, err := e.src.Next()
	if err != nil {
		return fmt.Errorf("candidates: %w", err)
	}
	if !ok {
		e.srcDone = true
		return nil
	}
	fl := &inflight{ec: e.pool.CheckOut(c, nil), done: make(chan struct{})}
	runCtx := e.runCtx
	err = e.exec.Submit(func() {
		defer close(fl.done)
		fl.err = fl.ec.Run(runCtx)
	})
	if err != nil {
		e.pool.CheckIn(fl.ec)
		return fmt.Errorf("submit %v: %w", c.Pointer, err)
	}
	e.queue = append(e.queue, fl)
	return nil
}

func (e *pipelinedEvaluator) fail(err error) {
	e.err = err
	e.shutdown()
}

// shutdown cancels outstanding evaluations, waits for them to observe the
// cancellation and returns their contexts to the pool. Their results are
// discarded.
func (e *pipelinedEvaluator) shutdown() {
	if e.closed {
		return
	}
	if e.cancelRun != nil {
		e.cancelRun()
	}
	for _, fl := range e.queue {
		<-fl.done
		e.pool.CheckIn(fl.ec)
	}
	e.queue = nil
	e.results = nil
	if e.ownExec != nil {
		if err := e.ownExec.ReleaseTimeout(executorReleaseTimeout); err != nil {
			e.logger.LogAttrs(context.Background(), slog.LevelWarn, "evaluator: executor release", slog.Any("err", err))
		}
	}
	e.finish()
}

func (e *pipelinedEvaluator) Close() error {
	if !e.closed {
		e.abandoned = true
		e.shutdown()
	}
	return nil
}

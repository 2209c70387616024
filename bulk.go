package shardq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	stageFeed      = "feed"
	stageAggregate = "aggregate"
	stageEnrich    = "enrich"
	stageEvaluate  = "evaluate"
)

type bulkItem struct {
	cand     Candidate
	doc      *Document
	bindings *Bindings
}

// BulkPipeline evaluates a predicate over a list of documents with dedicated
// stage workers: aggregate fetches each document, enrich adds index-only
// fields and offsets, evaluate runs the predicate. Stages hand items over
// through bounded queues. Matches are delivered as they are found, not in
// input order.
type BulkPipeline struct {
	id       string
	shard    []byte
	ids      []DocumentPointer
	pred     Predicate
	plan     EnrichPlan
	workers  StageWorkers
	fetchers FetcherFactory
	logger   *slog.Logger
	metrics  *Metrics

	pending    *stageQueue[DocumentPointer]
	aggregated *stageQueue[bulkItem]
	enriched   *stageQueue[bulkItem]
	out        *stageQueue[Result]

	feedDone      atomic.Bool
	aggregateDone atomic.Bool
	enrichDone    atomic.Bool
	evaluateDone  atomic.Bool

	started  bool
	closed   bool
	cancel   context.CancelFunc
	finished chan struct{}
	runErr   error
	span     trace.Span
	cur      Result
	err      error

	abandoned bool
}

var _ ResultIterator = (*BulkPipeline)(nil)

func NewBulkPipeline(shard string, ids []DocumentPointer, pred Predicate, opt Options) (*BulkPipeline, error) {
	if err := opt.validateBulk(); err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, errors.New("nil predicate")
	}
	if opt.Fetchers == nil {
		return nil, errors.New("bulk pipeline needs fetchers")
	}
	p := &BulkPipeline{
		id:       uuid.NewString(),
		shard:    []byte(shard),
		ids:      ids,
		pred:     pred,
		plan:     opt.planFor(pred),
		workers:  opt.BulkWorkers,
		fetchers: opt.Fetchers,
		metrics:  opt.Metrics,
		finished: make(chan struct{}),
	}
	p.logger = defaultLogger(opt.Logger).With("pipeline", p.id)
	size, timeout := opt.BulkQueueSize, opt.BulkQueueTimeout
	p.pending = newStageQueue[DocumentPointer](stageAggregate, size, timeout, p.metrics)
	p.aggregated = newStageQueue[bulkItem](stageEnrich, size, timeout, p.metrics)
	p.enriched = newStageQueue[bulkItem](stageEvaluate, size, timeout, p.metrics)
	p.out = newStageQueue[Result]("output", size, timeout, p.metrics)
	return p, nil
}

func (p *BulkPipeline) start(ctx context.Context) {
	p.started = true
	spanCtx, span := tracer.Start(ctx, "shardq.BulkPipeline", trace.WithAttributes(
		attribute.String("pipeline", p.id),
		attribute.String("shard", string(p.shard)),
		attribute.Int("documents", len(p.ids)),
	))
	p.span = span
	runCtx, cancel := context.WithCancel(context.WithoutCancel(spanCtx))
	p.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)

	p.logger.LogAttrs(ctx, slog.LevelDebug, "bulk: start",
		slog.Int("documents", len(p.ids)),
		slog.Int("aggregate_workers", p.workers.Aggregate),
		slog.Int("enrich_workers", p.workers.Enrich),
		slog.Int("evaluate_workers", p.workers.Evaluate))

	p.runStage(gctx, g, stageFeed, 1, &p.feedDone, p.runFeed)
	p.runStage(gctx, g, stageAggregate, p.workers.Aggregate, &p.aggregateDone, p.runAggregate)
	p.runStage(gctx, g, stageEnrich, p.workers.Enrich, &p.enrichDone, p.runEnrich)
	p.runStage(gctx, g, stageEvaluate, p.workers.Evaluate, &p.evaluateDone, p.runEvaluate)

	go func() {
		p.runErr = g.Wait()
		close(p.finished)
	}()
}

// runStage starts the workers of one stage. The last worker to exit sets
// done, which downstream workers check once their input queue is empty.
func (p *BulkPipeline) runStage(ctx context.Context, g *errgroup.Group, stage string, workers int, done *atomic.Bool, work func(ctx context.Context, worker int) (int, error)) {
	var live atomic.Int32
	live.Store(int32(workers))
	for i := range workers {
		g.Go(func() error {
			defer func() {
				if live.Add(-1) == 0 {
					done.Store(true)
				}
			}()
			var processed int
			err := safelyCall(stage, i, func() error {
				var err error
				processed, err = work(ctx, i)
				return err
			})
			var wp *WorkerPanicError
			if errors.As(err, &wp) {
				p.logger.LogAttrs(ctx, slog.LevelError, "bulk: worker panic", slog.String("stage", stage), slog.Int("worker", i), slog.Any("panic", wp.Reason))
			}
			p.logger.LogAttrs(ctx, slog.LevelDebug, "bulk: worker exit", slog.String("stage", stage), slog.Int("worker", i), slog.Int("processed", processed), slog.Any("err", err))
			return err
		})
	}
}

// drain feeds handle with items from in until in is empty and upstream is
// done. Items arriving after upstream signals completion are still drained.
func drain[T any](ctx context.Context, in *stageQueue[T], upstreamDone *atomic.Bool, handle func(T) error) (int, error) {
	n := 0
	for {
		v, ok, err := in.poll(ctx)
		if err != nil {
			return n, err
		}
		if ok {
			if err := handle(v); err != nil {
				return n, err
			}
			n++
			continue
		}
		if upstreamDone.Load() && in.len() == 0 {
			return n, nil
		}
	}
}

func (p *BulkPipeline) runFeed(ctx context.Context, worker int) (int, error) {
	for i, ptr := range p.ids {
		if err := p.pending.offer(ctx, ptr); err != nil {
			return i, err
		}
	}
	return len(p.ids), nil
}

func (p *BulkPipeline) runAggregate(ctx context.Context, worker int) (int, error) {
	f, err := p.fetchers()
	if err != nil {
		return 0, fmt.Errorf("fetcher: %w", err)
	}
	defer f.Close()
	return drain(ctx, p.pending, &p.feedDone, func(ptr DocumentPointer) error {
		doc, err := f.FetchDocument(ctx, p.shard, ptr)
		if err != nil {
			return err
		}
		p.metrics.stageProcessed(stageAggregate)
		cand := Candidate{Key: DocumentKey(p.shard, ptr), Pointer: ptr}
		return p.aggregated.offer(ctx, bulkItem{cand: cand, doc: doc})
	})
}

func (p *BulkPipeline) runEnrich(ctx context.Context, worker int) (int, error) {
	f, err := p.fetchers()
	if err != nil {
		return 0, fmt.Errorf("fetcher: %w", err)
	}
	defer f.Close()
	return drain(ctx, p.aggregated, &p.aggregateDone, func(item bulkItem) error {
		item.bindings = NewBindings()
		if err := enrich(ctx, f, p.plan, item.cand, item.doc, item.bindings); err != nil {
			return err
		}
		p.metrics.stageProcessed(stageEnrich)
		return p.enriched.offer(ctx, item)
	})
}

func (p *BulkPipeline) runEvaluate(ctx context.Context, worker int) (int, error) {
	return drain(ctx, p.enriched, &p.enrichDone, func(item bulkItem) error {
		item.doc.Seal()
		ok, payload, err := p.pred.Evaluate(ctx, item.doc, item.bindings)
		if err != nil {
			return fmt.Errorf("evaluate %v: %w", item.cand.Pointer, err)
		}
		p.metrics.stageProcessed(stageEvaluate)
		if !ok {
			return nil
		}
		return p.out.offer(ctx, Result{Key: item.cand.Key, Pointer: item.cand.Pointer, Document: item.doc, Payload: payload})
	})
}

func (p *BulkPipeline) Next(ctx context.Context) bool {
	if p.closed {
		if p.abandoned && p.err == nil {
			p.err = ErrClosed
		}
		return false
	}
	if err := ctx.Err(); err != nil {
		p.fail(err)
		return false
	}
	if !p.started {
		p.start(ctx)
	}
	for {
		r, ok, err := p.out.poll(ctx)
		if err != nil {
			p.fail(err)
			return false
		}
		if ok {
			p.cur = r
			return true
		}
		if p.evaluateDone.Load() && p.out.len() == 0 {
			<-p.finished
			if p.runErr != nil {
				p.fail(p.runErr)
				return false
			}
			if p.out.len() == 0 {
				p.shutdown()
				return false
			}
			continue
		}
		select {
		case <-p.finished:
			if p.runErr != nil {
				p.fail(p.runErr)
				return false
			}
		default:
		}
	}
}

func (p *BulkPipeline) Result() Result {
	return p.cur
}

func (p *BulkPipeline) Err() error {
	return p.err
}

func (p *BulkPipeline) fail(err error) {
	p.err = err
	p.shutdown()
}

// shutdown stops every stage and waits for the workers to exit.
func (p *BulkPipeline) shutdown() {
	if p.closed {
		return
	}
	p.closed = true
	p.cur = Result{}
	if !p.started {
		return
	}
	p.cancel()
	<-p.finished
	level := slog.LevelDebug
	if p.err != nil && !isCancellation(p.err) {
		level = slog.LevelError
	}
	p.logger.LogAttrs(context.Background(), level, "bulk: done", slog.Any("err", p.err))
	endSpan(p.span, p.err)
}

func (p *BulkPipeline) Close() error {
	if !p.closed {
		p.abandoned = true
		p.shutdown()
	}
	return nil
}

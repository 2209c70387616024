package shardq

import (
	"errors"
	"fmt"
	"sync"
)

type PoolOptions struct {
	Plan EnrichPlan
	// Fetchers creates one fetcher per context. Required when Plan is not
	// empty.
	Fetchers FetcherFactory
	Metrics  *Metrics
}

// EvalPool holds a fixed number of evaluation contexts. Its capacity is the
// hard bound on concurrent evaluations; checking out more is a programming
// error.
type EvalPool struct {
	mu          sync.Mutex
	contexts    []*EvalContext
	free        []*EvalContext
	outstanding int
	highWater   int
	metrics     *Metrics
	closed      bool
}

func NewEvalPool(capacity int, pred Predicate, opt PoolOptions) (*EvalPool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity %d, must be at least 1", capacity)
	}
	if pred == nil {
		return nil, errors.New("nil predicate")
	}
	if !opt.Plan.IsZero() && opt.Fetchers == nil {
		return nil, errors.New("enrichment planned but no fetchers given")
	}

	p := &EvalPool{metrics: opt.Metrics}
	for i := range capacity {
		ec := &EvalContext{
			pool:    p,
			slot:    i,
			pred:    pred,
			plan:    opt.Plan,
			own:     NewBindings(),
			metrics: opt.Metrics,
		}
		if opt.Fetchers != nil {
			f, err := opt.Fetchers()
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("fetcher for context %d: %w", i, err)
			}
			ec.fetcher = f
		}
		p.contexts = append(p.contexts, ec)
	}
	p.free = make([]*EvalContext, 0, capacity)
	for i := len(p.contexts) - 1; i >= 0; i-- {
		p.free = append(p.free, p.contexts[i])
	}
	return p, nil
}

func (p *EvalPool) Capacity() int {
	return len(p.contexts)
}

// CheckOut takes a free context and binds it to c. It panics when every
// context is already checked out.
func (p *EvalPool) CheckOut(c Candidate, b *Bindings) *EvalContext {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		panic(misusef("CheckOut on a closed pool"))
	}
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		panic(misusef("CheckOut beyond pool capacity %d", len(p.contexts)))
	}
	ec := p.free[n-1]
	p.free = p.free[:n-1]
	ec.checkedOut = true
	p.outstanding++
	p.highWater = max(p.highWater, p.outstanding)
	p.mu.Unlock()

	p.metrics.checkedOut(1)
	ec.Bind(c, b)
	return ec
}

// CheckIn clears ec and returns it to the pool.
func (p *EvalPool) CheckIn(ec *EvalContext) {
	if ec.pool != p {
		panic(misusef("CheckIn of a context from another pool"))
	}
	p.mu.Lock()
	if !ec.checkedOut {
		p.mu.Unlock()
		panic(misusef("CheckIn of a context that is not checked out"))
	}
	ec.Clear()
	ec.checkedOut = false
	p.free = append(p.free, ec)
	p.outstanding--
	p.mu.Unlock()

	p.metrics.checkedOut(-1)
}

// Outstanding returns the number of contexts currently checked out.
func (p *EvalPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// HighWater returns the largest number of contexts ever checked out at once.
func (p *EvalPool) HighWater() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highWater
}

// Close releases the contexts' fetchers. Contexts must all be checked in.
func (p *EvalPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.outstanding > 0 {
		panic(misusef("Close with %d contexts checked out", p.outstanding))
	}
	p.closed = true
	var errs []error
	for _, ec := range p.contexts {
		if ec.fetcher != nil {
			errs = append(errs, ec.fetcher.Close())
		}
	}
	return errors.Join(errs...)
}

package shardq

import (
	"context"
	"time"
)

// stageQueue is a bounded hand-off between bulk pipeline stages. Offers and
// polls wait at most timeout per attempt, so a stage notices shutdown and
// upstream completion promptly while a slow consumer still stalls its
// producers.
type stageQueue[T any] struct {
	stage   string
	ch      chan T
	timeout time.Duration
	metrics *Metrics
}

func newStageQueue[T any](stage string, size int, timeout time.Duration, metrics *Metrics) *stageQueue[T] {
	return &stageQueue[T]{stage: stage, ch: make(chan T, size), timeout: timeout, metrics: metrics}
}

func (q *stageQueue[T]) len() int {
	return len(q.ch)
}

// offer retries timed pushes until v is accepted or ctx is done.
func (q *stageQueue[T]) offer(ctx context.Context, v T) error {
	for {
		ok, err := q.tryOffer(ctx, v)
		if ok || err != nil {
			return err
		}
		q.metrics.queueTimeout(q.stage)
	}
}

func (q *stageQueue[T]) tryOffer(ctx context.Context, v T) (bool, error) {
	select {
	case q.ch <- v:
		return true, nil
	default:
	}
	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.ch <- v:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}

// poll waits up to the queue timeout for an item.
func (q *stageQueue[T]) poll(ctx context.Context) (T, bool, error) {
	select {
	case v := <-q.ch:
		return v, true, nil
	default:
	}
	t := time.NewTimer(q.timeout)
	defer t.Stop()
	var zero T
	select {
	case v := <-q.ch:
		return v, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case <-t.C:
		return zero, false, nil
	}
}

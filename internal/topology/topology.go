// Package topology provides the staged-pipeline primitive shared by the
// two-pass reader and the external sort: a directed chain of stages joined
// by bounded channels, with parallel workers per stage, cooperative
// cancellation and first-error propagation.
package topology

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Topology runs a chain Source → (queue → workers)* → Sink. Queues are
// buffered channels owned by the caller; blocking sends and receives are the
// only suspension points. Any stage error cancels the topology's context,
// and Await returns the first error observed.
type Topology struct {
	g   *errgroup.Group
	ctx context.Context
}

// New creates a topology rooted at ctx. The returned context is cancelled
// as soon as any stage fails; stage loops must use it for channel traffic.
func New(ctx context.Context) (*Topology, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &Topology{g: g, ctx: gctx}, gctx
}

// Source runs fn on a single goroutine. fn owns its output channel and must
// close it on return (typically via defer).
func (t *Topology) Source(name string, fn func(ctx context.Context) error) {
	t.g.Go(func() error {
		if err := fn(t.ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// Workers runs n parallel copies of fn. done, if non-nil, runs exactly once
// after the last worker exits regardless of errors; use it to close the
// stage's output channel so downstream stages drain and terminate.
func (t *Topology) Workers(name string, n int, fn func(ctx context.Context, id int) error, done func()) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		id := i
		t.g.Go(func() error {
			defer wg.Done()
			if err := fn(t.ctx, id); err != nil {
				return fmt.Errorf("%s[%d]: %w", name, id, err)
			}
			return nil
		})
	}
	if done != nil {
		go func() {
			wg.Wait()
			done()
		}()
	}
}

// Sink runs fn on a single goroutine; it normally drains a channel closed by
// an upstream stage's done hook.
func (t *Topology) Sink(name string, fn func(ctx context.Context) error) {
	t.Source(name, fn)
}

// Await blocks until every stage has exited and returns the first error.
func (t *Topology) Await() error {
	return t.g.Wait()
}

// Send puts v on ch, honoring cancellation while the queue is full.
func Send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv takes the next value from ch, honoring cancellation while the queue
// is empty. ok is false when the channel is closed and drained or the
// context is done.
func Recv[T any](ctx context.Context, ch <-chan T) (v T, ok bool, err error) {
	select {
	case v, ok = <-ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

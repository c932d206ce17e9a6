// Package feed pushes live query results to subscribers. A store re-runs a
// subscriber's query whenever a collection it depends on is written and
// delivers the full result set.
package feed

import (
	"context"
	"sync"
)

// Filter narrows a subscription or list query.
type Filter struct {
	// ScopeID limits results to one organizational scope; empty means all
	// scopes and is only honoured for elevated readers.
	ScopeID string
	// Status matches the document status exactly when set.
	Status string
	// ActiveOnly drops returned allocations.
	ActiveOnly bool
	// ItemID limits results to a single item when set.
	ItemID string
}

// Subscription delivers successive result sets on C and query failures on Err.
// C is closed when the subscription ends, whether cancelled or because its
// source went away.
type Subscription[T any] struct {
	C   <-chan []T
	Err <-chan error

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// NewSubscription starts a query loop: load runs once immediately and again
// after every signal on notify. release is called when the loop exits.
// A failed load is reported on Err and the loop keeps waiting for the next
// signal.
func NewSubscription[T any](ctx context.Context, load func(context.Context) ([]T, error), notify <-chan struct{}, release func()) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	c := make(chan []T, 1)
	errc := make(chan error, 1)
	s := &Subscription[T]{C: c, Err: errc, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(c)
		if release != nil {
			defer release()
		}

		for {
			rows, err := load(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				select {
				case errc <- err:
				case <-ctx.Done():
					return
				}
			} else {
				select {
				case c <- rows:
				case <-ctx.Done():
					return
				}
			}

			select {
			case _, ok := <-notify:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return s
}

// Cancel stops the subscription and waits for its loop to exit. It is safe
// to call more than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the subscription loop has exited.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

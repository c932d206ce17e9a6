package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
)

// Feed names.
const (
	FeedItems       = "items"
	FeedAllocations = "allocations"
	FeedPending     = "pendingRequests"
)

var (
	// ErrUnavailable marks a view whose last rebuild failed. Its rows are
	// empty because they could not be built, not because nothing is held.
	ErrUnavailable = errors.New("inventory temporarily unavailable")
	// ErrFeedClosed is reported when a feed ends while the view is open.
	ErrFeedClosed = errors.New("feed closed")
)

// FeedError reports a failed feed. The view keeps its last rows.
type FeedError struct {
	Feed string
	Err  error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("%s feed: %v", e.Feed, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// Source opens the three live feeds; a store session implements it.
type Source interface {
	SubscribeItems(ctx context.Context, f feed.Filter) (*feed.Subscription[model.Item], error)
	SubscribeAllocations(ctx context.Context, f feed.Filter) (*feed.Subscription[model.Allocation], error)
	SubscribePendingRequests(ctx context.Context, f feed.Filter) (*feed.Subscription[model.TransferRequest], error)
}

// Recorder receives aggregator health signals; *metrics.Recorder implements it.
type Recorder interface {
	Observe(op string, success bool, d time.Duration)
	FeedError(feed string)
	Inconsistencies(counts map[string]int)
}

// View is a published state of the inventory. Rows are never modified after
// publication.
type View struct {
	Rows            []Row           `json:"rows"`
	Loading         bool            `json:"loading"`
	Err             error           `json:"-"`
	Version         uint64          `json:"version"`
	Inconsistencies []Inconsistency `json:"inconsistencies,omitempty"`
	BuiltAt         time.Time       `json:"built_at"`
}

// slot holds the latest batch of one feed.
type slot[T any] struct {
	data    []T
	version uint64
	loaded  bool
}

func (s *slot[T]) set(data []T) {
	s.data = data
	s.version++
	s.loaded = true
}

const viewTopic = "view"

// Aggregator keeps one subscription per feed and rebuilds the view whenever
// any of them delivers. Rebuilds never overlap; requests arriving during a
// rebuild collapse into one follow-up run.
type Aggregator struct {
	rebuilder *Rebuilder
	recorder  Recorder

	mu          sync.Mutex
	items       slot[model.Item]
	allocations slot[model.Allocation]
	pending     slot[model.TransferRequest]
	feedErrs    map[string]error
	view        View

	kick chan struct{}
	hub  *feed.Hub

	cancel    context.CancelFunc
	cancelers []func()
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRecorder reports rebuilds and feed failures to r.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// NewAggregator subscribes to the three feeds of src under filter and starts
// rebuilding. The caller must Close it.
func NewAggregator(ctx context.Context, src Source, filter feed.Filter, rb *Rebuilder, opts ...Option) (*Aggregator, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Aggregator{
		rebuilder: rb,
		view:      View{Loading: true},
		feedErrs:  make(map[string]error),
		kick:      make(chan struct{}, 1),
		hub:       feed.NewHub(),
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(a)
	}

	items, err := src.SubscribeItems(ctx, filter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("subscribing to items: %w", err)
	}
	a.cancelers = append(a.cancelers, items.Cancel)

	allocations, err := src.SubscribeAllocations(ctx, filter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("subscribing to allocations: %w", err)
	}
	a.cancelers = append(a.cancelers, allocations.Cancel)

	pending, err := src.SubscribePendingRequests(ctx, filter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("subscribing to pending requests: %w", err)
	}
	a.cancelers = append(a.cancelers, pending.Cancel)

	a.wg.Add(4)
	go pump(ctx, a, FeedItems, items, func(d []model.Item) { a.items.set(d) })
	go pump(ctx, a, FeedAllocations, allocations, func(d []model.Allocation) { a.allocations.set(d) })
	go pump(ctx, a, FeedPending, pending, func(d []model.TransferRequest) { a.pending.set(d) })
	go a.run(ctx)

	return a, nil
}

// pump moves one feed's deliveries into its slot.
func pump[T any](ctx context.Context, a *Aggregator, name string, sub *feed.Subscription[T], set func([]T)) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-sub.C:
			if !ok {
				if ctx.Err() == nil {
					a.feedFailed(name, ErrFeedClosed)
				}
				return
			}
			a.mu.Lock()
			set(batch)
			delete(a.feedErrs, name)
			a.mu.Unlock()
			a.requestRebuild()
		case err := <-sub.Err:
			a.feedFailed(name, err)
		}
	}
}

func (a *Aggregator) feedFailed(name string, err error) {
	slog.Error("inventory feed failed", "feed", name, "error", err)
	if a.recorder != nil {
		a.recorder.FeedError(name)
	}

	a.mu.Lock()
	a.feedErrs[name] = err
	a.view.Loading = false
	a.view.Err = &FeedError{Feed: name, Err: err}
	a.view.Version++
	a.mu.Unlock()
	a.hub.Notify(viewTopic)
}

func (a *Aggregator) requestRebuild() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Aggregator) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kick:
		}
		a.reconcile(ctx)
	}
}

// reconcile rebuilds from the current slots and publishes the result. If a
// slot changed while the rebuild ran, it runs again.
func (a *Aggregator) reconcile(ctx context.Context) {
	for {
		a.mu.Lock()
		if !a.items.loaded || !a.allocations.loaded || !a.pending.loaded {
			a.mu.Unlock()
			return
		}
		snap := Snapshot{Items: a.items.data, Allocations: a.allocations.data, Pending: a.pending.data}
		versions := a.versions()
		a.mu.Unlock()

		start := time.Now()
		res, err := a.rebuilder.Rebuild(ctx, snap)
		if ctx.Err() != nil {
			return
		}
		if a.recorder != nil {
			a.recorder.Observe("rebuild", err == nil, time.Since(start))
		}

		a.mu.Lock()
		if err != nil {
			slog.Error("inventory rebuild failed", "error", err)
			a.view.Rows = nil
			a.view.Inconsistencies = nil
			a.view.Err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		} else {
			a.view.Rows = res.Rows
			a.view.Inconsistencies = res.Inconsistencies
			a.view.Err = a.feedErr()
			if a.recorder != nil {
				a.recorder.Inconsistencies(CountByKind(res.Inconsistencies))
			}
		}
		a.view.Loading = false
		a.view.Version++
		a.view.BuiltAt = time.Now()
		stale := a.versions() != versions
		a.mu.Unlock()
		a.hub.Notify(viewTopic)

		if !stale {
			return
		}
		// This pass covers any kick sent for the newer slots.
		select {
		case <-a.kick:
		default:
		}
	}
}

// feedErr returns the failure of the first feed that has not delivered since
// it failed, or nil. The caller holds a.mu.
func (a *Aggregator) feedErr() error {
	for _, name := range []string{FeedItems, FeedAllocations, FeedPending} {
		if err, ok := a.feedErrs[name]; ok {
			return &FeedError{Feed: name, Err: err}
		}
	}
	return nil
}

func (a *Aggregator) versions() [3]uint64 {
	return [3]uint64{a.items.version, a.allocations.version, a.pending.version}
}

// View returns the latest published view.
func (a *Aggregator) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}

// Changes returns a channel signalled after every publication, and a func
// to stop listening. Signals coalesce; the channel closes with the aggregator.
func (a *Aggregator) Changes() (<-chan struct{}, func()) {
	return a.hub.Listen(viewTopic)
}

// Wait blocks until the view has finished loading or ctx is done.
func (a *Aggregator) Wait(ctx context.Context) (View, error) {
	changes, stop := a.Changes()
	defer stop()
	for {
		if v := a.View(); !v.Loading {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return a.View(), ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return a.View(), ErrFeedClosed
			}
		}
	}
}

// Close cancels the feeds and any running rebuild and waits for them to stop.
// It is safe to call more than once.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		for _, c := range a.cancelers {
			c()
		}
		a.wg.Wait()
		a.hub.Close()
	})
}

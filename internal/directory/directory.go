// Package directory resolves persons and units by id for display, batching
// and de-duplicating reads and caching the results.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/erazemk/oprema/internal/cache"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/rules"
)

// Reader is the point-read access the directory needs; *store.Store has it.
type Reader interface {
	Person(ctx context.Context, id string) (*model.Person, error)
	Unit(ctx context.Context, id string) (*model.Unit, error)
}

const (
	defaultLimit = 8
	readTimeout  = 10 * time.Second
)

// Lookups batches point reads of persons and units.
type Lookups struct {
	reader Reader
	cache  cache.Cache
	limit  int
	group  singleflight.Group
}

// New returns lookups over reader. cache may be nil; limit bounds concurrent
// reads per batch.
func New(reader Reader, c cache.Cache, limit int) *Lookups {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Lookups{reader: reader, cache: c, limit: limit}
}

func personKey(id string) string { return "person:" + id }
func unitKey(id string) string   { return "unit:" + id }

// Person returns a person by id, or nil if it does not exist.
func (l *Lookups) Person(ctx context.Context, id string) (*model.Person, error) {
	return lookup(ctx, l, personKey(id), func(ctx context.Context) (*model.Person, error) {
		return l.reader.Person(ctx, id)
	})
}

// Unit returns a unit by id, or nil if it does not exist.
func (l *Lookups) Unit(ctx context.Context, id string) (*model.Unit, error) {
	return lookup(ctx, l, unitKey(id), func(ctx context.Context) (*model.Unit, error) {
		return l.reader.Unit(ctx, id)
	})
}

// lookup reads through the cache. Concurrent reads of one key share a
// single store read, which is detached from any one caller's cancellation;
// each caller still stops waiting when its own ctx is done. Missing records
// are not cached.
func lookup[T any](ctx context.Context, l *Lookups, key string, read func(context.Context) (*T, error)) (*T, error) {
	if l.cache != nil {
		data, ok, err := l.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("directory cache read failed", "key", key, "error", err)
		}
		if ok {
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				return &v, nil
			}
		}
	}

	ch := l.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readTimeout)
		defer cancel()
		return read(rctx)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	v := res.Val.(*T)
	if v == nil {
		return nil, nil
	}

	if l.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			if err := l.cache.Set(ctx, key, data); err != nil {
				slog.Warn("directory cache write failed", "key", key, "error", err)
			}
		}
	}
	return v, nil
}

// Persons resolves ids concurrently. The result holds only persons that
// exist; any read error fails the whole batch.
func (l *Lookups) Persons(ctx context.Context, ids []string) (map[string]*model.Person, error) {
	return batch(ctx, l.limit, ids, l.Person)
}

// Units resolves ids concurrently, like Persons.
func (l *Lookups) Units(ctx context.Context, ids []string) (map[string]*model.Unit, error) {
	return batch(ctx, l.limit, ids, l.Unit)
}

func batch[T any](ctx context.Context, limit int, ids []string, get func(context.Context, string) (*T, error)) (map[string]*T, error) {
	unique := dedupe(ids)
	found := make([]*T, len(unique))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range unique {
		g.Go(func() error {
			v, err := get(ctx, id)
			if err != nil {
				return fmt.Errorf("looking up %s: %w", id, err)
			}
			found[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*T, len(unique))
	for i, id := range unique {
		if found[i] != nil {
			out[id] = found[i]
		}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Names holds the display data a rebuild needs.
type Names struct {
	Persons map[string]*model.Person
	Units   map[string]*model.Unit
}

// Names runs the person and unit batches in parallel.
func (l *Lookups) Names(ctx context.Context, personIDs, unitIDs []string) (Names, error) {
	var names Names
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		names.Persons, err = l.Persons(ctx, personIDs)
		return err
	})
	g.Go(func() error {
		var err error
		names.Units, err = l.Units(ctx, unitIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return Names{}, err
	}
	return names, nil
}

// Invalidate drops cached persons and units touched by committed changes so
// later lookups see renames. Names already denormalized onto requests keep
// their old values.
func (l *Lookups) Invalidate(ctx context.Context, changes []rules.Change) {
	if l.cache == nil {
		return
	}
	var keys []string
	for _, c := range changes {
		switch c.Collection {
		case rules.Persons:
			keys = append(keys, personKey(c.ID))
		case rules.Units:
			keys = append(keys, unitKey(c.ID))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := l.cache.Delete(ctx, keys...); err != nil {
		slog.Warn("directory cache invalidation failed", "keys", keys, "error", err)
	}
}

package transfer

import (
	"context"

	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/rules"
)

// overlay is a rules.View that layers not-yet-committed changes over the
// store, so a multi-document write can be checked the way the store's
// transaction will see it.
type overlay struct {
	base Store

	items       map[string]*model.Item
	allocations map[string]*model.Allocation
	requests    map[string]*model.TransferRequest
	deleted     map[string]bool
}

func newOverlay(base Store) *overlay {
	return &overlay{
		base:        base,
		items:       make(map[string]*model.Item),
		allocations: make(map[string]*model.Allocation),
		requests:    make(map[string]*model.TransferRequest),
		deleted:     make(map[string]bool),
	}
}

func (o *overlay) apply(c rules.Change) {
	key := string(c.Collection) + "/" + c.ID
	if c.Op == rules.OpDelete {
		o.deleted[key] = true
		return
	}
	delete(o.deleted, key)
	switch doc := c.After.(type) {
	case *model.Item:
		o.items[c.ID] = doc
	case *model.Allocation:
		o.allocations[c.ID] = doc
	case *model.TransferRequest:
		o.requests[c.ID] = doc
	}
}

func (o *overlay) gone(c rules.Collection, id string) bool {
	return o.deleted[string(c)+"/"+id]
}

// before returns the document a change would replace, as the store would
// load it.
func (o *overlay) before(ctx context.Context, c rules.Change) (any, error) {
	if o.gone(c.Collection, c.ID) {
		return nil, nil
	}
	switch c.Collection {
	case rules.Items:
		if it, err := o.Item(ctx, c.ID); it != nil || err != nil {
			return it, err
		}
	case rules.Allocations:
		if a, ok := o.allocations[c.ID]; ok {
			return a, nil
		}
		if a, err := o.base.Allocation(ctx, c.ID); a != nil || err != nil {
			return a, err
		}
	case rules.TransferRequests:
		if r, ok := o.requests[c.ID]; ok {
			return r, nil
		}
		if r, err := o.base.TransferRequest(ctx, c.ID); r != nil || err != nil {
			return r, err
		}
	}
	return nil, nil
}

func (o *overlay) Item(ctx context.Context, id string) (*model.Item, error) {
	if o.gone(rules.Items, id) {
		return nil, nil
	}
	if it, ok := o.items[id]; ok {
		return it, nil
	}
	return o.base.Item(ctx, id)
}

func (o *overlay) ActiveAllocations(ctx context.Context, itemID string) ([]model.Allocation, error) {
	stored, err := o.base.ActiveAllocations(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var out []model.Allocation
	seen := make(map[string]bool)
	for _, a := range stored {
		seen[a.ID] = true
		if o.gone(rules.Allocations, a.ID) {
			continue
		}
		if changed, ok := o.allocations[a.ID]; ok {
			a = *changed
		}
		if a.Active() {
			out = append(out, a)
		}
	}
	for id, a := range o.allocations {
		if !seen[id] && a.ItemID == itemID && a.Active() && !o.gone(rules.Allocations, id) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (o *overlay) PendingRequests(ctx context.Context, itemID string) ([]model.TransferRequest, error) {
	stored, err := o.base.PendingRequests(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var out []model.TransferRequest
	seen := make(map[string]bool)
	for _, r := range stored {
		seen[r.ID] = true
		if o.gone(rules.TransferRequests, r.ID) {
			continue
		}
		if changed, ok := o.requests[r.ID]; ok {
			r = *changed
		}
		if r.Status == model.RequestStatusPending {
			out = append(out, r)
		}
	}
	for id, r := range o.requests {
		if !seen[id] && r.ItemID == itemID && r.Status == model.RequestStatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (o *overlay) Unit(ctx context.Context, id string) (*model.Unit, error) {
	return o.base.Unit(ctx, id)
}

func (o *overlay) Person(ctx context.Context, id string) (*model.Person, error) {
	return o.base.Person(ctx, id)
}

func (o *overlay) UnitInUse(ctx context.Context, id string) (bool, error) {
	return o.base.UnitInUse(ctx, id)
}

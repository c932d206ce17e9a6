package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/rules"
)

const itemColumns = `id, name, description, serial_number, total_quantity, status, scope_id, created_by, image_mime, created_at, updated_at`

func scanItem(sc scanner) (*model.Item, error) {
	item := &model.Item{}
	var description, serial, imageMime sql.NullString
	err := sc.Scan(&item.ID, &item.Name, &description, &serial, &item.TotalQuantity, &item.Status,
		&item.ScopeID, &item.CreatedBy, &imageMime, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Description = description.String
	item.SerialNumber = serial.String
	item.ImageMime = imageMime.String
	return item, nil
}

// Item returns an item by ID.
func (r Reader) Item(ctx context.Context, id string) (*model.Item, error) {
	item, err := scanItem(r.q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// Items lists items ordered by name, filtered by scope, status and item.
func (r Reader) Items(ctx context.Context, f feed.Filter) ([]model.Item, error) {
	var w where
	if f.ScopeID != "" {
		w.add("scope_id = ?", f.ScopeID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.ItemID != "" {
		w.add("id = ?", f.ItemID)
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items`+w.String()+` ORDER BY name, id`, w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ItemImage returns an item's photo and its MIME type.
func (r Reader) ItemImage(ctx context.Context, id string) ([]byte, string, error) {
	var data []byte
	var mime sql.NullString
	err := r.q.QueryRowContext(ctx,
		`SELECT image, image_mime FROM items WHERE id = ?`, id,
	).Scan(&data, &mime)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting item image: %w", err)
	}
	return data, mime.String, nil
}

// SetItemImage stores an item's photo. The item update carrying the new MIME
// type is checked by the rule table like any other write.
func (s *Store) SetItemImage(ctx context.Context, actor model.Actor, id string, data []byte, mime string) error {
	item, err := s.Item(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	after := *item
	after.ImageMime = mime

	return s.commit(ctx, actor, []rules.Change{{Collection: rules.Items, Op: rules.OpUpdate, ID: id, After: &after}},
		func(q Querier) error {
			_, err := q.ExecContext(ctx, `UPDATE items SET image = ? WHERE id = ?`, data, id)
			if err != nil {
				return fmt.Errorf("storing item image: %w", err)
			}
			return nil
		})
}

func insertItem(ctx context.Context, q Querier, it *model.Item) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO items (id, name, description, serial_number, total_quantity, status, scope_id, created_by, image_mime, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Name, nullString(it.Description), nullString(it.SerialNumber), it.TotalQuantity, it.Status,
		it.ScopeID, it.CreatedBy, nullString(it.ImageMime), it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

func updateItem(ctx context.Context, q Querier, it *model.Item) error {
	_, err := q.ExecContext(ctx,
		`UPDATE items SET name = ?, description = ?, serial_number = ?, total_quantity = ?, status = ?, image_mime = ?, updated_at = ?
		 WHERE id = ?`,
		it.Name, nullString(it.Description), nullString(it.SerialNumber), it.TotalQuantity, it.Status,
		nullString(it.ImageMime), it.UpdatedAt, it.ID,
	)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	return nil
}

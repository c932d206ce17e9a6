package db

import (
	"database/sql"
	"fmt"
)

// schema is the full database schema. Ids are UUID strings.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'manager', 'user')),
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at    DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_active
    ON users(username) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS units (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    type       TEXT NOT NULL CHECK (type IN ('battalion', 'company', 'platoon')),
    parent_id  TEXT REFERENCES units(id),
    scope_id   TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CHECK (parent_id IS NULL OR parent_id <> id)
);

CREATE INDEX IF NOT EXISTS idx_units_scope ON units(scope_id);

CREATE TABLE IF NOT EXISTS persons (
    id                  TEXT PRIMARY KEY,
    first_name          TEXT NOT NULL,
    last_name           TEXT NOT NULL,
    unit_id             TEXT NOT NULL REFERENCES units(id),
    account_id          TEXT REFERENCES users(id),
    signature_authority INTEGER NOT NULL DEFAULT 0,
    created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_persons_account
    ON persons(account_id) WHERE account_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS items (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    description    TEXT,
    serial_number  TEXT,
    total_quantity INTEGER NOT NULL CHECK (total_quantity > 0),
    status         TEXT NOT NULL DEFAULT 'serviceable' CHECK (status IN ('serviceable', 'pending_transfer')),
    scope_id       TEXT NOT NULL,
    created_by     TEXT NOT NULL,
    image          BLOB,
    image_mime     TEXT,
    created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_items_scope ON items(scope_id);

CREATE TABLE IF NOT EXISTS allocations (
    id          TEXT PRIMARY KEY,
    item_id     TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    person_id   TEXT REFERENCES persons(id),
    unit_id     TEXT REFERENCES units(id),
    quantity    INTEGER NOT NULL CHECK (quantity > 0),
    assigned_at DATETIME NOT NULL,
    assigned_by TEXT,
    returned_at DATETIME,
    CHECK ((person_id IS NULL) <> (unit_id IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_allocations_item_active
    ON allocations(item_id) WHERE returned_at IS NULL;

CREATE TABLE IF NOT EXISTS transfer_requests (
    id             TEXT PRIMARY KEY,
    item_id        TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    from_person_id TEXT,
    from_unit_id   TEXT,
    to_person_id   TEXT,
    to_unit_id     TEXT,
    quantity       INTEGER CHECK (quantity IS NULL OR quantity > 0),
    status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
    requested_by   TEXT NOT NULL,
    requested_at   DATETIME NOT NULL,
    decided_by     TEXT,
    decided_at     DATETIME,
    notes          TEXT,
    item_name      TEXT,
    from_name      TEXT,
    to_name        TEXT,
    from_level     TEXT,
    to_level       TEXT
);

CREATE INDEX IF NOT EXISTS idx_transfer_requests_item ON transfer_requests(item_id, status);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    expires_at DATETIME NOT NULL
);
`

// EnsureSchema creates all tables and indexes if they don't already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS resources (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	price          BIGINT NOT NULL DEFAULT 0,
	deposit_amount BIGINT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'AVAILABLE',
	created_at     %[1]s NOT NULL,
	updated_at     %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resources_status ON resources (status);

CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	resource_id      TEXT NOT NULL REFERENCES resources (id),
	renter_id        TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	start_date       %[1]s NOT NULL,
	end_date         %[1]s NOT NULL,
	total_price      BIGINT NOT NULL,
	deposit          BIGINT NOT NULL DEFAULT 0,
	delivery_method  TEXT NOT NULL,
	delivery_address TEXT NOT NULL DEFAULT '',
	delivery_fee     BIGINT NOT NULL DEFAULT 0,
	notes            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	payment_status   TEXT NOT NULL,
	version          BIGINT NOT NULL DEFAULT 1,
	created_at       %[1]s NOT NULL,
	updated_at       %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_conflict ON orders (resource_id, status, start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_orders_renter ON orders (renter_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders (owner_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
	id              TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL REFERENCES orders (id),
	user_id         TEXT NOT NULL,
	provider        TEXT NOT NULL,
	method          TEXT NOT NULL DEFAULT '',
	amount          BIGINT NOT NULL,
	status          TEXT NOT NULL,
	trade_no        TEXT NOT NULL DEFAULT '',
	payment_url     TEXT NOT NULL DEFAULT '',
	qr_code         TEXT NOT NULL DEFAULT '',
	paid_amount     BIGINT NOT NULL DEFAULT 0,
	refunded_amount BIGINT NOT NULL DEFAULT 0,
	version         BIGINT NOT NULL DEFAULT 1,
	paid_at         %[1]s NULL,
	created_at      %[1]s NOT NULL,
	updated_at      %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_trade_no ON payments (trade_no) WHERE trade_no <> '';

CREATE TABLE IF NOT EXISTS payment_events (
	id         %[2]s,
	payment_id TEXT NOT NULL REFERENCES payments (id),
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	created_at %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_events_payment ON payment_events (payment_id, created_at);

CREATE TABLE IF NOT EXISTS processed_callbacks (
	trade_no     TEXT PRIMARY KEY,
	provider     TEXT NOT NULL,
	payment_id   TEXT NOT NULL,
	processed_at %[1]s NOT NULL
);

CREATE TABLE IF NOT EXISTS callback_failures (
	id              TEXT PRIMARY KEY,
	provider        TEXT NOT NULL,
	payment_id      TEXT NOT NULL DEFAULT '',
	trade_no        TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_at %[1]s NOT NULL,
	created_at      %[1]s NOT NULL,
	updated_at      %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_callback_failures_due ON callback_failures (status, next_attempt_at);
`

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	timestampType, serialPK := "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	if s.dialect == DialectSQLite {
		timestampType, serialPK = "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaTemplate, timestampType, serialPK)); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

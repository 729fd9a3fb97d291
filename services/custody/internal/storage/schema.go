package storage

const schema = `
CREATE TABLE IF NOT EXISTS custody_assets (
	asset         TEXT PRIMARY KEY,
	unit_scale    SMALLINT NOT NULL CHECK (unit_scale BETWEEN 0 AND 77),
	feed_decimals SMALLINT NOT NULL CHECK (feed_decimals BETWEEN 0 AND 77),
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_asset_changes (
	id            UUID PRIMARY KEY,
	asset         TEXT NOT NULL,
	action        TEXT NOT NULL,
	unit_scale    SMALLINT NOT NULL,
	feed_decimals SMALLINT NOT NULL,
	actor_id      UUID NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_movements (
	id         UUID PRIMARY KEY,
	kind       TEXT NOT NULL,
	asset      TEXT NOT NULL,
	account_id UUID NOT NULL,
	amount     NUMERIC(78, 0) NOT NULL CHECK (amount > 0),
	value      NUMERIC(78, 0) NOT NULL,
	balance    NUMERIC(78, 0) NOT NULL CHECK (balance >= 0),
	source     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS custody_movements_account_idx
	ON custody_movements (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS custody_balances (
	asset       TEXT NOT NULL,
	account_id  UUID NOT NULL,
	balance     NUMERIC(78, 0) NOT NULL CHECK (balance >= 0),
	deposits    BIGINT NOT NULL DEFAULT 0,
	withdrawals BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (asset, account_id)
);
`

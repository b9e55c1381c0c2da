package store

// schema is applied once at startup: plain idempotent DDL through the
// pool, no migration framework.
const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	height              BIGINT PRIMARY KEY,
	hash                TEXT NOT NULL,
	previous_hash       TEXT NOT NULL,
	round               BIGINT NOT NULL,
	timestamp           BIGINT NOT NULL,
	transactions_count  INTEGER NOT NULL,
	block_reward        NUMERIC
);
CREATE INDEX IF NOT EXISTS idx_blocks_round ON blocks (round);

CREATE TABLE IF NOT EXISTS batches (
	batch_id      TEXT NOT NULL,
	round         BIGINT NOT NULL,
	author        TEXT NOT NULL,
	timestamp     BIGINT NOT NULL,
	committee_id  TEXT NOT NULL,
	block_height  BIGINT NOT NULL,
	PRIMARY KEY (batch_id, round)
);
CREATE INDEX IF NOT EXISTS idx_batches_round ON batches (round);

CREATE TABLE IF NOT EXISTS committee_members (
	address           TEXT PRIMARY KEY,
	first_seen_block  BIGINT NOT NULL,
	last_seen_block   BIGINT NOT NULL,
	total_stake       NUMERIC NOT NULL,
	is_open           BOOLEAN NOT NULL,
	commission        SMALLINT NOT NULL,
	is_active         BOOLEAN NOT NULL,
	block_height      BIGINT NOT NULL,
	last_updated      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS committee_participation (
	validator_address  TEXT NOT NULL,
	round              BIGINT NOT NULL,
	committee_id       TEXT NOT NULL,
	block_height       BIGINT NOT NULL,
	timestamp          BIGINT NOT NULL,
	PRIMARY KEY (validator_address, round)
);
CREATE INDEX IF NOT EXISTS idx_committee_participation_round ON committee_participation (round);
CREATE INDEX IF NOT EXISTS idx_committee_participation_validator_ts ON committee_participation (validator_address, timestamp);

CREATE TABLE IF NOT EXISTS signature_participation (
	validator_address  TEXT NOT NULL,
	batch_id           TEXT NOT NULL,
	round              BIGINT NOT NULL,
	committee_id       TEXT NOT NULL,
	block_height       BIGINT NOT NULL,
	timestamp          BIGINT NOT NULL,
	success            BOOLEAN NOT NULL,
	PRIMARY KEY (validator_address, batch_id, round)
);
CREATE INDEX IF NOT EXISTS idx_signature_participation_round ON signature_participation (round);
CREATE INDEX IF NOT EXISTS idx_signature_participation_validator_ts ON signature_participation (validator_address, timestamp);

CREATE TABLE IF NOT EXISTS uptime_snapshots (
	id                   BIGSERIAL PRIMARY KEY,
	validator_address    TEXT NOT NULL,
	start_round          BIGINT NOT NULL,
	end_round            BIGINT NOT NULL,
	total_rounds         INTEGER NOT NULL,
	participated_rounds  INTEGER NOT NULL,
	uptime_percentage    NUMERIC(5,2) NOT NULL,
	calculated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_uptime_snapshots_validator_calculated_at
	ON uptime_snapshots (validator_address, calculated_at DESC);

CREATE TABLE IF NOT EXISTS metadata (
	key    TEXT PRIMARY KEY,
	value  TEXT NOT NULL
);
`

package store

// DBVersion is the schema version this package writes and expects on open.
// Schema versions below it are brought forward by the migrations in
// migrations.go; anything above it is refused (spec §4.2, §6).
const DBVersion = 8

// schema is the canonical, fully-migrated schema (version 8): what a brand
// new database is created with directly, and what every migration chain
// converges to. It mirrors lianad/src/database/sqlite/mod.rs's V8_SCHEMA,
// generalized for a Go/modernc.org/sqlite backend.
const schema = `
CREATE TABLE version (
	version INTEGER NOT NULL
);

CREATE TABLE tip (
	network TEXT NOT NULL,
	blockheight INTEGER,
	blockhash BLOB
);

CREATE TABLE wallets (
	id INTEGER PRIMARY KEY NOT NULL,
	timestamp INTEGER NOT NULL,
	main_descriptor TEXT NOT NULL,
	deposit_derivation_index INTEGER NOT NULL,
	change_derivation_index INTEGER NOT NULL,
	rescan_timestamp INTEGER,
	last_poll_timestamp INTEGER
);

CREATE TABLE transactions (
	id INTEGER PRIMARY KEY NOT NULL,
	txid BLOB UNIQUE NOT NULL,
	tx BLOB NOT NULL,
	num_inputs INTEGER NOT NULL,
	num_outputs INTEGER NOT NULL,
	is_coinbase BOOLEAN NOT NULL CHECK (is_coinbase IN (0,1))
);

CREATE TABLE coins (
	id INTEGER PRIMARY KEY NOT NULL,
	wallet_id INTEGER NOT NULL,
	blockheight INTEGER,
	blocktime INTEGER,
	txid BLOB NOT NULL,
	vout INTEGER NOT NULL,
	amount_sat INTEGER NOT NULL,
	derivation_index INTEGER NOT NULL,
	is_change BOOLEAN NOT NULL CHECK (is_change IN (0,1)),
	is_immature BOOLEAN NOT NULL CHECK (is_immature IN (0,1)),
	is_from_self BOOLEAN NOT NULL CHECK (is_from_self IN (0,1)),
	spend_txid BLOB,
	spend_block_height INTEGER,
	spend_block_time INTEGER,
	UNIQUE (txid, vout),
	FOREIGN KEY (wallet_id) REFERENCES wallets (id) ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (txid) REFERENCES transactions (txid) ON UPDATE RESTRICT ON DELETE RESTRICT
);

CREATE TABLE addresses (
	receive_address TEXT NOT NULL UNIQUE,
	change_address TEXT NOT NULL UNIQUE,
	derivation_index INTEGER NOT NULL UNIQUE
);

CREATE TABLE spend_transactions (
	id INTEGER PRIMARY KEY NOT NULL,
	psbt BLOB UNIQUE NOT NULL,
	txid BLOB UNIQUE NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE labels (
	id INTEGER PRIMARY KEY NOT NULL,
	wallet_id INTEGER NOT NULL,
	item_kind INTEGER NOT NULL CHECK (item_kind IN (0,1,2)),
	item TEXT UNIQUE NOT NULL,
	value TEXT NOT NULL
);
`

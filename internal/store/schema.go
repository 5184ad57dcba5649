package store

// schema is applied with CREATE TABLE IF NOT EXISTS on every open, the way a
// single-file embedded database is expected to self-migrate for a fixed,
// known schema (no external migration tooling, per spec.md's Non-goals).
const schema = `
CREATE TABLE IF NOT EXISTS account (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	did             TEXT NOT NULL,
	handle          TEXT NOT NULL,
	pds_hostname    TEXT NOT NULL,
	service_did     TEXT NOT NULL,
	signing_key     BLOB NOT NULL,
	jwt_secret      BLOB NOT NULL,
	password_hash   BLOB,
	head            TEXT NOT NULL DEFAULT '',
	rev             TEXT NOT NULL DEFAULT '',
	active          INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tid_clock (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	last_tid INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blocks (
	cid   TEXT PRIMARY KEY,
	bytes BLOB NOT NULL,
	rev   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS blocks_by_rev ON blocks (rev);

CREATE TABLE IF NOT EXISTS records (
	collection  TEXT NOT NULL,
	rkey        TEXT NOT NULL,
	cid         TEXT NOT NULL,
	value       BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (collection, rkey)
);

CREATE TABLE IF NOT EXISTS collection_counts (
	collection TEXT PRIMARY KEY,
	count      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS firehose_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	repo       TEXT NOT NULL,
	rev        TEXT NOT NULL,
	since      TEXT NOT NULL,
	commit_cid BLOB,
	blocks     BLOB,
	ops        TEXT,
	ts         INTEGER NOT NULL,
	too_big    INTEGER NOT NULL DEFAULT 0,
	handle     TEXT,
	active     INTEGER NOT NULL DEFAULT 1,
	status     TEXT
);

CREATE TABLE IF NOT EXISTS blobs (
	cid        TEXT PRIMARY KEY,
	mime_type  TEXT NOT NULL,
	size       INTEGER NOT NULL,
	body       BLOB,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS record_blobs (
	record_uri TEXT NOT NULL,
	blob_cid   TEXT NOT NULL,
	PRIMARY KEY (record_uri, blob_cid)
);

CREATE TABLE IF NOT EXISTS imported_blobs (
	cid        TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	mime_type  TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_token (
	jti         TEXT PRIMARY KEY,
	issued_at   INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	revoked     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS oauth_client (
	client_id     TEXT PRIMARY KEY,
	client_name   TEXT,
	redirect_uris TEXT NOT NULL,
	logo_uri      TEXT,
	client_uri    TEXT,
	cached_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_par (
	request_uri TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL,
	params      TEXT NOT NULL,
	expires_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_auth_code (
	code                  TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	scope                 TEXT NOT NULL,
	sub                   TEXT NOT NULL,
	dpop_jkt              TEXT,
	expires_at            INTEGER NOT NULL,
	consumed              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS oauth_token (
	access_token  TEXT PRIMARY KEY,
	refresh_token TEXT UNIQUE,
	client_id     TEXT NOT NULL,
	sub           TEXT NOT NULL,
	scope         TEXT NOT NULL,
	dpop_jkt      TEXT,
	issued_at     INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	refresh_expires_at INTEGER NOT NULL,
	revoked       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS oauth_nonce (
	nonce      TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS webauthn_challenge (
	challenge  TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS passkey_token (
	token      TEXT PRIMARY KEY,
	challenge  TEXT NOT NULL,
	name       TEXT,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS passkey (
	credential_id  TEXT PRIMARY KEY,
	public_key     BLOB NOT NULL,
	sign_count     INTEGER NOT NULL DEFAULT 0,
	name           TEXT,
	created_at     INTEGER NOT NULL,
	last_used_at   INTEGER
);
`

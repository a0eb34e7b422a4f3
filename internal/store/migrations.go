package store

// migrations are append-only and numbered by position. Never edit a shipped
// entry; add a new one.
var migrations = []string{
	// 1: initial schema
	`
	CREATE TABLE organizations (
		id         TEXT PRIMARY KEY,
		slug       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE billing_connections (
		id               TEXT PRIMARY KEY,
		org_id           TEXT NOT NULL REFERENCES organizations(id),
		source           TEXT NOT NULL,
		secret_encrypted TEXT NOT NULL DEFAULT '',
		is_active        INTEGER NOT NULL DEFAULT 1,
		grace_days       INTEGER NOT NULL DEFAULT 3,
		last_webhook_at  INTEGER,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		UNIQUE(org_id, source)
	);

	CREATE TABLE raw_webhook_log (
		id                TEXT PRIMARY KEY,
		org_id            TEXT NOT NULL,
		source            TEXT NOT NULL,
		received_at       INTEGER NOT NULL,
		headers           TEXT NOT NULL DEFAULT '{}',
		body              BLOB NOT NULL,
		processing_status TEXT NOT NULL DEFAULT 'received',
		external_event_id TEXT NOT NULL DEFAULT '',
		event_type        TEXT NOT NULL DEFAULT '',
		http_status       INTEGER NOT NULL DEFAULT 0,
		error_message     TEXT NOT NULL DEFAULT '',
		processed_at      INTEGER,
		attempts          INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_rawlog_org_received ON raw_webhook_log(org_id, received_at DESC);
	CREATE INDEX idx_rawlog_status ON raw_webhook_log(org_id, processing_status);

	CREATE TABLE canonical_events (
		id                       TEXT PRIMARY KEY,
		org_id                   TEXT NOT NULL,
		source                   TEXT NOT NULL,
		event_type               TEXT NOT NULL,
		source_event_type        TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL DEFAULT 'success',
		event_time               INTEGER NOT NULL,
		ingested_at              INTEGER NOT NULL,
		amount_cents             INTEGER,
		currency                 TEXT NOT NULL DEFAULT '',
		external_subscription_id TEXT NOT NULL DEFAULT '',
		product_id               TEXT NOT NULL DEFAULT '',
		plan_tier                TEXT NOT NULL DEFAULT '',
		billing_interval         TEXT NOT NULL DEFAULT '',
		trial_started_at         INTEGER,
		period_start             INTEGER,
		period_end               INTEGER,
		user_id                  TEXT NOT NULL DEFAULT '',
		idempotency_key          TEXT NOT NULL,
		raw_payload              BLOB,
		UNIQUE(org_id, idempotency_key)
	);
	CREATE INDEX idx_events_org_source_time ON canonical_events(org_id, source, event_time);
	CREATE INDEX idx_events_user ON canonical_events(org_id, user_id);
	CREATE INDEX idx_events_type ON canonical_events(org_id, event_type, event_time);

	CREATE TABLE users (
		id               TEXT PRIMARY KEY,
		org_id           TEXT NOT NULL,
		email            TEXT NOT NULL DEFAULT '',
		external_user_id TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL
	);

	CREATE TABLE user_identities (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		source      TEXT NOT NULL,
		id_type     TEXT NOT NULL,
		external_id TEXT NOT NULL,
		match_key   TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		UNIQUE(org_id, source, external_id)
	);
	CREATE INDEX idx_identities_user ON user_identities(user_id);
	CREATE INDEX idx_identities_match ON user_identities(org_id, id_type, match_key);

	CREATE TABLE entitlements (
		id                       TEXT PRIMARY KEY,
		org_id                   TEXT NOT NULL,
		user_id                  TEXT NOT NULL,
		source                   TEXT NOT NULL,
		product_id               TEXT NOT NULL,
		state                    TEXT NOT NULL,
		will_cancel              INTEGER NOT NULL DEFAULT 0,
		current_period_start     INTEGER,
		current_period_end       INTEGER,
		external_subscription_id TEXT NOT NULL DEFAULT '',
		plan_tier                TEXT NOT NULL DEFAULT '',
		last_amount_cents        INTEGER,
		last_event_id            TEXT NOT NULL DEFAULT '',
		updated_at               INTEGER NOT NULL,
		UNIQUE(org_id, user_id, source, product_id)
	);
	CREATE INDEX idx_entitlements_state ON entitlements(org_id, state);
	CREATE INDEX idx_entitlements_user ON entitlements(org_id, user_id);

	CREATE TABLE issues (
		id                      TEXT PRIMARY KEY,
		org_id                  TEXT NOT NULL,
		detector_id             TEXT NOT NULL,
		issue_type              TEXT NOT NULL,
		severity                TEXT NOT NULL,
		status                  TEXT NOT NULL DEFAULT 'open',
		user_id                 TEXT NOT NULL DEFAULT '',
		title                   TEXT NOT NULL,
		description             TEXT NOT NULL DEFAULT '',
		estimated_revenue_cents INTEGER,
		confidence              REAL,
		evidence                TEXT NOT NULL DEFAULT '{}',
		detection_tier          TEXT NOT NULL DEFAULT 'tier1',
		dedup_key               TEXT NOT NULL,
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL,
		resolved_at             INTEGER,
		resolution              TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_issues_dedup ON issues(org_id, dedup_key, status);
	CREATE INDEX idx_issues_status ON issues(org_id, status, severity);

	CREATE TABLE detector_runs (
		id             TEXT PRIMARY KEY,
		org_id         TEXT NOT NULL,
		detector_id    TEXT NOT NULL,
		started_at     INTEGER NOT NULL,
		completed_at   INTEGER,
		issues_created INTEGER NOT NULL DEFAULT 0,
		issues_updated INTEGER NOT NULL DEFAULT 0,
		error          TEXT NOT NULL DEFAULT '',
		aborted        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_runs_detector ON detector_runs(org_id, detector_id, started_at DESC);

	CREATE TABLE access_checks (
		id                TEXT PRIMARY KEY,
		org_id            TEXT NOT NULL,
		user_id           TEXT NOT NULL DEFAULT '',
		external_user_ref TEXT NOT NULL,
		match_key         TEXT NOT NULL,
		has_access        INTEGER NOT NULL,
		observed_at       INTEGER NOT NULL,
		source_tag        TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_access_user ON access_checks(org_id, user_id, observed_at DESC);
	CREATE INDEX idx_access_pending ON access_checks(org_id, match_key) WHERE user_id = '';

	CREATE TABLE alert_configs (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		channel      TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		enabled      INTEGER NOT NULL DEFAULT 1,
		rate_limit   INTEGER NOT NULL DEFAULT 5,
		rate_window  INTEGER NOT NULL DEFAULT 300,
		created_at   INTEGER NOT NULL
	);

	CREATE TABLE alert_deliveries (
		id              TEXT PRIMARY KEY,
		org_id          TEXT NOT NULL,
		alert_config_id TEXT NOT NULL,
		issue_id        TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		detail          TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX idx_deliveries_issue ON alert_deliveries(org_id, issue_id);
	`,
}

package store

import (
	"database/sql"
	"fmt"
)

// Schema is the complete pricewatch schema. Every table carries tenant_id.
const Schema = `
CREATE TABLE IF NOT EXISTS competitors (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    name        TEXT NOT NULL,
    geo         TEXT NOT NULL DEFAULT '',
    active      INTEGER NOT NULL DEFAULT 1,
    priority    INTEGER NOT NULL DEFAULT 5,
    slugs_json  TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_competitors_tenant ON competitors(tenant_id);

CREATE TABLE IF NOT EXISTS parser_profiles (
    id           TEXT NOT NULL,
    version      INTEGER NOT NULL,
    tenant_id    TEXT NOT NULL,
    name         TEXT NOT NULL,
    source_type  TEXT NOT NULL,
    definition   TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    PRIMARY KEY (id, version)
);
CREATE INDEX IF NOT EXISTS idx_profiles_tenant ON parser_profiles(tenant_id, id);

CREATE TABLE IF NOT EXISTS sources (
    id                      TEXT PRIMARY KEY,
    tenant_id               TEXT NOT NULL,
    competitor_id           TEXT NOT NULL REFERENCES competitors(id) ON DELETE CASCADE,
    kind                    TEXT NOT NULL DEFAULT 'menu',
    source_type             TEXT NOT NULL DEFAULT 'markup',
    base_url                TEXT NOT NULL,
    frequency_minutes       INTEGER NOT NULL DEFAULT 60,
    priority                INTEGER NOT NULL DEFAULT 5,
    robots_allowed          INTEGER NOT NULL DEFAULT 1,
    active                  INTEGER NOT NULL DEFAULT 1,
    profile_id              TEXT NOT NULL,
    profile_version         INTEGER NOT NULL,
    next_due_at             INTEGER NOT NULL DEFAULT 0,
    consecutive_failures    INTEGER NOT NULL DEFAULT 0,
    last_run_id             TEXT NOT NULL DEFAULT '',
    last_success_hash       TEXT NOT NULL DEFAULT '',
    last_applied_started_at INTEGER NOT NULL DEFAULT 0,
    created_at              INTEGER NOT NULL,
    updated_at              INTEGER NOT NULL,
    FOREIGN KEY (profile_id, profile_version) REFERENCES parser_profiles(id, version)
);
CREATE INDEX IF NOT EXISTS idx_sources_due ON sources(active, next_due_at);
CREATE INDEX IF NOT EXISTS idx_sources_tenant ON sources(tenant_id, competitor_id);

CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    source_id   TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    due_at      INTEGER NOT NULL,
    status      TEXT NOT NULL DEFAULT 'queued',
    trigger_kind TEXT NOT NULL DEFAULT 'schedule',
    run_id      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    started_at  INTEGER,
    finished_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_in_flight ON jobs(source_id) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, due_at);

CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    source_id        TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    job_id           TEXT NOT NULL DEFAULT '',
    profile_id       TEXT NOT NULL,
    profile_version  INTEGER NOT NULL,
    status           TEXT NOT NULL DEFAULT 'running',
    http_status      INTEGER NOT NULL DEFAULT 0,
    snapshot_ref     TEXT NOT NULL DEFAULT '',
    content_hash     TEXT NOT NULL DEFAULT '',
    unchanged        INTEGER NOT NULL DEFAULT 0,
    pages            INTEGER NOT NULL DEFAULT 0,
    products_parsed  INTEGER NOT NULL DEFAULT 0,
    products_changed INTEGER NOT NULL DEFAULT 0,
    products_new     INTEGER NOT NULL DEFAULT 0,
    duration_ms      INTEGER NOT NULL DEFAULT 0,
    error_kind       TEXT NOT NULL DEFAULT '',
    error_detail     TEXT NOT NULL DEFAULT '',
    started_at       INTEGER NOT NULL,
    finished_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source_id, started_at DESC);

CREATE TABLE IF NOT EXISTS snapshots (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    source_id    TEXT NOT NULL,
    run_id       TEXT NOT NULL,
    page         INTEGER NOT NULL DEFAULT 1,
    content_hash TEXT NOT NULL,
    blob_key     TEXT NOT NULL,
    size         INTEGER NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    UNIQUE (tenant_id, source_id, run_id, page)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_hash ON snapshots(content_hash);

CREATE TABLE IF NOT EXISTS products (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    competitor_id       TEXT NOT NULL REFERENCES competitors(id) ON DELETE CASCADE,
    source_id           TEXT NOT NULL,
    external_id         TEXT NOT NULL,
    name                TEXT NOT NULL DEFAULT '',
    brand               TEXT NOT NULL DEFAULT '',
    category            TEXT NOT NULL DEFAULT 'other',
    raw_category        TEXT NOT NULL DEFAULT '',
    strain              TEXT NOT NULL DEFAULT '',
    size                TEXT NOT NULL DEFAULT '',
    match_key           TEXT NOT NULL DEFAULT '',
    price_cents         INTEGER,
    regular_price_cents INTEGER,
    in_stock            INTEGER NOT NULL DEFAULT 1,
    discontinued        INTEGER NOT NULL DEFAULT 0,
    thc_pct             REAL,
    cbd_pct             REAL,
    image_url           TEXT NOT NULL DEFAULT '',
    url                 TEXT NOT NULL DEFAULT '',
    missed_runs         INTEGER NOT NULL DEFAULT 0,
    first_seen_at       INTEGER NOT NULL,
    last_seen_at        INTEGER NOT NULL,
    last_run_id         TEXT NOT NULL DEFAULT '',
    UNIQUE (tenant_id, competitor_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_products_source ON products(source_id);

CREATE TABLE IF NOT EXISTS price_points (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    product_id          TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
    run_id              TEXT NOT NULL,
    seq                 INTEGER NOT NULL,
    price_cents         INTEGER,
    regular_price_cents INTEGER,
    in_stock            INTEGER NOT NULL,
    observed_at         INTEGER NOT NULL,
    UNIQUE (product_id, run_id),
    UNIQUE (product_id, seq)
);

CREATE TABLE IF NOT EXISTS insights (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    competitor_id    TEXT NOT NULL,
    source_id        TEXT NOT NULL,
    product_id       TEXT NOT NULL DEFAULT '',
    run_id           TEXT NOT NULL,
    type             TEXT NOT NULL,
    severity         TEXT NOT NULL,
    product_name     TEXT NOT NULL DEFAULT '',
    brand            TEXT NOT NULL DEFAULT '',
    category         TEXT NOT NULL DEFAULT '',
    geo              TEXT NOT NULL DEFAULT '',
    previous_value   REAL,
    current_value    REAL,
    delta_percentage REAL,
    created_at       INTEGER NOT NULL,
    UNIQUE (run_id, product_id, type)
);
CREATE INDEX IF NOT EXISTS idx_insights_tenant ON insights(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS insight_consumers (
    insight_id  TEXT NOT NULL REFERENCES insights(id) ON DELETE CASCADE,
    consumer    TEXT NOT NULL,
    consumed_at INTEGER NOT NULL,
    PRIMARY KEY (insight_id, consumer)
);

CREATE TABLE IF NOT EXISTS watch_rules (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    name              TEXT NOT NULL,
    active            INTEGER NOT NULL DEFAULT 1,
    competitor_ids    TEXT NOT NULL DEFAULT '[]',
    brands            TEXT NOT NULL DEFAULT '[]',
    product_ids       TEXT NOT NULL DEFAULT '[]',
    geos              TEXT NOT NULL DEFAULT '[]',
    source_ids        TEXT NOT NULL DEFAULT '[]',
    insight_types     TEXT NOT NULL DEFAULT '[]',
    min_severity      TEXT NOT NULL DEFAULT '',
    min_delta_pct     REAL,
    max_delta_pct     REAL,
    undercut_pct      REAL,
    debounce_minutes  INTEGER NOT NULL DEFAULT 60,
    actions           TEXT NOT NULL DEFAULT '[]',
    last_triggered_at INTEGER NOT NULL DEFAULT 0,
    trigger_count     INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watch_rules_tenant ON watch_rules(tenant_id, active);

CREATE TABLE IF NOT EXISTS reference_prices (
    tenant_id   TEXT NOT NULL,
    match_key   TEXT NOT NULL,
    name        TEXT NOT NULL,
    brand       TEXT NOT NULL DEFAULT '',
    price_cents INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, match_key)
);
`

// ApplySchema creates all tables and runs column migrations.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	return applyColumnMigrations(db)
}

// columnMigrations adds columns introduced after the first schema release.
var columnMigrations = []struct{ table, column, def string }{
	{"runs", "warnings", "INTEGER NOT NULL DEFAULT 0"},
}

func applyColumnMigrations(db *sql.DB) error {
	for _, m := range columnMigrations {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&count)
		if err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
		}
		if count > 0 {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

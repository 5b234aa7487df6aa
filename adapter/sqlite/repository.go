// Package sqlite is the embedded single-host store. It keeps the same tables
// and semantics as the postgres adapter.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"dealhub/domain"
	"dealhub/internal/db/migrate"
)

type Repository struct{ db *sql.DB }

var _ domain.Store = (*Repository)(nil)

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	return &Repository{db: db}, nil
}

// migrations is append-only: never edit an applied step, add a new one.
var migrations = []migrate.Migration{
	{Version: 1, Name: "initial schema", SQL: `
		CREATE TABLE IF NOT EXISTS settings (
			tenant_id               TEXT PRIMARY KEY,
			autopost_enabled        INTEGER NOT NULL DEFAULT 1,
			destination_id          TEXT,
			sources                 TEXT NOT NULL DEFAULT '{}',
			poll_interval_seconds   INTEGER NOT NULL DEFAULT 120,
			max_deliveries_per_tick INTEGER NOT NULL DEFAULT 5,
			keyword_allowlist       TEXT,
			keyword_blocklist       TEXT,
			min_quality             INTEGER,
			link_rewrite_enabled    INTEGER NOT NULL DEFAULT 1,
			updated_at              INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS recency_cache (
			tenant_id    TEXT NOT NULL,
			item_id      TEXT NOT NULL,
			source       TEXT NOT NULL,
			url          TEXT NOT NULL,
			title        TEXT NOT NULL,
			description  TEXT,
			price        TEXT,
			quality      INTEGER,
			published_at INTEGER NOT NULL,
			raw_json     TEXT,
			inserted_at  INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, item_id)
		);
		CREATE INDEX IF NOT EXISTS idx_recency_cache_inserted_at ON recency_cache(tenant_id, inserted_at DESC);
		CREATE INDEX IF NOT EXISTS idx_recency_cache_quality ON recency_cache(tenant_id, quality);

		CREATE TABLE IF NOT EXISTS sent_ledger (
			tenant_id      TEXT NOT NULL,
			destination_id TEXT NOT NULL,
			item_id        TEXT NOT NULL,
			source         TEXT NOT NULL,
			url            TEXT NOT NULL,
			title          TEXT NOT NULL,
			delivered_at   INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, destination_id, item_id)
		);
		CREATE INDEX IF NOT EXISTS idx_sent_ledger_delivered_at ON sent_ledger(delivered_at);
	`},
}

// Ensure brings the schema up to the latest migration.
func (r *Repository) Ensure(ctx context.Context) error {
	if _, err := migrate.Run(ctx, r.db, migrations); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) LoadSettings(ctx context.Context, tenantID string) (domain.Settings, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM settings WHERE tenant_id = ?`, tenantID)
	s, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settings{}, domain.ErrNotFound
	}
	return s, err
}

func (r *Repository) SaveSettings(ctx context.Context, s domain.Settings) error {
	sources, err := json.Marshal(s.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	if s.Sources == nil {
		sources = []byte("{}")
	}
	allow, err := keywordsJSON(s.KeywordAllowlist)
	if err != nil {
		return err
	}
	block, err := keywordsJSON(s.KeywordBlocklist)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO settings (tenant_id, autopost_enabled, destination_id, sources, poll_interval_seconds,
			max_deliveries_per_tick, keyword_allowlist, keyword_blocklist, min_quality, link_rewrite_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			autopost_enabled = excluded.autopost_enabled,
			destination_id = excluded.destination_id,
			sources = excluded.sources,
			poll_interval_seconds = excluded.poll_interval_seconds,
			max_deliveries_per_tick = excluded.max_deliveries_per_tick,
			keyword_allowlist = excluded.keyword_allowlist,
			keyword_blocklist = excluded.keyword_blocklist,
			min_quality = excluded.min_quality,
			link_rewrite_enabled = excluded.link_rewrite_enabled,
			updated_at = excluded.updated_at
	`, s.TenantID, s.AutopostEnabled, nullString(s.DestinationID), string(sources), s.PollIntervalSeconds,
		s.MaxDeliveriesPerTick, allow, block, nullInt(s.MinQuality), s.LinkRewriteEnabled, s.UpdatedAt.UnixMilli())
	return err
}

func (r *Repository) ListSettings(ctx context.Context) ([]domain.Settings, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+settingsColumns+` FROM settings ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Settings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) UpsertAll(ctx context.Context, tenantID string, items []domain.Item, insertedAt time.Time) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recency_cache (tenant_id, item_id, source, url, title, description, price, quality,
			published_at, raw_json, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, item_id) DO UPDATE SET
			source = excluded.source,
			url = excluded.url,
			title = excluded.title,
			description = excluded.description,
			price = excluded.price,
			quality = excluded.quality,
			published_at = excluded.published_at,
			raw_json = excluded.raw_json,
			inserted_at = excluded.inserted_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		_, err := stmt.ExecContext(ctx, tenantID, it.ID, it.Source, it.URL, it.Title, nullString(it.Description),
			nullString(it.Price), nullInt(it.Quality), it.PublishedAt.UnixMilli(), nullString(string(it.Raw)),
			insertedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upserting item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) EvictExcess(ctx context.Context, tenantID string, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM recency_cache
		WHERE tenant_id = ? AND item_id NOT IN (
			SELECT item_id FROM recency_cache
			WHERE tenant_id = ?
			ORDER BY inserted_at DESC, item_id DESC
			LIMIT ?
		)
	`, tenantID, tenantID, max(limit, 0))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) PickRandom(ctx context.Context, tenantID string) (domain.Item, error) {
	return r.pickOne(ctx, `WHERE tenant_id = ? ORDER BY RANDOM() LIMIT 1`, tenantID)
}

func (r *Repository) PickByHighestQuality(ctx context.Context, tenantID string) (domain.Item, error) {
	return r.pickOne(ctx, `WHERE tenant_id = ? ORDER BY quality DESC NULLS LAST, inserted_at DESC, item_id DESC LIMIT 1`, tenantID)
}

func (r *Repository) PickByKeywordMatch(ctx context.Context, tenantID string, allowlist []string, sampleSize int) (domain.Item, error) {
	entries, err := r.ListRecent(ctx, tenantID, sampleSize)
	if err != nil {
		return domain.Item{}, err
	}
	it, ok := domain.PickKeywordMatch(entries, allowlist, rand.IntN)
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return it, nil
}

func (r *Repository) ListRecent(ctx context.Context, tenantID string, limit int) ([]domain.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+cacheColumns+` FROM recency_cache
		WHERE tenant_id = ? ORDER BY inserted_at DESC, item_id DESC LIMIT ?`, tenantID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) WasDelivered(ctx context.Context, tenantID, destinationID, itemID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sent_ledger
		WHERE tenant_id = ? AND destination_id = ? AND item_id = ?`, tenantID, destinationID, itemID).Scan(&n)
	return n > 0, err
}

func (r *Repository) RecordDelivered(ctx context.Context, tenantID, destinationID string, it domain.Item, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sent_ledger (tenant_id, destination_id, item_id, source, url, title, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, tenantID, destinationID, it.ID, it.Source, it.URL, it.Title, at.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sent %s to %s: %w", it.ID, destinationID, domain.ErrConflict)
	}
	return nil
}

func (r *Repository) ListSent(ctx context.Context, tenantID string, limit int) ([]domain.SentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, destination_id, item_id, source, url, title, delivered_at FROM sent_ledger
		WHERE tenant_id = ? ORDER BY delivered_at DESC LIMIT ?`, tenantID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SentRecord
	for rows.Next() {
		var (
			s  domain.SentRecord
			at int64
		)
		if err := rows.Scan(&s.TenantID, &s.DestinationID, &s.ItemID, &s.Source, &s.URL, &s.Title, &at); err != nil {
			return nil, err
		}
		s.DeliveredAt = time.UnixMilli(at).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) pickOne(ctx context.Context, clause string, args ...interface{}) (domain.Item, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM recency_cache `+clause, args...)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, domain.ErrNotFound
	}
	return e.Item, err
}

const (
	settingsColumns = `tenant_id, autopost_enabled, destination_id, sources, poll_interval_seconds,
		max_deliveries_per_tick, keyword_allowlist, keyword_blocklist, min_quality, link_rewrite_enabled, updated_at`
	cacheColumns = `tenant_id, item_id, source, url, title, description, price, quality, published_at, raw_json, inserted_at`
)

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettings(row scanner) (domain.Settings, error) {
	var (
		s          domain.Settings
		dest       sql.NullString
		sources    string
		allow      sql.NullString
		block      sql.NullString
		minQuality sql.NullInt64
		updated    int64
	)
	if err := row.Scan(&s.TenantID, &s.AutopostEnabled, &dest, &sources, &s.PollIntervalSeconds,
		&s.MaxDeliveriesPerTick, &allow, &block, &minQuality, &s.LinkRewriteEnabled, &updated); err != nil {
		return domain.Settings{}, err
	}
	s.DestinationID = dest.String
	s.Sources = map[string]bool{}
	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &s.Sources); err != nil {
			return domain.Settings{}, fmt.Errorf("decode sources for %s: %w", s.TenantID, err)
		}
	}
	var err error
	if s.KeywordAllowlist, err = parseKeywords(allow); err != nil {
		return domain.Settings{}, err
	}
	if s.KeywordBlocklist, err = parseKeywords(block); err != nil {
		return domain.Settings{}, err
	}
	if minQuality.Valid {
		q := int(minQuality.Int64)
		s.MinQuality = &q
	}
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return s, nil
}

func scanEntry(row scanner) (domain.CacheEntry, error) {
	var (
		e         domain.CacheEntry
		desc      sql.NullString
		price     sql.NullString
		quality   sql.NullInt64
		raw       sql.NullString
		published int64
		inserted  int64
	)
	if err := row.Scan(&e.TenantID, &e.Item.ID, &e.Item.Source, &e.Item.URL, &e.Item.Title, &desc, &price,
		&quality, &published, &raw, &inserted); err != nil {
		return domain.CacheEntry{}, err
	}
	e.Item.Description = desc.String
	e.Item.Price = price.String
	if quality.Valid {
		q := int(quality.Int64)
		e.Item.Quality = &q
	}
	if raw.Valid {
		e.Item.Raw = json.RawMessage(raw.String)
	}
	e.Item.PublishedAt = time.UnixMilli(published).UTC()
	e.InsertedAt = time.UnixMilli(inserted).UTC()
	return e, nil
}

func keywordsJSON(terms []string) (sql.NullString, error) {
	if len(terms) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(terms)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal keywords: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func parseKeywords(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var terms []string
	if err := json.Unmarshal([]byte(v.String), &terms); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if len(terms) == 0 {
		return nil, nil
	}
	return terms, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/lib/pq"

	"dealhub/domain"
	"dealhub/internal/db/migrate"
)

const uniqueViolation = "23505"

type Repository struct{ db *sql.DB }

func New(db *sql.DB) *Repository { return &Repository{db: db} }

var _ domain.Store = (*Repository)(nil)

// migrations is append-only: never edit an applied step, add a new one.
var migrations = []migrate.Migration{
	{Version: 1, Name: "initial schema", SQL: `
CREATE TABLE IF NOT EXISTS settings (
    tenant_id TEXT PRIMARY KEY,
    autopost_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    destination_id TEXT,
    sources JSONB NOT NULL DEFAULT '{}',
    poll_interval_seconds INTEGER NOT NULL DEFAULT 120,
    max_deliveries_per_tick INTEGER NOT NULL DEFAULT 5,
    keyword_allowlist TEXT[],
    keyword_blocklist TEXT[],
    min_quality INTEGER,
    link_rewrite_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS recency_cache (
    tenant_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    source TEXT NOT NULL,
    url TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    price TEXT,
    quality INTEGER,
    published_at BIGINT NOT NULL,
    raw_json TEXT,
    inserted_at BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_recency_cache_inserted_at ON recency_cache (tenant_id, inserted_at DESC);
CREATE INDEX IF NOT EXISTS idx_recency_cache_quality ON recency_cache (tenant_id, quality);
CREATE TABLE IF NOT EXISTS sent_ledger (
    tenant_id TEXT NOT NULL,
    destination_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    source TEXT NOT NULL,
    url TEXT NOT NULL,
    title TEXT NOT NULL,
    delivered_at BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, destination_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_sent_ledger_delivered_at ON sent_ledger (delivered_at);
`},
}

// Ensure brings the schema up to the latest migration.
func (r *Repository) Ensure(ctx context.Context) error {
	if _, err := migrate.Run(ctx, r.db, migrations); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) LoadSettings(ctx context.Context, tenantID string) (domain.Settings, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM settings WHERE tenant_id = $1`, tenantID)
	s, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settings{}, domain.ErrNotFound
	}
	return s, err
}

func (r *Repository) SaveSettings(ctx context.Context, s domain.Settings) error {
	sources, err := json.Marshal(nonNilSources(s.Sources))
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO settings (tenant_id, autopost_enabled, destination_id, sources, poll_interval_seconds,
    max_deliveries_per_tick, keyword_allowlist, keyword_blocklist, min_quality, link_rewrite_enabled, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (tenant_id) DO UPDATE SET
    autopost_enabled = EXCLUDED.autopost_enabled,
    destination_id = EXCLUDED.destination_id,
    sources = EXCLUDED.sources,
    poll_interval_seconds = EXCLUDED.poll_interval_seconds,
    max_deliveries_per_tick = EXCLUDED.max_deliveries_per_tick,
    keyword_allowlist = EXCLUDED.keyword_allowlist,
    keyword_blocklist = EXCLUDED.keyword_blocklist,
    min_quality = EXCLUDED.min_quality,
    link_rewrite_enabled = EXCLUDED.link_rewrite_enabled,
    updated_at = EXCLUDED.updated_at`,
		s.TenantID, s.AutopostEnabled, nullString(s.DestinationID), string(sources), s.PollIntervalSeconds,
		s.MaxDeliveriesPerTick, pq.Array(s.KeywordAllowlist), pq.Array(s.KeywordBlocklist),
		nullInt(s.MinQuality), s.LinkRewriteEnabled, s.UpdatedAt.UnixMilli())
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
INSERT INTO recency_cache (tenant_id, item_id, source, url, title, description, price, quality, published_at, raw_json, inserted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (tenant_id, item_id) DO UPDATE SET
    source = EXCLUDED.source,
    url = EXCLUDED.url,
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    price = EXCLUDED.price,
    quality = EXCLUDED.quality,
    published_at = EXCLUDED.published_at,
    raw_json = EXCLUDED.raw_json,
    inserted_at = EXCLUDED.inserted_at`)
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
WHERE tenant_id = $1 AND item_id NOT IN (
    SELECT item_id FROM recency_cache
    WHERE tenant_id = $1
    ORDER BY inserted_at DESC, item_id DESC
    LIMIT $2
)`, tenantID, max(limit, 0))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) PickRandom(ctx context.Context, tenantID string) (domain.Item, error) {
	return r.pickOne(ctx, `WHERE tenant_id = $1 ORDER BY random() LIMIT 1`, tenantID)
}

func (r *Repository) PickByHighestQuality(ctx context.Context, tenantID string) (domain.Item, error) {
	return r.pickOne(ctx, `WHERE tenant_id = $1 ORDER BY quality DESC NULLS LAST, inserted_at DESC, item_id DESC LIMIT 1`, tenantID)
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
WHERE tenant_id = $1 ORDER BY inserted_at DESC, item_id DESC LIMIT $2`, tenantID, max(limit, 0))
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
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (
    SELECT 1 FROM sent_ledger WHERE tenant_id = $1 AND destination_id = $2 AND item_id = $3)`,
		tenantID, destinationID, itemID).Scan(&exists)
	return exists, err
}

func (r *Repository) RecordDelivered(ctx context.Context, tenantID, destinationID string, it domain.Item, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sent_ledger (tenant_id, destination_id, item_id, source, url, title, delivered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, tenantID, destinationID, it.ID, it.Source, it.URL, it.Title, at.UnixMilli())
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("sent %s to %s: %w", it.ID, destinationID, domain.ErrConflict)
	}
	return err
}

func (r *Repository) ListSent(ctx context.Context, tenantID string, limit int) ([]domain.SentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT tenant_id, destination_id, item_id, source, url, title, delivered_at FROM sent_ledger
WHERE tenant_id = $1 ORDER BY delivered_at DESC LIMIT $2`, tenantID, max(limit, 0))
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
		sources    []byte
		allow      pq.StringArray
		block      pq.StringArray
		minQuality sql.NullInt64
		updated    int64
	)
	if err := row.Scan(&s.TenantID, &s.AutopostEnabled, &dest, &sources, &s.PollIntervalSeconds,
		&s.MaxDeliveriesPerTick, &allow, &block, &minQuality, &s.LinkRewriteEnabled, &updated); err != nil {
		return domain.Settings{}, err
	}
	s.DestinationID = dest.String
	s.Sources = map[string]bool{}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &s.Sources); err != nil {
			return domain.Settings{}, fmt.Errorf("decode sources for %s: %w", s.TenantID, err)
		}
	}
	if len(allow) > 0 {
		s.KeywordAllowlist = []string(allow)
	}
	if len(block) > 0 {
		s.KeywordBlocklist = []string(block)
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nonNilSources(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

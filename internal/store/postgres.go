package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the pgx-backed Store. Batch mutations run inside a single
// transaction; Postgres supplies the reader-writer discipline.
type Postgres struct {
	pool   *pgxpool.Pool
	opts   Options
	logger *zap.Logger
}

// NewPostgres connects, pings, and applies the schema.
func NewPostgres(ctx context.Context, dsn string, opts Options, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("bad storage dsn: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("postgres store ready")
	return &Postgres{pool: pool, opts: opts, logger: logger}, nil
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) Insert(ctx context.Context, now time.Time, items []model.Item) (InsertResult, error) {
	var res InsertResult
	now = now.UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: begin tx: %v", ErrBackend, err)
	}
	defer tx.Rollback(ctx)

	for _, it := range items {
		if err := validateItem(&it); err != nil {
			p.logger.Warn("skipping invalid item",
				zap.String("source", it.SourceName),
				zap.Error(err),
			)
			res.Skipped++
			continue
		}

		canonical := model.CanonicalURL(it.URL)

		var existing string
		err := tx.QueryRow(ctx,
			`SELECT id FROM items WHERE canonical_url = $1`, canonical,
		).Scan(&existing)
		switch {
		case err == nil:
			res.Duplicates++
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return res, fmt.Errorf("%w: url lookup: %v", ErrBackend, err)
		}

		err = tx.QueryRow(ctx,
			`SELECT id FROM items WHERE content_hash = $1 AND ingested_at > $2 LIMIT 1`,
			it.ContentHash, now.Add(-p.opts.DedupWindow),
		).Scan(&existing)
		switch {
		case err == nil:
			res.Duplicates++
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return res, fmt.Errorf("%w: hash lookup: %v", ErrBackend, err)
		}

		it.IngestedAt = now
		if clamped, did := model.ClampPublishedAt(it.PublishedAt, now); did {
			p.logger.Warn("published_at beyond clock skew, clamping",
				zap.String("item_id", it.ID),
				zap.Time("published_at", it.PublishedAt),
			)
			it.PublishedAt = clamped
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO items (id, url, canonical_url, title, body, published_at,
			                    source_name, source_kind, content_hash, ingested_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			it.ID, it.URL, canonical, it.Title, it.Body, it.PublishedAt,
			it.SourceName, string(it.SourceKind), it.ContentHash, it.IngestedAt,
		); err != nil {
			return res, fmt.Errorf("%w: insert item: %v", ErrBackend, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO watermarks (source_name, source_kind, latest_published_at)
			 VALUES ($1,$2,$3)
			 ON CONFLICT (source_name, source_kind)
			 DO UPDATE SET latest_published_at = GREATEST(watermarks.latest_published_at, EXCLUDED.latest_published_at)`,
			it.SourceName, string(it.SourceKind), it.PublishedAt,
		); err != nil {
			return res, fmt.Errorf("%w: advance watermark: %v", ErrBackend, err)
		}
		res.Inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("%w: commit: %v", ErrBackend, err)
	}
	return res, nil
}

func (p *Postgres) QueryWindow(ctx context.Context, now time.Time, hours int) ([]model.Item, error) {
	start := now.Add(-time.Duration(hours) * time.Hour)
	rows, err := p.pool.Query(ctx,
		`SELECT id, url, title, body, published_at, source_name, source_kind, content_hash, ingested_at
		 FROM items
		 WHERE published_at >= $1 AND published_at <= $2
		 ORDER BY published_at DESC, id ASC`,
		start, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: window query: %v", ErrBackend, err)
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		var it model.Item
		var kind string
		if err := rows.Scan(&it.ID, &it.URL, &it.Title, &it.Body, &it.PublishedAt,
			&it.SourceName, &kind, &it.ContentHash, &it.IngestedAt); err != nil {
			return nil, fmt.Errorf("%w: scan item: %v", ErrBackend, err)
		}
		it.SourceKind = model.SourceKind(kind)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: window rows: %v", ErrBackend, err)
	}
	return out, nil
}

func (p *Postgres) LatestTime(ctx context.Context, source string, kind model.SourceKind) (time.Time, bool, error) {
	var wm time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT latest_published_at FROM watermarks WHERE source_name = $1 AND source_kind = $2`,
		source, string(kind),
	).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: watermark lookup: %v", ErrBackend, err)
	}
	return wm, true, nil
}

func (p *Postgres) MarkSent(ctx context.Context, ids []string, at time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrBackend, err)
	}
	defer tx.Rollback(ctx)

	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sent_records (item_id, sent_at) VALUES ($1, $2)
			 ON CONFLICT (item_id) DO NOTHING`,
			id, at.UTC(),
		); err != nil {
			return fmt.Errorf("%w: mark sent %s: %v", ErrBackend, id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrBackend, err)
	}
	return nil
}

func (p *Postgres) SentSummary(ctx context.Context, now time.Time) (string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT COALESCE(i.title, '(purged item)'), s.sent_at
		 FROM sent_records s
		 LEFT JOIN items i ON i.id = s.item_id
		 WHERE s.sent_at > $1
		 ORDER BY s.sent_at DESC`,
		now.Add(-p.opts.SentCacheTTL),
	)
	if err != nil {
		return "", fmt.Errorf("%w: sent summary query: %v", ErrBackend, err)
	}
	defer rows.Close()

	var entries []sentEntry
	for rows.Next() {
		var e sentEntry
		if err := rows.Scan(&e.Title, &e.SentAt); err != nil {
			return "", fmt.Errorf("%w: scan sent record: %v", ErrBackend, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: sent rows: %v", ErrBackend, err)
	}
	return buildSentSummary(entries, p.opts.SentSummaryMax), nil
}

func (p *Postgres) Purge(ctx context.Context, now time.Time) (PurgeStats, error) {
	var stats PurgeStats

	tag, err := p.pool.Exec(ctx,
		`DELETE FROM items WHERE ingested_at < $1 AND published_at < $2`,
		now.AddDate(0, 0, -p.opts.RetentionDays),
		now.Add(-time.Duration(p.opts.ActiveWindowHours)*time.Hour),
	)
	if err != nil {
		return stats, fmt.Errorf("%w: purge items: %v", ErrBackend, err)
	}
	stats.Items = tag.RowsAffected()

	tag, err = p.pool.Exec(ctx,
		`DELETE FROM sent_records WHERE sent_at < $1`,
		now.Add(-p.opts.SentCacheTTL),
	)
	if err != nil {
		return stats, fmt.Errorf("%w: purge sent records: %v", ErrBackend, err)
	}
	stats.SentRecords = tag.RowsAffected()
	return stats, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/source"
)

// EventRow is an accepted event and the session it was windowed into, if
// any.
type EventRow struct {
	Event     model.UsageEvent
	SessionID string
}

// Batch is everything one ingest cycle persists. Apply writes it in a
// single transaction so read cursors never run ahead of stored events.
type Batch struct {
	Events   []EventRow
	Sessions []*model.Session
	Dedup    []model.DedupRecord
	Offsets  []source.FileState
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Events) == 0 && len(b.Sessions) == 0 && len(b.Dedup) == 0 && len(b.Offsets) == 0
}

type rollupKey struct {
	providerID string
	day        string
}

// Apply persists b. Every write is an upsert or insert-if-absent, so
// applying the same batch twice leaves the same state.
func (s *Store) Apply(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[rollupKey]struct{})
	for _, row := range b.Events {
		if err := insertEvent(ctx, tx, row); err != nil {
			return err
		}
		touched[rollupKey{row.Event.ProviderID, dayKey(row.Event.OccurredAt)}] = struct{}{}
	}

	for _, rec := range b.Dedup {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dedup_identities (identity, first_seen_ms)
			VALUES (?, ?)`, rec.Identity, toMillis(rec.FirstSeenAt))
		if err != nil {
			return fmt.Errorf("inserting dedup identity: %w", err)
		}
	}

	for _, sess := range b.Sessions {
		if err := s.saveSession(ctx, tx, sess); err != nil {
			return err
		}
	}

	for _, fs := range b.Offsets {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO file_offsets
			(file_path, offset_bytes, size_bytes, mtime_ns) VALUES (?, ?, ?, ?)`,
			fs.Path, fs.Offset, fs.Size, fs.ModTime.UnixNano())
		if err != nil {
			return fmt.Errorf("saving offset for %s: %w", fs.Path, err)
		}
	}

	updated := s.now().UTC().Format(time.RFC3339)
	for k := range touched {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO daily_rollups
			(day, provider_id, total_cost, total_tokens, request_count, updated_at)
			SELECT ?, ?, COALESCE(SUM(cost_usd), 0),
			       COALESCE(SUM(input_tokens + output_tokens + cache_write_tokens + cache_read_tokens), 0),
			       COUNT(*), ?
			FROM usage_events WHERE provider_id = ? AND day = ?`,
			k.day, k.providerID, updated, k.providerID, k.day)
		if err != nil {
			return fmt.Errorf("rolling up %s %s: %w", k.providerID, k.day, err)
		}
	}

	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, row EventRow) error {
	ev := row.Event
	var identity, sessionID sql.NullString
	if ev.HasIdentity() {
		identity = sql.NullString{String: ev.Identity, Valid: true}
	}
	if row.SessionID != "" {
		sessionID = sql.NullString{String: row.SessionID, Valid: true}
	}

	// A revisable row takes the latest counts; anything else keeps the
	// first copy stored.
	query := `INSERT OR IGNORE INTO usage_events
		(provider_id, identity, occurred_at_ms, day, model, input_tokens, output_tokens,
		 cache_write_tokens, cache_read_tokens, cost_usd, cost_reported, unpriced, low_quality,
		 revisable, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ev.Revisable && identity.Valid {
		query = `INSERT INTO usage_events
		(provider_id, identity, occurred_at_ms, day, model, input_tokens, output_tokens,
		 cache_write_tokens, cache_read_tokens, cost_usd, cost_reported, unpriced, low_quality,
		 revisable, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) WHERE identity IS NOT NULL DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_write_tokens = excluded.cache_write_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cost_usd = excluded.cost_usd,
			unpriced = excluded.unpriced,
			revisable = excluded.revisable
		WHERE usage_events.revisable = 1`
	}
	_, err := tx.ExecContext(ctx, query,
		ev.ProviderID, identity, toMillis(ev.OccurredAt), dayKey(ev.OccurredAt), ev.ModelID,
		ev.InputTokens, ev.OutputTokens, ev.CacheWriteTokens, ev.CacheReadTokens, ev.CostUSD,
		boolInt(ev.CostReported), boolInt(ev.Unpriced), boolInt(ev.LowQuality),
		boolInt(ev.Revisable), sessionID,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Rollups returns daily rollups for days in [from, to], ordered by day then
// provider. An empty providerID returns every provider.
func (s *Store) Rollups(ctx context.Context, providerID string, from, to time.Time) ([]model.DailyRollup, error) {
	query := `SELECT day, provider_id, total_cost, total_tokens, request_count
		FROM daily_rollups WHERE day >= ? AND day <= ?`
	args := []any{dayKey(from), dayKey(to)}
	if providerID != "" {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}
	query += " ORDER BY day, provider_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.DailyRollup
	for rows.Next() {
		var (
			r   model.DailyRollup
			day string
		)
		if err := rows.Scan(&day, &r.ProviderID, &r.TotalCost, &r.TotalTokens, &r.RequestCount); err != nil {
			return nil, err
		}
		r.Date, err = time.Parse(dayLayout, day)
		if err != nil {
			return nil, fmt.Errorf("bad rollup day %q: %w", day, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RevisableSince returns the revisable events that occurred at or after
// since, with their latest stored counts.
func (s *Store) RevisableSince(ctx context.Context, since time.Time) ([]model.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_id, identity, occurred_at_ms, model,
		input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
		cost_usd, cost_reported, unpriced, low_quality
		FROM usage_events WHERE revisable = 1 AND identity IS NOT NULL AND occurred_at_ms >= ?
		ORDER BY seq ASC`, toMillis(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.UsageEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		ev.Revisable = true
		out = append(out, ev)
	}
	return out, rows.Err()
}

// scanEvent reads the column list shared by event queries.
func scanEvent(rows *sql.Rows) (model.UsageEvent, error) {
	var (
		ev                             model.UsageEvent
		identity                       sql.NullString
		ms                             int64
		reported, unpriced, lowQuality int
	)
	err := rows.Scan(&ev.ProviderID, &identity, &ms, &ev.ModelID,
		&ev.InputTokens, &ev.OutputTokens, &ev.CacheWriteTokens, &ev.CacheReadTokens,
		&ev.CostUSD, &reported, &unpriced, &lowQuality)
	if err != nil {
		return ev, err
	}
	ev.Identity = identity.String
	ev.OccurredAt = fromMillis(ms)
	ev.CostReported = reported != 0
	ev.Unpriced = unpriced != 0
	ev.LowQuality = lowQuality != 0
	return ev, nil
}

// LoadOffsets implements source.OffsetLoader.
func (s *Store) LoadOffsets(ctx context.Context) ([]source.FileState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT file_path, offset_bytes, size_bytes, mtime_ns FROM file_offsets")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []source.FileState
	for rows.Next() {
		var (
			fs      source.FileState
			mtimeNs int64
		)
		if err := rows.Scan(&fs.Path, &fs.Offset, &fs.Size, &mtimeNs); err != nil {
			return nil, err
		}
		fs.ModTime = time.Unix(0, mtimeNs)
		out = append(out, fs)
	}
	return out, rows.Err()
}

// DedupSince returns identities first seen at or after since.
func (s *Store) DedupSince(ctx context.Context, since time.Time) ([]model.DedupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, first_seen_ms FROM dedup_identities
		WHERE first_seen_ms >= ?`, toMillis(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.DedupRecord
	for rows.Next() {
		var (
			rec model.DedupRecord
			ms  int64
		)
		if err := rows.Scan(&rec.Identity, &ms); err != nil {
			return nil, err
		}
		rec.FirstSeenAt = fromMillis(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	Identities int64
	Events     int64
	Snapshots  int64
}

// Prune drops dedup identities, raw events and snapshot history older than
// before. Rollups and sessions are kept.
func (s *Store) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	var res PruneResult
	cutoff := toMillis(before)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		query string
		n     *int64
	}{
		{"DELETE FROM dedup_identities WHERE first_seen_ms < ?", &res.Identities},
		{"DELETE FROM usage_events WHERE occurred_at_ms < ?", &res.Events},
		// keep the newest row per provider so the latest snapshot survives
		{`DELETE FROM provider_snapshots WHERE fetched_at_ms < ? AND id NOT IN
			(SELECT id FROM provider_snapshots p WHERE fetched_at_ms =
				(SELECT MAX(fetched_at_ms) FROM provider_snapshots WHERE provider_id = p.provider_id))`, &res.Snapshots},
	}
	for _, st := range steps {
		r, err := tx.ExecContext(ctx, st.query, cutoff)
		if err != nil {
			return res, fmt.Errorf("pruning: %w", err)
		}
		*st.n, _ = r.RowsAffected()
	}
	return res, tx.Commit()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/spendwatch/internal/model"
)

// SaveSnapshot appends snap to the provider's history, makes it the latest
// and recomputes that day's rollup from the spend delta. It returns the
// history row id.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.ProviderSnapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	id := uuid.NewString()
	day := dayKey(snap.FetchedAt)
	_, err = tx.ExecContext(ctx, `INSERT INTO provider_snapshots
		(id, provider_id, fetched_at_ms, day, status, cost_to_date, token_count,
		 credit_limit, credit_remaining, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, snap.ProviderID, toMillis(snap.FetchedAt), day, string(snap.Status),
		snap.CostToDate, snap.TokenCount, nullFloat(snap.CreditLimit), nullFloat(snap.CreditRemaining),
		string(payload),
	)
	if err != nil {
		return "", fmt.Errorf("inserting snapshot: %w", err)
	}

	if err := s.rollupSnapshotDay(ctx, tx, snap.ProviderID, day); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.cacheMu.Lock()
	s.latest.Del(snap.ProviderID)
	s.cacheMu.Unlock()
	return id, nil
}

// rollupSnapshotDay sets the day's rollup to the growth of the cumulative
// counters across the day. A counter that went down is treated as a reset.
func (s *Store) rollupSnapshotDay(ctx context.Context, tx *sql.Tx, providerID, day string) error {
	var (
		lastCost   float64
		lastTokens int64
		fetches    int64
	)
	err := tx.QueryRowContext(ctx, `SELECT cost_to_date, token_count,
		(SELECT COUNT(*) FROM provider_snapshots WHERE provider_id = ? AND day = ?)
		FROM provider_snapshots WHERE provider_id = ? AND day = ?
		ORDER BY fetched_at_ms DESC LIMIT 1`,
		providerID, day, providerID, day,
	).Scan(&lastCost, &lastTokens, &fetches)
	if err != nil {
		return fmt.Errorf("reading day's last snapshot: %w", err)
	}

	var baseCost float64
	var baseTokens int64
	err = tx.QueryRowContext(ctx, `SELECT cost_to_date, token_count FROM provider_snapshots
		WHERE provider_id = ? AND day < ? ORDER BY fetched_at_ms DESC LIMIT 1`,
		providerID, day,
	).Scan(&baseCost, &baseTokens)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `SELECT cost_to_date, token_count FROM provider_snapshots
			WHERE provider_id = ? AND day = ? ORDER BY fetched_at_ms ASC LIMIT 1`,
			providerID, day,
		).Scan(&baseCost, &baseTokens)
	}
	if err != nil {
		return fmt.Errorf("reading baseline snapshot: %w", err)
	}

	cost := lastCost - baseCost
	if cost < 0 {
		cost = lastCost
	}
	tokens := lastTokens - baseTokens
	if tokens < 0 {
		tokens = lastTokens
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO daily_rollups
		(day, provider_id, total_cost, total_tokens, request_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		day, providerID, cost, tokens, fetches, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing snapshot rollup: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot of providerID.
func (s *Store) LatestSnapshot(ctx context.Context, providerID string) (model.ProviderSnapshot, error) {
	if snap, ok := s.latest.Get(providerID); ok {
		return snap, nil
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM provider_snapshots
		WHERE provider_id = ? ORDER BY fetched_at_ms DESC LIMIT 1`, providerID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProviderSnapshot{}, ErrNotFound
	}
	if err != nil {
		return model.ProviderSnapshot{}, err
	}

	var snap model.ProviderSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return model.ProviderSnapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	s.latest.Set(providerID, snap, 1)
	return snap, nil
}

// LatestSnapshots returns the latest snapshot of every provider on record.
func (s *Store) LatestSnapshots(ctx context.Context) (map[string]model.ProviderSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT provider_id FROM provider_snapshots")
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]model.ProviderSnapshot, len(ids))
	for _, id := range ids {
		snap, err := s.LatestSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = snap
	}
	return out, nil
}

// SnapshotHistory returns providerID's snapshots fetched at or after since,
// oldest first.
func (s *Store) SnapshotHistory(ctx context.Context, providerID string, since time.Time) ([]model.ProviderSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM provider_snapshots
		WHERE provider_id = ? AND fetched_at_ms >= ? ORDER BY fetched_at_ms ASC`,
		providerID, toMillis(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.ProviderSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap model.ProviderSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("decoding snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/spendwatch/internal/model"
)

func (s *Store) saveSession(ctx context.Context, tx *sql.Tx, sess *model.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(session_id, provider_id, started_at_ms, ends_at_ms, event_count, total_tokens, total_cost, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProviderID, toMillis(sess.StartedAt), toMillis(sess.EndsAt),
		len(sess.Events), sess.TotalTokens(), sess.TotalCost(), s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM session_models WHERE session_id = ?", sess.ID)
	if err != nil {
		return err
	}
	for name, mt := range sess.PerModel {
		_, err = tx.ExecContext(ctx, `INSERT INTO session_models
			(session_id, model, requests, input_tokens, output_tokens,
			 cache_write_tokens, cache_read_tokens, cost_usd, unpriced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, name, mt.Requests, mt.InputTokens, mt.OutputTokens,
			mt.CacheWriteTokens, mt.CacheReadTokens, mt.CostUSD, boolInt(mt.Unpriced),
		)
		if err != nil {
			return fmt.Errorf("saving session %s model %s: %w", sess.ID, name, err)
		}
	}
	return nil
}

// Session loads a session by id with its per-model totals and any events
// still retained.
func (s *Store) Session(ctx context.Context, id string) (*model.Session, error) {
	sessions, err := s.querySessions(ctx, `WHERE session_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

// ActiveSession returns providerID's session whose window is open at now.
func (s *Store) ActiveSession(ctx context.Context, providerID string, now time.Time) (*model.Session, error) {
	ms := toMillis(now)
	sessions, err := s.querySessions(ctx,
		`WHERE provider_id = ? AND started_at_ms <= ? AND ends_at_ms > ? ORDER BY started_at_ms DESC LIMIT 1`,
		providerID, ms, ms)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

// Sessions returns providerID's sessions ending after since, oldest first.
func (s *Store) Sessions(ctx context.Context, providerID string, since time.Time) ([]*model.Session, error) {
	return s.querySessions(ctx,
		`WHERE provider_id = ? AND ends_at_ms > ? ORDER BY started_at_ms ASC`,
		providerID, toMillis(since))
}

func (s *Store) querySessions(ctx context.Context, where string, args ...any) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, provider_id, started_at_ms, ends_at_ms FROM sessions `+where, args...)
	if err != nil {
		return nil, err
	}

	var sessions []*model.Session
	for rows.Next() {
		var (
			id, provider    string
			startMs, endsMs int64
		)
		if err := rows.Scan(&id, &provider, &startMs, &endsMs); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sess := model.NewSession(provider, fromMillis(startMs))
		sess.ID = id
		sess.EndsAt = fromMillis(endsMs)
		sessions = append(sessions, sess)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		if err := s.loadSessionDetail(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// loadSessionDetail fills per-model totals from session_models and the
// event list from usage_events. Totals come from session_models because
// retained events may have been pruned.
func (s *Store) loadSessionDetail(ctx context.Context, sess *model.Session) error {
	rows, err := s.db.QueryContext(ctx, `SELECT model, requests, input_tokens, output_tokens,
		cache_write_tokens, cache_read_tokens, cost_usd, unpriced
		FROM session_models WHERE session_id = ?`, sess.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			name     string
			mt       model.ModelTotals
			unpriced int
		)
		if err := rows.Scan(&name, &mt.Requests, &mt.InputTokens, &mt.OutputTokens,
			&mt.CacheWriteTokens, &mt.CacheReadTokens, &mt.CostUSD, &unpriced); err != nil {
			_ = rows.Close()
			return err
		}
		mt.Unpriced = unpriced != 0
		sess.PerModel[name] = &mt
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT provider_id, identity, occurred_at_ms, model,
		input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
		cost_usd, cost_reported, unpriced, low_quality
		FROM usage_events WHERE session_id = ? ORDER BY seq ASC`, sess.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		sess.Events = append(sess.Events, ev)
	}
	return rows.Err()
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

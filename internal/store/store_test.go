package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/source"
)

var day1 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "spendwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func usage(id string, at time.Time, in, out int64, cost float64) model.UsageEvent {
	return model.UsageEvent{
		ProviderID:   "claude-code",
		OccurredAt:   at,
		ModelID:      "claude-opus-4",
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      cost,
		Identity:     id,
	}
}

func TestApply_IdempotentReplay(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	at := day1.Add(10*time.Hour + 3*time.Minute)
	sess := model.NewSession("claude-code", day1.Add(10*time.Hour))
	ev := usage("m1:r1", at, 100, 50, 0.01)
	sess.Append(ev)

	b := Batch{
		Events:   []EventRow{{Event: ev, SessionID: sess.ID}},
		Sessions: []*model.Session{sess},
		Dedup:    []model.DedupRecord{{Identity: "m1:r1", FirstSeenAt: at}},
		Offsets:  []source.FileState{{Path: "/logs/a.jsonl", Offset: 120, Size: 120, ModTime: at}},
	}
	require.NoError(t, s.Apply(ctx, b))
	require.NoError(t, s.Apply(ctx, b))

	rollups, err := s.Rollups(ctx, "claude-code", day1, day1)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.Equal(t, int64(150), rollups[0].TotalTokens)
	require.Equal(t, int64(1), rollups[0].RequestCount)
	require.InDelta(t, 0.01, rollups[0].TotalCost, 1e-9)

	counts, err := s.Counts()
	require.NoError(t, err)
	require.Equal(t, int64(1), counts["usage_events"])
	require.Equal(t, int64(1), counts["dedup_identities"])
	require.Equal(t, int64(1), counts["sessions"])
}

func TestApply_EventsWithoutIdentityAreKept(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	ev := usage("", day1.Add(time.Hour), 10, 0, 0)
	ev.LowQuality = true
	require.NoError(t, s.Apply(ctx, Batch{Events: []EventRow{{Event: ev}, {Event: ev}}}))

	rollups, err := s.Rollups(ctx, "", day1, day1)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.Equal(t, int64(2), rollups[0].RequestCount)
}

func TestRollups_RangeAndProvider(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var rows []EventRow
	for i := 0; i < 3; i++ {
		ev := usage("id"+string(rune('a'+i)), day1.AddDate(0, 0, i).Add(time.Hour), 10, 10, 1)
		rows = append(rows, EventRow{Event: ev})
	}
	other := usage("x", day1.Add(time.Hour), 1, 1, 0.5)
	other.ProviderID = "openai"
	rows = append(rows, EventRow{Event: other})
	require.NoError(t, s.Apply(ctx, Batch{Events: rows}))

	all, err := s.Rollups(ctx, "", day1, day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "claude-code", all[0].ProviderID)
	require.Equal(t, "openai", all[1].ProviderID)
	require.True(t, all[2].Date.Equal(day1.AddDate(0, 0, 1)))

	only, err := s.Rollups(ctx, "openai", day1, day1.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.InDelta(t, 0.5, only[0].TotalCost, 1e-9)
}

func snapshot(at time.Time, cost float64) model.ProviderSnapshot {
	limit := 100.0
	return model.ProviderSnapshot{
		ProviderID:  "openrouter",
		CostToDate:  cost,
		TokenCount:  int64(cost * 1000),
		CreditLimit: &limit,
		FetchedAt:   at,
		Status:      model.StatusActive,
	}
}

func TestSaveSnapshot_LatestAndDeltaRollup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.LatestSnapshot(ctx, "openrouter")
	require.True(t, IsNotFound(err))

	for _, snap := range []model.ProviderSnapshot{
		snapshot(day1.Add(20*time.Hour), 10),
		snapshot(day1.Add(30*time.Hour), 12),
		snapshot(day1.Add(40*time.Hour), 15.5),
	} {
		id, err := s.SaveSnapshot(ctx, snap)
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}

	latest, err := s.LatestSnapshot(ctx, "openrouter")
	require.NoError(t, err)
	require.InDelta(t, 15.5, latest.CostToDate, 1e-9)
	require.NotNil(t, latest.CreditLimit)

	rollups, err := s.Rollups(ctx, "openrouter", day1, day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rollups, 2)
	require.InDelta(t, 0, rollups[0].TotalCost, 1e-9)
	require.InDelta(t, 5.5, rollups[1].TotalCost, 1e-9)
	require.Equal(t, int64(2), rollups[1].RequestCount)

	history, err := s.SnapshotHistory(ctx, "openrouter", day1)
	require.NoError(t, err)
	require.Len(t, history, 3)

	all, err := s.LatestSnapshots(ctx)
	require.NoError(t, err)
	require.Contains(t, all, "openrouter")
}

func TestSaveSnapshot_CounterResetCountsFromZero(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.SaveSnapshot(ctx, snapshot(day1.Add(time.Hour), 50))
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, snapshot(day1.AddDate(0, 0, 1).Add(time.Hour), 3))
	require.NoError(t, err)

	rollups, err := s.Rollups(ctx, "openrouter", day1.AddDate(0, 0, 1), day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.InDelta(t, 3, rollups[0].TotalCost, 1e-9)
}

func TestSessions_RoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sess := model.NewSession("claude-code", day1.Add(9*time.Hour))
	e1 := usage("m1:r1", day1.Add(9*time.Hour+58*time.Minute), 100, 50, 0.02)
	e2 := usage("m2:r2", day1.Add(10*time.Hour+2*time.Minute), 10, 5, 0.01)
	sess.Append(e1)
	sess.Append(e2)

	require.NoError(t, s.Apply(ctx, Batch{
		Events:   []EventRow{{Event: e1, SessionID: sess.ID}, {Event: e2, SessionID: sess.ID}},
		Sessions: []*model.Session{sess},
	}))

	got, err := s.Session(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, got.StartedAt.Equal(sess.StartedAt))
	require.True(t, got.EndsAt.Equal(sess.EndsAt))
	require.Equal(t, int64(165), got.TotalTokens())
	require.Len(t, got.Events, 2)
	require.Equal(t, "m1:r1", got.Events[0].Identity)

	active, err := s.ActiveSession(ctx, "claude-code", day1.Add(13*time.Hour))
	require.NoError(t, err)
	require.Equal(t, sess.ID, active.ID)

	_, err = s.ActiveSession(ctx, "claude-code", day1.Add(14*time.Hour))
	require.True(t, IsNotFound(err))

	recent, err := s.Sessions(ctx, "claude-code", day1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestOffsetsAndDedupRestore(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mtime := time.Unix(1_750_000_000, 123)

	require.NoError(t, s.Apply(ctx, Batch{
		Dedup: []model.DedupRecord{
			{Identity: "old", FirstSeenAt: day1},
			{Identity: "new", FirstSeenAt: day1.Add(48 * time.Hour)},
		},
		Offsets: []source.FileState{{Path: "/a.jsonl", Offset: 10, Size: 20, ModTime: mtime}},
	}))

	offsets, err := s.LoadOffsets(ctx)
	require.NoError(t, err)
	require.Len(t, offsets, 1)
	require.Equal(t, int64(10), offsets[0].Offset)
	require.True(t, offsets[0].ModTime.Equal(mtime))

	recs, err := s.DedupSince(ctx, day1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "new", recs[0].Identity)
}

func TestPrune(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	old := usage("old", day1, 1, 1, 0)
	fresh := usage("fresh", day1.AddDate(0, 0, 40), 1, 1, 0)
	require.NoError(t, s.Apply(ctx, Batch{
		Events: []EventRow{{Event: old}, {Event: fresh}},
		Dedup: []model.DedupRecord{
			{Identity: "old", FirstSeenAt: day1},
			{Identity: "fresh", FirstSeenAt: day1.AddDate(0, 0, 40)},
		},
	}))
	_, err := s.SaveSnapshot(ctx, snapshot(day1, 1))
	require.NoError(t, err)

	res, err := s.Prune(ctx, day1.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Identities)
	require.Equal(t, int64(1), res.Events)
	require.Equal(t, int64(0), res.Snapshots)

	_, err = s.LatestSnapshot(ctx, "openrouter")
	require.NoError(t, err)

	rollups, err := s.Rollups(ctx, "claude-code", day1, day1)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
}

func TestApply_RevisableRowTakesLatestCounts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	at := day1.Add(10 * time.Hour)

	bucket := usage("openai:org-1:1748772000:gpt-4o:completion", at, 100, 50, 0.1)
	bucket.ProviderID = "openai"
	bucket.Revisable = true
	require.NoError(t, s.Apply(ctx, Batch{Events: []EventRow{{Event: bucket}}}))

	grown := bucket
	grown.InputTokens, grown.OutputTokens, grown.CostUSD = 1000, 500, 1.0
	require.NoError(t, s.Apply(ctx, Batch{Events: []EventRow{{Event: grown}}}))

	rollups, err := s.Rollups(ctx, "openai", day1, day1)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.Equal(t, int64(1500), rollups[0].TotalTokens)
	require.Equal(t, int64(1), rollups[0].RequestCount)
	require.InDelta(t, 1.0, rollups[0].TotalCost, 1e-9)

	revisable, err := s.RevisableSince(ctx, day1)
	require.NoError(t, err)
	require.Len(t, revisable, 1)
	require.Equal(t, int64(1000), revisable[0].InputTokens)
	require.True(t, revisable[0].Revisable)

	// Once the day is final, a plain copy leaves the stored counts alone.
	final := bucket
	final.Revisable = false
	require.NoError(t, s.Apply(ctx, Batch{Events: []EventRow{{Event: final}}}))
	rollups, err = s.Rollups(ctx, "openai", day1, day1)
	require.NoError(t, err)
	require.Equal(t, int64(1500), rollups[0].TotalTokens)
}

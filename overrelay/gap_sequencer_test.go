package overrelay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFindGaps_InitializesOpenRange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "n1")
	g := NewGapSequencer(db, time.Hour, 0, testLogger(), nil)

	gaps, err := g.FindGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []gapRange{{0, OpenEnd, GapOpen}}, gapRanges(gaps))

	// a second call does not add another range
	gaps, err = g.ListGaps(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
}

func TestMarkRouted_SplitsAndCoalesces(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "n1")
	g := NewGapSequencer(db, time.Hour, 0, testLogger(), nil)

	require.NoError(t, g.MarkRouted(ctx, db, 10, 20))
	gaps, err := g.ListGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []gapRange{
		{0, 10, GapOpen},
		{10, 20, GapOK},
		{20, OpenEnd, GapOpen},
	}, gapRanges(gaps))

	require.NoError(t, g.MarkRouted(ctx, db, 20, 25))
	gaps, err = g.ListGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []gapRange{
		{0, 10, GapOpen},
		{10, 25, GapOK},
		{25, OpenEnd, GapOpen},
	}, gapRanges(gaps))
	require.NoError(t, CheckCoverage(gaps))

	require.Error(t, g.MarkRouted(ctx, db, 5, 5))
}

func TestMarkOpenEnd_AppendsMissingOpenRange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "n1")
	g := NewGapSequencer(db, time.Hour, 0, testLogger(), nil)

	_, err := g.FindGaps(ctx)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE _relay_data_gap SET end_id = 50`)
	require.NoError(t, err)

	gaps, err := g.ListGaps(ctx)
	require.NoError(t, err)
	require.Error(t, CheckCoverage(gaps))

	require.NoError(t, g.MarkOpenEnd(ctx))
	gaps, err = g.ListGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []gapRange{{0, 50, GapOpen}, {50, OpenEnd, GapOpen}}, gapRanges(gaps))
	require.NoError(t, CheckCoverage(gaps))
}

func TestRouting_SkipsAbandonedIDAndContinues(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	require.NoError(t, svc.SavePeer(ctx, Node{NodeID: "n2", SyncEnabled: true}))

	for i := 1; i <= 6; i++ {
		insertTestChange(t, svc.db, "items", DefaultChannelID, fmt.Sprintf("tx%d", i), EventInsert, i, map[string]any{"id": i})
	}
	// id 4 was rolled back on the source and will never appear
	_, err := svc.db.Exec(`DELETE FROM _relay_data WHERE data_id = 4`)
	require.NoError(t, err)

	result, err := svc.AssembleBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, result.DataRouted)

	gaps, err := svc.Gaps().ListGaps(ctx)
	require.NoError(t, err)
	require.NoError(t, CheckCoverage(gaps))
	require.Equal(t, []gapRange{
		{0, 1, GapSkip},
		{1, 4, GapOK},
		{4, 5, GapSkip},
		{5, 7, GapOK},
		{7, OpenEnd, GapOpen},
	}, gapRanges(gaps))

	insertTestChange(t, svc.db, "items", DefaultChannelID, "tx7", EventInsert, 7, map[string]any{"id": 7})
	open, err := svc.Gaps().FindGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []gapRange{{7, OpenEnd, GapOpen}}, gapRanges(open))

	result, err = svc.AssembleBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.DataRouted)

	gaps, err = svc.Gaps().ListGaps(ctx)
	require.NoError(t, err)
	require.NoError(t, CheckCoverage(gaps))
	require.Equal(t, []gapRange{
		{0, 1, GapSkip},
		{1, 4, GapOK},
		{4, 5, GapSkip},
		{5, 8, GapOK},
		{8, OpenEnd, GapOpen},
	}, gapRanges(gaps))
}

func TestRouting_HoleExpiresThenLateCommitIsRevived(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", func(cfg *ServiceConfig) {
		cfg.GapTimeout = time.Hour
		cfg.SkipRecheckWindow = 3 * time.Hour
	})
	require.NoError(t, svc.SavePeer(ctx, Node{NodeID: "n2", SyncEnabled: true}))

	for i := 1; i <= 6; i++ {
		insertTestChange(t, svc.db, "items", DefaultChannelID, fmt.Sprintf("tx%d", i), EventInsert, i, map[string]any{"id": i})
	}
	_, err := svc.db.Exec(`DELETE FROM _relay_data WHERE data_id = 4`)
	require.NoError(t, err)

	_, err = svc.AssembleBatches(ctx)
	require.NoError(t, err)
	gaps, err := svc.Gaps().ListGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []gapRange{
		{0, 1, GapOpen},
		{1, 4, GapOK},
		{4, 5, GapOpen},
		{5, 7, GapOK},
		{7, OpenEnd, GapOpen},
	}, gapRanges(gaps), "fresh holes stay open")

	// two hours later the holes are given up
	changed, err := svc.gaps.afterRouting(ctx, svc.db, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, changed)
	gaps, err = svc.Gaps().ListGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []gapRange{
		{0, 1, GapSkip},
		{1, 4, GapOK},
		{4, 5, GapSkip},
		{5, 7, GapOK},
		{7, OpenEnd, GapOpen},
	}, gapRanges(gaps))

	// the transaction holding id 4 finally commits
	_, err = svc.db.Exec(`
		INSERT INTO _relay_data (data_id, table_name, event_type, pk_data, row_data, channel_id, create_time)
		VALUES (4, 'items', 'I', '{"id":4}', '{"id":4}', 'default', ?)`, toMillis(time.Now()))
	require.NoError(t, err)

	result, err := svc.AssembleBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.GapsRevived)
	require.Equal(t, 1, result.DataRouted)

	gaps, err = svc.Gaps().ListGaps(ctx)
	require.NoError(t, err)
	require.NoError(t, CheckCoverage(gaps))
	require.Equal(t, []gapRange{
		{0, 1, GapSkip},
		{1, 7, GapOK},
		{7, OpenEnd, GapOpen},
	}, gapRanges(gaps))
}

func TestCheckCoverage(t *testing.T) {
	ok := []DataGap{
		{StartID: 5, EndID: OpenEnd, Status: GapOpen},
		{StartID: 0, EndID: 5, Status: GapOK},
	}
	require.NoError(t, CheckCoverage(ok))

	require.Error(t, CheckCoverage(nil))
	require.Error(t, CheckCoverage([]DataGap{{StartID: 1, EndID: OpenEnd}}))
	require.Error(t, CheckCoverage([]DataGap{{StartID: 0, EndID: 5}, {StartID: 6, EndID: OpenEnd}}))
	require.Error(t, CheckCoverage([]DataGap{{StartID: 0, EndID: 6}, {StartID: 5, EndID: OpenEnd}}))
	require.Error(t, CheckCoverage([]DataGap{{StartID: 0, EndID: 5}}))
}

package overrelay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to BatchStatus
		ok       bool
	}{
		{BatchNew, BatchQueued, true},
		{BatchQueued, BatchSending, true},
		{BatchSending, BatchLoading, true},
		{BatchLoading, BatchOK, true},
		{BatchNew, BatchError, true},
		{BatchLoading, BatchError, true},
		{BatchError, BatchSending, true},
		{BatchOK, BatchError, false},
		{BatchOK, BatchSending, false},
		{BatchNew, BatchSending, false},
		{BatchSending, BatchOK, false},
		{BatchLoading, BatchQueued, false},
		{BatchError, BatchOK, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

// createTestBatch inserts an empty NE batch for nodeID on channelID
func createTestBatch(t *testing.T, svc *RelayService, nodeID, channelID string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := nextBatchID(ctx, svc.db)
	require.NoError(t, err)
	require.NoError(t, insertOutgoingBatch(ctx, svc.db, &OutgoingBatch{
		BatchID:   id,
		NodeID:    nodeID,
		ChannelID: channelID,
		Status:    BatchNew,
	}))
	return id
}

func TestGetOutgoingBatches_ChannelPriority(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	require.NoError(t, svc.SaveChannel(ctx, Channel{ChannelID: "sales", ProcessingOrder: 1, Enabled: true}))
	require.NoError(t, svc.SaveChannel(ctx, Channel{ChannelID: "logs", ProcessingOrder: 10, Enabled: true}))

	logsBatch := createTestBatch(t, svc, "N", "logs")
	salesBatch := createTestBatch(t, svc, "N", "sales")
	require.Less(t, logsBatch, salesBatch)

	due, err := svc.Batches().GetOutgoingBatches(ctx, "N", time.Now())
	require.NoError(t, err)
	require.Equal(t, []int64{salesBatch, logsBatch}, due.BatchIDs())
}

func TestGetOutgoingBatches_Filters(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	require.NoError(t, svc.SaveChannel(ctx, Channel{ChannelID: "sales", ProcessingOrder: 1, Enabled: true, MaxBatchToSend: 2}))
	require.NoError(t, svc.SaveChannel(ctx, Channel{ChannelID: "paused", ProcessingOrder: 2, Enabled: false}))
	require.NoError(t, svc.SaveChannel(ctx, Channel{ChannelID: "nightly", ProcessingOrder: 3, Enabled: true, WindowStart: "01:00", WindowEnd: "02:00"}))

	s1 := createTestBatch(t, svc, "N", "sales")
	s2 := createTestBatch(t, svc, "N", "sales")
	createTestBatch(t, svc, "N", "sales")
	createTestBatch(t, svc, "N", "paused")
	nightly := createTestBatch(t, svc, "N", "nightly")
	cfg := createTestBatch(t, svc, "N", ConfigChannelID)
	createTestBatch(t, svc, "other", "sales")

	noon := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	due, err := svc.Batches().GetOutgoingBatches(ctx, "N", noon)
	require.NoError(t, err)
	require.Equal(t, []int64{cfg, s1, s2}, due.BatchIDs())

	night := time.Date(2025, 3, 1, 1, 30, 0, 0, time.UTC)
	due, err = svc.Batches().GetOutgoingBatches(ctx, "N", night)
	require.NoError(t, err)
	require.Equal(t, []int64{cfg, s1, s2, nightly}, due.BatchIDs())

	// with data extraction switched off only the config channel is offered
	paused := NewOutgoingBatchService(svc.db, false, "test-host", testLogger())
	due, err = paused.GetOutgoingBatches(ctx, "N", noon)
	require.NoError(t, err)
	require.Equal(t, []int64{cfg}, due.BatchIDs())
}

func TestUpdateStatus_EnforcesStateMachine(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	id := createTestBatch(t, svc, "N", DefaultChannelID)

	err := svc.Batches().UpdateStatus(ctx, svc.db, id, BatchLoading)
	require.ErrorIs(t, err, ErrInvalidTransition)

	for _, st := range []BatchStatus{BatchQueued, BatchSending, BatchError, BatchSending, BatchLoading, BatchOK} {
		require.NoError(t, svc.Batches().UpdateStatus(ctx, svc.db, id, st))
	}
	err = svc.Batches().UpdateStatus(ctx, svc.db, id, BatchError)
	require.ErrorIs(t, err, ErrInvalidTransition)

	b, err := svc.Batches().FindOutgoingBatch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, BatchOK, b.Status)
	require.True(t, b.ErrorFlag, "a batch that ever failed keeps its error flag")

	err = svc.Batches().UpdateStatus(ctx, svc.db, 424242, BatchQueued)
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestListOutgoingBatches(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	a := createTestBatch(t, svc, "N", DefaultChannelID)
	b := createTestBatch(t, svc, "N", DefaultChannelID)
	createTestBatch(t, svc, "M", DefaultChannelID)
	require.NoError(t, svc.Batches().UpdateStatus(ctx, svc.db, a, BatchError))

	list, err := svc.Batches().ListOutgoingBatches(ctx, BatchFilter{NodeID: "N"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, b, list[0].BatchID, "newest first")

	list, err = svc.Batches().ListOutgoingBatches(ctx, BatchFilter{Statuses: []BatchStatus{BatchError}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, a, list[0].BatchID)
}

func TestGetOutgoingBatches_ZeroValueConfigOffersData(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "n1.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := NewService(db, &ServiceConfig{NodeID: "n1", JWTSecret: "s", GapTimeout: -1}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	require.NoError(t, svc.SavePeer(ctx, Node{NodeID: "n2", SyncURL: "http://n2", SyncEnabled: true}))

	insertTestChange(t, db, "item", "", "t1", EventInsert, 1, map[string]any{"id": 1})
	res, err := svc.AssembleBatches(ctx)
	require.NoError(t, err)
	require.Len(t, res.BatchIDs, 1)

	due, err := svc.Batches().GetOutgoingBatches(ctx, "n2", time.Now())
	require.NoError(t, err)
	require.Equal(t, res.BatchIDs, due.BatchIDs())
}

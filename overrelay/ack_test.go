package overrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeAcks_RoundTrip(t *testing.T) {
	acks := []BatchAck{
		{
			BatchID:             12,
			NodeID:              "store-001",
			IsOK:                true,
			NetworkMillis:       40,
			FilterMillis:        2,
			DatabaseMillis:      17,
			ByteCount:           2048,
			LoadRowCount:        10,
			StartTime:           1700000000000,
			LoadInsertRowCount:  6,
			LoadUpdateRowCount:  3,
			LoadDeleteRowCount:  1,
			FallbackInsertCount: 1,
			ConflictWinCount:    2,
		},
		{
			BatchID:            13,
			NodeID:             "store-001",
			ErrorLine:          7,
			SQLState:           "23505",
			SQLCode:            2067,
			SQLMessage:         "UNIQUE constraint failed: items.sku & more=stuff",
			LoadRowCount:       6,
			IgnoreRowCount:     1,
			MissingDeleteCount: 2,
		},
	}

	primary, extended := EncodeAcks(acks)
	require.Contains(t, primary, "batch-12=ok")
	require.Contains(t, primary, "batch-13=7")
	require.False(t, strings.HasPrefix(primary, "&"))
	require.False(t, strings.HasPrefix(extended, "&"))
	require.NotContains(t, primary, "sqlState-12", "ok batches carry no error keys")
	require.Contains(t, extended, "loadInsertRowCount-12=6")

	decoded, err := ReadAcknowledgementLines(primary, extended)
	require.NoError(t, err)
	require.Equal(t, acks, decoded)
}

func TestReadAcknowledgement_Tolerant(t *testing.T) {
	acks, err := ReadAcknowledgement("&batch-5=ok&nodeId-5=n2&network-5=abc&bogus-5=1&batch-3=4&sqlMessage-3=bad%20row")
	require.NoError(t, err)
	require.Len(t, acks, 2)

	require.Equal(t, int64(3), acks[0].BatchID)
	require.False(t, acks[0].IsOK)
	require.Equal(t, int64(4), acks[0].ErrorLine)
	require.Equal(t, "bad row", acks[0].SQLMessage)

	require.Equal(t, int64(5), acks[1].BatchID)
	require.True(t, acks[1].IsOK)
	require.Equal(t, "n2", acks[1].NodeID)
	require.Zero(t, acks[1].NetworkMillis, "unparsable values decode to zero")

	// extended keys alone produce no acknowledgements
	acks, err = ReadAcknowledgementLines("", "loadRowCount-5=3")
	require.NoError(t, err)
	require.Empty(t, acks)

	// a malformed batch key does not discard the acknowledgements around it
	acks, err = ReadAcknowledgement("batch-x=ok&batch-7=ok&nodeId-x=n2")
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.Equal(t, int64(7), acks[0].BatchID)
	require.True(t, acks[0].IsOK)
}

func TestReadAcknowledgement_RegistrationBatch(t *testing.T) {
	primary, _ := EncodeAcks([]BatchAck{{BatchID: VirtualRegistrationBatchID, NodeID: "n2", IsOK: true}})
	acks, err := ReadAcknowledgement(primary)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.Equal(t, VirtualRegistrationBatchID, acks[0].BatchID)
	require.True(t, acks[0].IsOK)
}

// routeTenRows routes ten single-row transactions for n2 into one batch and sends it
func routeTenRows(t *testing.T, svc *RelayService) *BatchPayload {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.SavePeer(ctx, Node{NodeID: "n2", SyncEnabled: true}))
	for i := 1; i <= 10; i++ {
		insertTestChange(t, svc.db, "items", DefaultChannelID, fmt.Sprintf("tx%d", i), EventInsert, i, map[string]any{"id": i})
	}
	result, err := svc.AssembleBatches(ctx)
	require.NoError(t, err)
	require.Len(t, result.BatchIDs, 1)

	payload, err := svc.Extractor().ExtractBatches(ctx, "n2")
	require.NoError(t, err)
	require.Len(t, payload.Batches, 1)
	require.Len(t, payload.Batches[0].Rows, 10)
	require.NoError(t, svc.Extractor().MarkSent(ctx, "n2", payload, 12))
	return payload
}

func TestAck_FailedBatchIsRetriedFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	payload := routeTenRows(t, svc)
	batchID := payload.Batches[0].BatchID

	b, err := svc.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchLoading, b.Status)

	failure := BatchAck{BatchID: batchID, NodeID: "n2", ErrorLine: 7, SQLState: "23000", SQLMessage: "constraint failed"}
	require.NoError(t, svc.Acks().Ack(ctx, failure))
	// the same acknowledgement applied twice leaves the same state
	require.NoError(t, svc.Acks().Ack(ctx, failure))

	b, err = svc.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchError, b.Status)
	require.True(t, b.ErrorFlag)
	require.Equal(t, int64(7), b.FailedLineNumber)
	require.Equal(t, payload.Batches[0].Rows[6].DataID, b.FailedDataID)
	require.Equal(t, "23000", b.SQLState)

	// a later batch on the same channel
	insertTestChange(t, svc.db, "items", DefaultChannelID, "tx11", EventInsert, 11, map[string]any{"id": 11})
	_, err = svc.AssembleBatches(ctx)
	require.NoError(t, err)

	due, err := svc.Batches().GetOutgoingBatches(ctx, "n2", time.Now())
	require.NoError(t, err)
	require.Len(t, due.Batches, 2)
	require.Equal(t, batchID, due.Batches[0].BatchID, "the errored batch goes first")

	resend, err := svc.Extractor().ExtractBatches(ctx, "n2")
	require.NoError(t, err)
	require.Equal(t, []int64{batchID, due.Batches[1].BatchID}, []int64{resend.Batches[0].BatchID, resend.Batches[1].BatchID})
	require.NoError(t, svc.Extractor().MarkSent(ctx, "n2", resend, 5))

	require.NoError(t, svc.Acks().AckAll(ctx, []BatchAck{
		{BatchID: batchID, NodeID: "n2", IsOK: true, LoadRowCount: 10},
		{BatchID: resend.Batches[1].BatchID, NodeID: "n2", IsOK: true, LoadRowCount: 1},
	}))
	b, err = svc.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchOK, b.Status)
	require.Empty(t, b.SQLState)
	require.Equal(t, int64(10), b.LoadCount)

	// a stale failure for a batch that is already OK is ignored
	require.NoError(t, svc.Acks().Ack(ctx, failure))
	b, err = svc.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchOK, b.Status)

	counts, err := svc.Batches().CountByStatus(ctx, "n2")
	require.NoError(t, err)
	require.Equal(t, 2, counts[BatchOK])
}

func TestAck_RejectsAckFromOtherNode(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	payload := routeTenRows(t, svc)

	err := svc.Acks().Ack(ctx, BatchAck{BatchID: payload.Batches[0].BatchID, NodeID: "n3", IsOK: true})
	require.Error(t, err)

	err = svc.Acks().Ack(ctx, BatchAck{BatchID: 999999, NodeID: "n2", IsOK: true})
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestExtract_UnacknowledgedBatchIsResentWithoutErrorFlag(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, "n1", nil)
	payload := routeTenRows(t, svc)
	batchID := payload.Batches[0].BatchID

	// the receiver skipped the batch, so no ack arrived and it is still loading
	again, err := svc.Extractor().ExtractBatches(ctx, "n2")
	require.NoError(t, err)
	require.Len(t, again.Batches, 1)
	require.Equal(t, batchID, again.Batches[0].BatchID)

	b, err := svc.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchSending, b.Status)
	require.False(t, b.ErrorFlag)
	require.EqualValues(t, 2, b.ExtractCount)

	// a real send failure still flags the batch
	require.NoError(t, svc.Extractor().MarkSendFailed(ctx, again, errors.New("connection refused")))
	b, err = svc.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchError, b.Status)
	require.True(t, b.ErrorFlag)
}

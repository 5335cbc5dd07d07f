package overrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openTestDB opens a file-backed node database under t.TempDir with the relay schema installed
func openTestDB(t *testing.T, nodeID string) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), nodeID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitSchema(context.Background(), db, nodeID, testLogger()))
	return db
}

// newTestService creates a relay service on a fresh database. Holes are skipped at once unless
// mutate sets a gap timeout.
func newTestService(t *testing.T, nodeID string, mutate func(*ServiceConfig), opts ...ServiceOption) *RelayService {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), nodeID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &ServiceConfig{
		NodeID:               nodeID,
		HostName:             "test-host",
		JWTSecret:            "test-secret",
		GapTimeout:           -1,
		MaxConcurrentWorkers: 4,
	}
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewService(db, cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

// insertTestChange appends a change record for table with a single integer key
func insertTestChange(t *testing.T, q dbtx, table, channel, txn string, ev EventType, id int, row map[string]any) int64 {
	t.Helper()
	rec := &ChangeRecord{
		TableName:     table,
		EventType:     ev,
		ChannelID:     channel,
		TransactionID: txn,
		PKData:        mustJSON(t, map[string]any{"id": id}),
	}
	if row != nil {
		rec.RowData = mustJSON(t, row)
	}
	dataID, err := InsertChange(context.Background(), q, rec)
	require.NoError(t, err)
	return dataID
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// gapRange is the comparable part of a DataGap
type gapRange struct {
	Start, End int64
	Status     GapStatus
}

func gapRanges(gaps []DataGap) []gapRange {
	out := make([]gapRange, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, gapRange{g.StartID, g.EndID, g.Status})
	}
	return out
}

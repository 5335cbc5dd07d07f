package overrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newItemNode creates a service with a captured item table and the given enabled peers
func newItemNode(t *testing.T, nodeID string, mutate func(*ServiceConfig), peers ...string) *RelayService {
	t.Helper()
	ctx := context.Background()
	svc := newTestService(t, nodeID, mutate)
	_, err := svc.DB().ExecContext(ctx, `CREATE TABLE item (id INTEGER PRIMARY KEY, name TEXT NOT NULL, version INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	_, err = svc.CaptureTable(ctx, CapturedTable{TableName: "item"})
	require.NoError(t, err)
	for _, p := range peers {
		require.NoError(t, svc.SavePeer(ctx, Node{NodeID: p, SyncEnabled: true}))
	}
	return svc
}

func itemRow(t *testing.T, ev EventType, id int, name string, captured time.Time) PayloadRow {
	t.Helper()
	row := PayloadRow{
		TableName:  "item",
		EventType:  ev,
		PKData:     mustJSON(t, map[string]any{"id": id}),
		CreateTime: toMillis(captured),
	}
	if ev != EventDelete {
		row.RowData = mustJSON(t, map[string]any{"id": id, "name": name, "version": 1})
	}
	return row
}

func singleBatch(source string, batchID int64, rows ...PayloadRow) *BatchPayload {
	for i := range rows {
		rows[i].DataID = int64(i + 1)
	}
	return &BatchPayload{
		SourceNodeID: source,
		Batches:      []PayloadBatch{{BatchID: batchID, ChannelID: DefaultChannelID, Rows: rows}},
	}
}

func itemName(t *testing.T, svc *RelayService, id int) (string, bool) {
	t.Helper()
	var name string
	err := svc.DB().QueryRow(`SELECT name FROM item WHERE id = ?`, id).Scan(&name)
	if err != nil {
		return "", false
	}
	return name, true
}

func preRoutedRecords(t *testing.T, svc *RelayService) []*ChangeRecord {
	t.Helper()
	ctx := context.Background()
	rows, err := svc.DB().QueryContext(ctx, `SELECT data_id FROM _relay_data WHERE is_prerouted = 1 ORDER BY data_id`)
	require.NoError(t, err)
	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	rows.Close()

	out := make([]*ChangeRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := GetChange(ctx, svc.DB(), id)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func countData(t *testing.T, svc *RelayService) int {
	t.Helper()
	var n int
	require.NoError(t, svc.DB().QueryRow(`SELECT COUNT(*) FROM _relay_data`).Scan(&n))
	return n
}

func TestLoadBatches_AppliesWithoutRecapture(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	now := time.Now().UTC()

	payload := singleBatch("a", 11,
		itemRow(t, EventInsert, 1, "one", now),
		itemRow(t, EventInsert, 2, "two", now),
		itemRow(t, EventUpdate, 1, "uno", now),
		itemRow(t, EventDelete, 2, "", now),
	)
	acks, err := svc.Loader().LoadBatches(ctx, "a", payload)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	ack := acks[0]
	require.True(t, ack.IsOK, ack.SQLMessage)
	require.Equal(t, "b", ack.NodeID)
	require.EqualValues(t, 4, ack.LoadRowCount)
	require.EqualValues(t, 2, ack.LoadInsertRowCount)
	require.EqualValues(t, 1, ack.LoadUpdateRowCount)
	require.EqualValues(t, 1, ack.LoadDeleteRowCount)

	name, ok := itemName(t, svc, 1)
	require.True(t, ok)
	require.Equal(t, "uno", name)
	_, ok = itemName(t, svc, 2)
	require.False(t, ok)
	require.Zero(t, countData(t, svc), "loaded rows must not be captured again")

	// a resent batch is acknowledged from its bookkeeping without touching the rows
	_, err = svc.DB().Exec(`UPDATE item SET name = 'local' WHERE id = 1`)
	require.NoError(t, err)
	acks, err = svc.Loader().LoadBatches(ctx, "a", payload)
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.EqualValues(t, 4, acks[0].LoadRowCount)
	name, _ = itemName(t, svc, 1)
	require.Equal(t, "local", name)

	batches, err := ListIncomingBatches(ctx, svc.DB(), "a", 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, BatchOK, batches[0].Status)
}

func TestLoadBatches_StopsChannelAfterFailure(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	now := time.Now().UTC()

	bad := itemRow(t, EventInsert, 1, "x", now)
	bad.TableName = "no_such_table"
	payload := &BatchPayload{SourceNodeID: "a", Batches: []PayloadBatch{
		{BatchID: 1, ChannelID: DefaultChannelID, Rows: []PayloadRow{itemRow(t, EventInsert, 5, "ok", now), bad}},
		{BatchID: 2, ChannelID: DefaultChannelID, Rows: []PayloadRow{itemRow(t, EventInsert, 6, "later", now)}},
		{BatchID: 3, ChannelID: ConfigChannelID, Rows: []PayloadRow{itemRow(t, EventInsert, 7, "other lane", now)}},
	}}
	acks, err := svc.Loader().LoadBatches(ctx, "a", payload)
	require.NoError(t, err)
	require.Len(t, acks, 2)
	require.Equal(t, int64(1), acks[0].BatchID)
	require.False(t, acks[0].IsOK)
	require.EqualValues(t, 2, acks[0].ErrorLine)
	require.NotEmpty(t, acks[0].SQLMessage)
	require.Equal(t, int64(3), acks[1].BatchID)
	require.True(t, acks[1].IsOK)

	_, ok := itemName(t, svc, 5)
	require.False(t, ok, "a failed batch is rolled back as a whole")
	_, ok = itemName(t, svc, 7)
	require.True(t, ok)

	batches, err := ListIncomingBatches(ctx, svc.DB(), "a", 0)
	require.NoError(t, err)
	byID := map[int64]*IncomingBatch{}
	for _, b := range batches {
		byID[b.BatchID] = b
	}
	require.Equal(t, BatchError, byID[1].Status)
	require.EqualValues(t, 2, byID[1].FailedRowNumber)
}

func TestLoadBatches_RejectsForeignSource(t *testing.T) {
	svc := newItemNode(t, "b", nil, "a")
	_, err := svc.Loader().LoadBatches(context.Background(), "a", singleBatch("c", 1))
	require.Error(t, err)
}

func TestConflict_ImplicitSourceWinsFallbacks(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	now := time.Now().UTC()

	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1,
		itemRow(t, EventUpdate, 1, "from update", now),
		itemRow(t, EventDelete, 2, "", now),
	))
	require.NoError(t, err)
	ack := acks[0]
	require.True(t, ack.IsOK, ack.SQLMessage)
	require.EqualValues(t, 1, ack.FallbackInsertCount)
	require.EqualValues(t, 1, ack.MissingDeleteCount)
	require.EqualValues(t, 2, ack.ConflictWinCount)

	name, ok := itemName(t, svc, 1)
	require.True(t, ok)
	require.Equal(t, "from update", name)
}

func TestConflict_NewerWinsTargetWins(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	require.NoError(t, svc.SaveConflict(ctx, ConflictSetting{
		ConflictID:      "items",
		TargetTableName: "item",
		DetectType:      DetectUsePKData,
		ResolveType:     ResolveNewerWins,
		PingBack:        PingBackSingleRow,
	}))

	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)

	// a's update was captured before b's local write, so b keeps its row
	older := time.Now().UTC().Add(-time.Hour)
	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, itemRow(t, EventUpdate, 1, "a-value", older)))
	require.NoError(t, err)
	ack := acks[0]
	require.True(t, ack.IsOK, ack.SQLMessage)
	require.EqualValues(t, 1, ack.ConflictLoseCount)

	name, _ := itemName(t, svc, 1)
	require.Equal(t, "b-value", name)

	recs := preRoutedRecords(t, svc)
	require.Len(t, recs, 2)

	winner := recs[0]
	require.Equal(t, EventReload, winner.EventType)
	require.Equal(t, "item", winner.TableName)
	require.Equal(t, []string{"a"}, winner.NodeList)
	var row map[string]any
	require.NoError(t, json.Unmarshal(winner.RowData, &row))
	require.Equal(t, "b-value", row["name"])

	request := recs[1]
	require.Equal(t, EventScript, request.EventType)
	require.Equal(t, []string{"a"}, request.NodeList)
	call, err := parseScript(request, 0)
	require.NoError(t, err)
	require.Equal(t, ScriptRequestRow, call.Name)
	var args rowRequest
	require.NoError(t, json.Unmarshal(call.Args, &args))
	require.Equal(t, "b", args.Requester)
	require.JSONEq(t, `{"id":1}`, string(args.PK))
}

func TestConflict_NewerWinsSourceWinsReachesOtherPeers(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a", "c")
	require.NoError(t, svc.SaveConflict(ctx, ConflictSetting{
		ConflictID:      "items",
		TargetTableName: "item",
		DetectType:      DetectUsePKData,
		ResolveType:     ResolveNewerWins,
		PingBack:        PingBackSingleRow,
	}))

	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)

	newer := time.Now().UTC().Add(time.Hour)
	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, itemRow(t, EventInsert, 1, "a-value", newer)))
	require.NoError(t, err)
	ack := acks[0]
	require.True(t, ack.IsOK, ack.SQLMessage)
	require.EqualValues(t, 1, ack.ConflictWinCount)
	require.EqualValues(t, 1, ack.FallbackUpdateCount)

	name, _ := itemName(t, svc, 1)
	require.Equal(t, "a-value", name)

	recs := preRoutedRecords(t, svc)
	require.Len(t, recs, 1)
	require.Equal(t, EventReload, recs[0].EventType)
	require.Equal(t, []string{"c"}, recs[0].NodeList, "the source already has the winner")
	require.Equal(t, toMillis(newer), toMillis(recs[0].CreateTime))

	// a later change from the same origin is ordinary again
	acks, err = svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 2, itemRow(t, EventUpdate, 1, "a-again", newer.Add(time.Minute))))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.Zero(t, acks[0].ConflictWinCount)
	require.Len(t, preRoutedRecords(t, svc), 1)
}

func TestConflict_TargetWinsWithPingBack(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	require.NoError(t, svc.SaveConflict(ctx, ConflictSetting{
		ConflictID:  "keep-local",
		DetectType:  DetectUsePKData,
		ResolveType: ResolveFallbackToTargetWins,
		PingBack:    PingBackSingleRow,
	}))
	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)

	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, itemRow(t, EventInsert, 1, "a-value", time.Now())))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.EqualValues(t, 1, acks[0].ConflictLoseCount)

	name, _ := itemName(t, svc, 1)
	require.Equal(t, "b-value", name)
	recs := preRoutedRecords(t, svc)
	require.Len(t, recs, 1)
	require.Equal(t, []string{"a"}, recs[0].NodeList)
}

func TestConflict_SourceWinsPingBackRecaptures(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	require.NoError(t, svc.SaveConflict(ctx, ConflictSetting{
		ConflictID:  "force",
		DetectType:  DetectUsePKData,
		ResolveType: ResolveFallbackToSourceWins,
		PingBack:    PingBackSourceWins,
	}))
	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)
	before := countData(t, svc)

	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, itemRow(t, EventInsert, 1, "a-value", time.Now())))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)

	name, _ := itemName(t, svc, 1)
	require.Equal(t, "a-value", name)
	require.Equal(t, before+1, countData(t, svc), "the resolving write is captured")

	var gate int
	require.NoError(t, svc.DB().QueryRow(`SELECT capture_disabled FROM _relay_node_info`).Scan(&gate))
	require.Zero(t, gate)
}

func TestConflict_Ignore(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	require.NoError(t, svc.SaveConflict(ctx, ConflictSetting{
		ConflictID:      "skip",
		TargetChannelID: DefaultChannelID,
		DetectType:      DetectUsePKData,
		ResolveType:     ResolveIgnore,
	}))
	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)

	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, itemRow(t, EventInsert, 1, "a-value", time.Now())))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.EqualValues(t, 1, acks[0].IgnoreRowCount)
	name, _ := itemName(t, svc, 1)
	require.Equal(t, "b-value", name)
}

func TestConflict_ManualResolution(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	require.NoError(t, svc.SaveConflict(ctx, ConflictSetting{
		ConflictID:      "operator",
		TargetTableName: "item",
		DetectType:      DetectUsePKData,
		ResolveType:     ResolveManual,
	}))
	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)

	payload := singleBatch("a", 9,
		itemRow(t, EventInsert, 2, "fine", time.Now()),
		itemRow(t, EventInsert, 1, "a-value", time.Now()),
	)
	acks, err := svc.Loader().LoadBatches(ctx, "a", payload)
	require.NoError(t, err)
	require.False(t, acks[0].IsOK)
	require.EqualValues(t, 2, acks[0].ErrorLine)

	held, err := ListIncomingErrors(ctx, svc.DB(), "a")
	require.NoError(t, err)
	require.Len(t, held, 1)
	require.Equal(t, "operator", held[0].ConflictID)
	require.EqualValues(t, 2, held[0].FailedRowNumber)

	// a resend fails fast until someone decides
	acks, err = svc.Loader().LoadBatches(ctx, "a", payload)
	require.NoError(t, err)
	require.False(t, acks[0].IsOK)

	err = svc.ResolveIncomingError(ctx, 9, "a", 3, true, nil)
	require.ErrorIs(t, err, ErrIncomingErrorNotFound)
	require.NoError(t, svc.ResolveIncomingError(ctx, 9, "a", 2, false, json.RawMessage(`{"id":1,"name":"merged","version":2}`)))

	acks, err = svc.Loader().LoadBatches(ctx, "a", payload)
	require.NoError(t, err)
	require.True(t, acks[0].IsOK, acks[0].SQLMessage)
	name, _ := itemName(t, svc, 1)
	require.Equal(t, "merged", name)
	name, _ = itemName(t, svc, 2)
	require.Equal(t, "fine", name)

	held, err = ListIncomingErrors(ctx, svc.DB(), "a")
	require.NoError(t, err)
	require.Empty(t, held)
}

func TestConflict_ChangedDataDetection(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	require.NoError(t, svc.SaveConflict(ctx, ConflictSetting{
		ConflictID:      "changed",
		TargetTableName: "item",
		DetectType:      DetectUseChangedData,
		ResolveType:     ResolveFallbackToTargetWins,
	}))
	_, err := svc.DB().Exec(`INSERT INTO item (id, name, version) VALUES (1, 'local edit', 1)`)
	require.NoError(t, err)

	row := itemRow(t, EventUpdate, 1, "remote edit", time.Now())
	row.OldData = mustJSON(t, map[string]any{"id": 1, "name": "original", "version": 1})
	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, row))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.EqualValues(t, 1, acks[0].ConflictLoseCount)
	name, _ := itemName(t, svc, 1)
	require.Equal(t, "local edit", name)

	// old data matching the current row is not a conflict
	row = itemRow(t, EventUpdate, 1, "remote edit", time.Now())
	row.OldData = mustJSON(t, map[string]any{"id": 1, "name": "local edit", "version": 1})
	acks, err = svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 2, row))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.Zero(t, acks[0].ConflictLoseCount)
	name, _ = itemName(t, svc, 1)
	require.Equal(t, "remote edit", name)
}

func TestNewerWins_TieGoesToLowerNode(t *testing.T) {
	setting := &ConflictSetting{DetectType: DetectUsePKData, ResolveType: ResolveNewerWins}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &ChangeRecord{CreateTime: at}
	stamp := &rowStamp{SourceNodeID: "", CaptureMillis: toMillis(at)}

	require.Equal(t, outcomeSourceWins, newerWins(setting, rec, nil, nil, stamp, "n2", "n1"))
	require.Equal(t, outcomeTargetWins, newerWins(setting, rec, nil, nil, stamp, "n1", "n2"))
	require.Equal(t, outcomeSourceWins, newerWins(setting, rec, nil, nil, nil, "n1", "n2"))

	version := &ConflictSetting{DetectType: DetectUseVersion, DetectExpression: "version", ResolveType: ResolveNewerWins}
	require.Equal(t, outcomeTargetWins, newerWins(version, rec,
		map[string]any{"version": json.Number("3")}, map[string]any{"version": int64(4)}, nil, "n1", "n2"))
	require.Equal(t, outcomeSourceWins, newerWins(version, rec,
		map[string]any{"version": json.Number("5")}, map[string]any{"version": int64(4)}, nil, "n1", "n2"))
}

func TestLoadFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	skipOdd := LoadFilterFunc(func(ctx context.Context, table string, rec *ChangeRecord) (bool, error) {
		var pk struct{ ID int }
		if err := json.Unmarshal(rec.PKData, &pk); err != nil {
			return false, err
		}
		return pk.ID%2 == 0, nil
	})
	svc := newItemNode(t, "b", func(c *ServiceConfig) { c.Loader.Filter = skipOdd }, "a")
	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1,
		itemRow(t, EventInsert, 1, "odd", now),
		itemRow(t, EventInsert, 2, "even", now),
	))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.EqualValues(t, 1, acks[0].IgnoreCount)
	_, ok := itemName(t, svc, 1)
	require.False(t, ok)
	_, ok = itemName(t, svc, 2)
	require.True(t, ok)

	failing := LoadFilterFunc(func(context.Context, string, *ChangeRecord) (bool, error) {
		return false, errors.New("filter backend down")
	})
	closed := newItemNode(t, "c", func(c *ServiceConfig) { c.Loader.Filter = failing }, "a")
	acks, err = closed.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, itemRow(t, EventInsert, 1, "x", now)))
	require.NoError(t, err)
	require.False(t, acks[0].IsOK)
	require.EqualValues(t, 1, acks[0].ErrorLine)

	slow := LoadFilterFunc(func(ctx context.Context, _ string, _ *ChangeRecord) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	open := newItemNode(t, "d", func(c *ServiceConfig) {
		c.Loader.Filter = slow
		c.Loader.FilterTimeout = 20 * time.Millisecond
		c.Loader.FilterFailOpen = true
	}, "a")
	acks, err = open.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, itemRow(t, EventInsert, 1, "x", now)))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	_, ok = itemName(t, open, 1)
	require.True(t, ok)
}

type collectingSink struct {
	outcomes []ApplyOutcome
}

func (s *collectingSink) RowApplied(_ context.Context, o ApplyOutcome) {
	s.outcomes = append(s.outcomes, o)
}

func TestApplyOutcomeSink(t *testing.T) {
	ctx := context.Background()
	sink := &collectingSink{}
	svc := newItemNode(t, "b", func(c *ServiceConfig) { c.Loader.Sink = sink }, "a")
	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)

	_, err = svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 4,
		itemRow(t, EventInsert, 2, "two", time.Now()),
		itemRow(t, EventInsert, 1, "one", time.Now()),
	))
	require.NoError(t, err)
	require.Len(t, sink.outcomes, 2)
	require.Equal(t, ApplyResultApplied, sink.outcomes[0].Result)
	require.Equal(t, ApplyResultFallbackUpdate, sink.outcomes[1].Result)
	require.Equal(t, int64(2), sink.outcomes[1].Line)
	require.Equal(t, "a", sink.outcomes[1].SourceNodeID)
}

func scriptRow(t *testing.T, name string, args any) PayloadRow {
	t.Helper()
	return PayloadRow{
		EventType: EventScript,
		RowData:   mustJSON(t, scriptEnvelope{Script: name, Args: mustJSON(t, args)}),
	}
}

func TestBuiltinScripts(t *testing.T) {
	ctx := context.Background()
	svc := newItemNode(t, "b", nil, "a")
	_, err := svc.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'b-value')`)
	require.NoError(t, err)
	pk := json.RawMessage(`{"id":1}`)

	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1,
		scriptRow(t, ScriptSendRow, rowRequest{Table: "item", PK: pk, Requester: "a"}),
		scriptRow(t, ScriptRequestRow, rowRequest{Table: "item", PK: pk, Requester: "a"}),
		scriptRow(t, ScriptSendRow, rowRequest{Table: "item", PK: json.RawMessage(`{"id":99}`), Requester: "a"}),
	))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK, acks[0].SQLMessage)

	recs := preRoutedRecords(t, svc)
	require.Len(t, recs, 3)

	require.Equal(t, EventReload, recs[0].EventType)
	require.Equal(t, []string{"a"}, recs[0].NodeList)
	var row map[string]any
	require.NoError(t, json.Unmarshal(recs[0].RowData, &row))
	require.Equal(t, "b-value", row["name"])

	require.Equal(t, EventScript, recs[1].EventType)
	call, err := parseScript(recs[1], 0)
	require.NoError(t, err)
	require.Equal(t, ScriptSendRow, call.Name)
	var args rowRequest
	require.NoError(t, json.Unmarshal(call.Args, &args))
	require.Equal(t, "b", args.Requester)

	require.Equal(t, EventDelete, recs[2].EventType, "a missing row is sent as a delete")
}

func TestCustomScriptAndUnknownScript(t *testing.T) {
	ctx := context.Background()
	var got []string
	touch := ScriptExecutorFunc(func(ctx context.Context, tx *sql.Tx, call ScriptCall) error {
		got = append(got, call.SourceNodeID+":"+string(call.Args))
		return nil
	})
	svc := newTestService(t, "b", nil, WithScript("touch", touch))

	acks, err := svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 1, scriptRow(t, "touch", map[string]int{"n": 1})))
	require.NoError(t, err)
	require.True(t, acks[0].IsOK)
	require.Equal(t, []string{`a:{"n":1}`}, got)

	acks, err = svc.Loader().LoadBatches(ctx, "a", singleBatch("a", 2, scriptRow(t, "nope", nil)))
	require.NoError(t, err)
	require.False(t, acks[0].IsOK)
	require.Contains(t, acks[0].SQLMessage, ErrUnknownScript.Error())
}

package overrelay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport answers pushes in process. Peers listed in down refuse the connection and peers
// listed in unregistered demand registration until Register is called.
type fakeTransport struct {
	mu           sync.Mutex
	down         map[string]bool
	unregistered map[string]bool
	pushed       map[string]int
	acks         []string
	pending      map[string]*BatchPayload
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		down:         map[string]bool{},
		unregistered: map[string]bool{},
		pushed:       map[string]int{},
		pending:      map[string]*BatchPayload{},
	}
}

func (f *fakeTransport) Push(_ context.Context, peer Node, payload *BatchPayload) (*PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[peer.NodeID] {
		return nil, &TransportError{NodeID: peer.NodeID, Operation: "push", Err: syscall.ECONNREFUSED}
	}
	if f.unregistered[peer.NodeID] {
		return nil, &TransportError{NodeID: peer.NodeID, Operation: "push", StatusCode: StatusRegistrationRequired, Err: ErrRegistrationRequired}
	}
	acks := make([]BatchAck, 0, len(payload.Batches))
	for _, b := range payload.Batches {
		acks = append(acks, BatchAck{BatchID: b.BatchID, IsOK: true, LoadRowCount: int64(len(b.Rows))})
		f.pushed[peer.NodeID] += len(b.Rows)
	}
	primary, extended := EncodeAcks(acks)
	return &PushResponse{Acks: primary, AcksExt: extended, Accepted: len(acks)}, nil
}

func (f *fakeTransport) Pull(_ context.Context, peer Node) (*BatchPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[peer.NodeID] {
		return nil, &TransportError{NodeID: peer.NodeID, Operation: "pull", Err: syscall.ECONNREFUSED}
	}
	p := f.pending[peer.NodeID]
	delete(f.pending, peer.NodeID)
	if p == nil {
		p = &BatchPayload{SourceNodeID: peer.NodeID}
	}
	return p, nil
}

func (f *fakeTransport) SendAcks(_ context.Context, peer Node, req *AckRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, peer.NodeID+":"+req.Acks)
	return nil
}

func (f *fakeTransport) Register(_ context.Context, peer Node, req *RegisterRequest) (*RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unregistered, peer.NodeID)
	return &RegisterResponse{NodeID: req.NodeID, RegistryNodeID: peer.NodeID, Token: "token-" + peer.NodeID, BatchID: VirtualRegistrationBatchID}, nil
}

type syncedOfflineListener struct {
	mu sync.Mutex
	recordingOfflineListener
}

func (s *syncedOfflineListener) Offline(nodeID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingOfflineListener.Offline(nodeID, err)
}

func (s *syncedOfflineListener) RegistrationRequired(nodeID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingOfflineListener.RegistrationRequired(nodeID, err)
}

func TestPushAll_IsolatesFailingPeer(t *testing.T) {
	ctx := context.Background()
	fake := newFakeTransport()
	fake.down["down"] = true
	listener := &syncedOfflineListener{}
	svc := newTestService(t, "n1", nil, WithTransport(fake), WithOfflineListener(listener))

	for _, peer := range []Node{
		{NodeID: "up", SyncURL: "http://up", SyncEnabled: true},
		{NodeID: "down", SyncURL: "http://down", SyncEnabled: true},
		{NodeID: "passive", SyncEnabled: true},
	} {
		require.NoError(t, svc.SavePeer(ctx, peer))
	}
	insertTestChange(t, svc.DB(), "item", DefaultChannelID, "t1", EventInsert, 1, map[string]any{"id": 1})
	_, err := svc.AssembleBatches(ctx)
	require.NoError(t, err)

	results, err := svc.Push().PushAll(ctx)
	require.Error(t, err)
	require.Equal(t, FailureOffline, Classify(err))
	require.Contains(t, err.Error(), "down")
	require.Len(t, results, 2)
	require.Equal(t, []string{"offline:down"}, listener.calls)
	require.Equal(t, 1, fake.pushed["up"])

	for node, want := range map[string]BatchStatus{"up": BatchOK, "down": BatchError, "passive": BatchNew} {
		counts, err := svc.Batches().CountByStatus(ctx, node)
		require.NoError(t, err)
		require.Equal(t, map[BatchStatus]int{want: 1}, counts, node)
	}
}

func TestPushRun_RegistersWhenAsked(t *testing.T) {
	fake := newFakeTransport()
	fake.unregistered["hub"] = true
	listener := &syncedOfflineListener{}
	svc := newTestService(t, "edge", nil, WithTransport(fake), WithOfflineListener(listener))

	ctx := context.Background()
	require.NoError(t, svc.SavePeer(ctx, Node{NodeID: "hub", SyncURL: "http://hub", SyncEnabled: true}))
	insertTestChange(t, svc.DB(), "item", DefaultChannelID, "t1", EventInsert, 1, map[string]any{"id": 1})
	_, err := svc.AssembleBatches(ctx)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	err = svc.Push().Run(runCtx, 10*time.Millisecond)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

	require.Equal(t, []string{"registration_required:hub"}, listener.calls)
	require.Len(t, fake.acks, 1)
	require.True(t, strings.HasPrefix(fake.acks[0], "hub:batch--9999=ok"), fake.acks[0])
	require.Equal(t, 1, fake.pushed["hub"])

	hub, err := GetNode(ctx, svc.DB(), "hub")
	require.NoError(t, err)
	require.Equal(t, "token-hub", hub.AuthToken)
	counts, err := svc.Batches().CountByStatus(ctx, "hub")
	require.NoError(t, err)
	require.Equal(t, map[BatchStatus]int{BatchOK: 1}, counts)
}

func TestPullOnce_LoadsAndAcks(t *testing.T) {
	ctx := context.Background()
	fake := newFakeTransport()
	svc := newTestService(t, "edge", nil, WithTransport(fake))
	_, err := svc.DB().Exec(`CREATE TABLE item (id INTEGER PRIMARY KEY, name TEXT NOT NULL, version INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	hub := Node{NodeID: "hub", SyncURL: "http://hub", SyncEnabled: true}
	require.NoError(t, svc.SavePeer(ctx, hub))

	fake.pending["hub"] = singleBatch("hub", 42, itemRow(t, EventInsert, 1, "pulled", time.Now()))
	res, err := svc.Pull().PullOnce(ctx, hub)
	require.NoError(t, err)
	require.Equal(t, 1, res.Batches)
	require.Equal(t, 1, res.Acked)

	name, ok := itemName(t, svc, 1)
	require.True(t, ok)
	require.Equal(t, "pulled", name)
	require.Len(t, fake.acks, 1)
	require.Contains(t, fake.acks[0], "batch-42=ok")

	fake.down["hub"] = true
	_, err = svc.Pull().PullOnce(ctx, hub)
	require.Equal(t, FailureOffline, Classify(err))
}

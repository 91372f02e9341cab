package replication_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concordlog/raftlog/internal/log"
	"github.com/concordlog/raftlog/internal/raft"
	. "github.com/concordlog/raftlog/internal/replication"
)

// fakeLog is an in-memory LogReader used so replicator tests never
// touch the filesystem-backed internal/log package.
type fakeLog struct {
	mu      sync.Mutex
	entries map[uint64]log.Entry
	last    uint64
	first   uint64
}

func newFakeLog() *fakeLog {
	return &fakeLog{entries: make(map[uint64]log.Entry)}
}

func (l *fakeLog) append(e log.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.Index] = e
	if e.Index > l.last {
		l.last = e.Index
	}
	if l.first == 0 || e.Index < l.first {
		l.first = e.Index
	}
}

func (l *fakeLog) Get(index uint64) (log.Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[index]
	return e, ok, nil
}

func (l *fakeLog) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *fakeLog) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

// fakeTransport lets each test script the AppendEntries response.
type fakeTransport struct {
	mu       sync.Mutex
	handle   func(req *AppendRequest) (*AppendResponse, error)
	requests []*AppendRequest
	closed   bool
}

func (t *fakeTransport) Connect() error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) AppendEntries(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	h := t.handle
	t.mu.Unlock()
	return h(req)
}

func (t *fakeTransport) requestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "condition never became true")
}

func TestReplicator_CommitResolvesOnSuccess(t *testing.T) {
	fl := newFakeLog()
	fl.append(log.Entry{Index: 1, Term: 1, Data: []byte("a")})
	fl.append(log.Entry{Index: 2, Term: 1, Data: []byte("b")})

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	transport := &fakeTransport{handle: func(req *AppendRequest) (*AppendResponse, error) {
		return &AppendResponse{Term: 1, Succeeded: true, LastLogIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
	}}

	r := NewReplicator("peer-1", transport, fl, state, nil)
	require.NoError(t, r.Open())

	f, err := r.Commit(2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.MatchIndex())
}

func TestReplicator_StepsDownOnHigherTerm(t *testing.T) {
	fl := newFakeLog()
	fl.append(log.Entry{Index: 1, Term: 1, Data: []byte("a")})

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	transport := &fakeTransport{handle: func(req *AppendRequest) (*AppendResponse, error) {
		return &AppendResponse{Term: 5, Succeeded: false}, nil
	}}

	r := NewReplicator("peer-1", transport, fl, state, nil)
	require.NoError(t, r.Open())

	f, err := r.Commit(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, ErrNotLeader)

	require.Equal(t, raft.Follower, state.Role())
	require.Equal(t, uint64(5), state.CurrentTerm())

	_, err = r.Commit(1)
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestReplicator_BacksOffOnLogicalFailure(t *testing.T) {
	fl := newFakeLog()
	for i := uint64(1); i <= 3; i++ {
		fl.append(log.Entry{Index: i, Term: 1, Data: []byte("x")})
	}

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	var attempts int
	var mu sync.Mutex
	transport := &fakeTransport{handle: func(req *AppendRequest) (*AppendResponse, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			// reject: follower only has entry 1
			return &AppendResponse{Term: 1, Succeeded: false, LastLogIndex: 1}, nil
		}
		return &AppendResponse{Term: 1, Succeeded: true, LastLogIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
	}}

	r := NewReplicator("peer-1", transport, fl, state, nil)
	require.NoError(t, r.Open())

	f, err := r.Commit(3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), r.MatchIndex())
}

// TestReplicator_ColdStartDrivesFromEmptyLog covers S4: a Replicator
// constructed against an empty log (sendIndex == 0, as a freshly
// joined peer's would be) must still replicate once entries are
// appended and Commit is called, rather than looping forever on a
// permanently out-of-range index 0 read.
func TestReplicator_ColdStartDrivesFromEmptyLog(t *testing.T) {
	fl := newFakeLog()

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	transport := &fakeTransport{handle: func(req *AppendRequest) (*AppendResponse, error) {
		return &AppendResponse{Term: 1, Succeeded: true, LastLogIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
	}}

	r := NewReplicator("peer-1", transport, fl, state, nil)
	require.NoError(t, r.Open())

	for i := uint64(1); i <= 100; i++ {
		fl.append(log.Entry{Index: i, Term: 1, Data: []byte("x")})
	}

	f, err := r.Commit(100)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), r.MatchIndex())
}

func TestReplicator_TransportErrorFailsFuture(t *testing.T) {
	fl := newFakeLog()
	fl.append(log.Entry{Index: 1, Term: 1, Data: []byte("a")})

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	transport := &fakeTransport{handle: func(req *AppendRequest) (*AppendResponse, error) {
		return nil, context.DeadlineExceeded
	}}

	r := NewReplicator("peer-1", transport, fl, state, nil)
	require.NoError(t, r.Open())

	f, err := r.Commit(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestReplicator_CloseFailsOutstandingFutures(t *testing.T) {
	fl := newFakeLog()
	fl.append(log.Entry{Index: 1, Term: 1, Data: []byte("a")})

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	block := make(chan struct{})
	transport := &fakeTransport{handle: func(req *AppendRequest) (*AppendResponse, error) {
		<-block
		return &AppendResponse{Term: 1, Succeeded: true, LastLogIndex: 1}, nil
	}}

	r := NewReplicator("peer-1", transport, fl, state, nil)
	require.NoError(t, r.Open())

	f, err := r.Commit(1)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

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

// fakeDialer hands out a fakeTransport per peer, each independently
// scriptable by the test.
type fakeDialer struct {
	mu         sync.Mutex
	transports map[raft.MemberID]*fakeTransport
	handle     func(peer raft.MemberID) func(req *AppendRequest) (*AppendResponse, error)
}

func newFakeDialer(handle func(peer raft.MemberID) func(req *AppendRequest) (*AppendResponse, error)) *fakeDialer {
	return &fakeDialer{transports: make(map[raft.MemberID]*fakeTransport), handle: handle}
}

func (d *fakeDialer) Dial(peer raft.MemberID, addr string) (PeerTransport, error) {
	t := &fakeTransport{handle: d.handle(peer)}
	d.mu.Lock()
	d.transports[peer] = t
	d.mu.Unlock()
	return t, nil
}

func alwaysSucceeds(req *AppendRequest) (*AppendResponse, error) {
	return &AppendResponse{Term: req.Term, Succeeded: true, LastLogIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
}

func TestReplicationGroup_CommitsOnMajority(t *testing.T) {
	fl := newFakeLog()
	fl.append(log.Entry{Index: 1, Term: 1, Data: []byte("x")})

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	dialer := newFakeDialer(func(peer raft.MemberID) func(*AppendRequest) (*AppendResponse, error) {
		return alwaysSucceeds
	})

	g := NewReplicationGroup("leader", state, fl, dialer)
	require.NoError(t, g.Join("follower-1", "127.0.0.1:0"))
	require.NoError(t, g.Join("follower-2", "127.0.0.1:0"))

	f := g.Commit(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.CommitIndex())
}

func TestReplicationGroup_WithholdsCommitOnPriorTermMajority(t *testing.T) {
	fl := newFakeLog()
	fl.append(log.Entry{Index: 1, Term: 1, Data: []byte("x")}) // prior term

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(2) // leader has since moved to term 2, no entry of its own yet

	dialer := newFakeDialer(func(peer raft.MemberID) func(*AppendRequest) (*AppendResponse, error) {
		return alwaysSucceeds
	})

	g := NewReplicationGroup("leader", state, fl, dialer)
	require.NoError(t, g.Join("follower-1", "127.0.0.1:0"))
	require.NoError(t, g.Join("follower-2", "127.0.0.1:0"))

	f := g.Commit(1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.Error(t, err) // times out: term-1 entry never commits by itself
	require.Equal(t, uint64(0), state.CommitIndex())
}

func TestReplicationGroup_LeaveStopsReplicator(t *testing.T) {
	fl := newFakeLog()
	fl.append(log.Entry{Index: 1, Term: 1, Data: []byte("x")})

	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	dialer := newFakeDialer(func(peer raft.MemberID) func(*AppendRequest) (*AppendResponse, error) {
		return alwaysSucceeds
	})

	g := NewReplicationGroup("leader", state, fl, dialer)
	require.NoError(t, g.Join("follower-1", "127.0.0.1:0"))
	require.NoError(t, g.Leave("follower-1"))

	dialer.mu.Lock()
	transport := dialer.transports["follower-1"]
	dialer.mu.Unlock()

	waitFor(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.closed
	})
}

func TestReplicationGroup_PingMajority(t *testing.T) {
	fl := newFakeLog()
	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	dialer := newFakeDialer(func(peer raft.MemberID) func(*AppendRequest) (*AppendResponse, error) {
		return func(req *AppendRequest) (*AppendResponse, error) {
			return &AppendResponse{Term: 1, Succeeded: true}, nil
		}
	})

	g := NewReplicationGroup("leader", state, fl, dialer)
	require.NoError(t, g.Join("follower-1", "127.0.0.1:0"))
	require.NoError(t, g.Join("follower-2", "127.0.0.1:0"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Ping(ctx))
}

func TestReplicationGroup_PingFailsWithoutMajority(t *testing.T) {
	fl := newFakeLog()
	state := raft.NewConsensusState("leader")
	state.Transition(raft.Leader)
	state.SetCurrentTerm(1)

	dialer := newFakeDialer(func(peer raft.MemberID) func(*AppendRequest) (*AppendResponse, error) {
		return func(req *AppendRequest) (*AppendResponse, error) {
			return nil, context.DeadlineExceeded
		}
	})

	g := NewReplicationGroup("leader", state, fl, dialer)
	require.NoError(t, g.Join("follower-1", "127.0.0.1:0"))
	require.NoError(t, g.Join("follower-2", "127.0.0.1:0"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, g.Ping(ctx))
}

// Package replication implements the leader-side replication engine:
// a pipelined, per-follower Replicator and the ReplicationGroup that
// fans a commit out across all of them and resolves it once a
// majority (respecting the current-term safety rule) has matched.
package replication

import (
	"context"

	"github.com/concordlog/raftlog/internal/log"
	"github.com/concordlog/raftlog/internal/raft"
)

// BatchSize bounds how many entries drive() packs into one
// AppendEntries request.
const BatchSize = 100

// AppendRequest is the wire shape of one AppendEntries call.
type AppendRequest struct {
	CorrelationID uint64
	Term          uint64
	Leader        raft.MemberID
	PrevLogIndex  uint64
	PrevLogTerm   uint64
	Entries       []log.Entry
	LeaderCommit  uint64
}

// AppendResponse is the wire shape of one AppendEntries reply.
type AppendResponse struct {
	Term         uint64
	Succeeded    bool
	LastLogIndex uint64
}

// PeerTransport is the consumed transport-client contract for a single
// peer connection (spec §6): connect, send, close.
type PeerTransport interface {
	Connect() error
	Close() error
	AppendEntries(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
}

// Dialer constructs a PeerTransport for a newly joined peer. It is the
// seam between ReplicationGroup and whatever concrete transport
// (internal/transport's gRPC client, or a test fake) is in use.
type Dialer interface {
	Dial(peer raft.MemberID, addr string) (PeerTransport, error)
}

// LogReader is the subset of *log.Log the replication engine needs:
// random reads of entries, the current last index, and the lowest
// still-present index (so a cold-start drive cycle knows where to
// begin instead of assuming index 0 exists). Kept as an interface so
// tests can substitute an in-memory fake.
type LogReader interface {
	Get(index uint64) (log.Entry, bool, error)
	LastIndex() uint64
	FirstIndex() uint64
}

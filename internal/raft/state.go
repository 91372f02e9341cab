// Package raft holds the small piece of shared consensus state the
// replication engine consumes but does not own: the current term, the
// commit index, and who the local member believes the leader is. The
// leader-election algorithm that decides term changes and leadership
// itself is an external collaborator (see spec §1) — this package only
// gives the replicator a capability handle to observe and react to
// term changes, per the cyclic-reference resolution in spec §9.
package raft

import (
	"sync"
	"sync/atomic"
)

// MemberID identifies a cluster member, e.g. its RPC address or Serf
// node name.
type MemberID string

// Role is the local member's view of its own place in the cluster.
// The Candidate/Leader election protocol itself is out of scope; State
// only tracks the binary Leader/Follower distinction the replication
// engine needs to decide whether it should keep replicating.
type Role int

const (
	Follower Role = iota
	Leader
)

// State is the consensus-state capability the Replicator and
// ReplicationGroup are handed. It is intentionally narrow: replication
// code can observe term/commit/leader and request a stepdown, but
// cannot itself drive an election.
type State interface {
	CurrentTerm() uint64
	SetCurrentTerm(term uint64)
	CommitIndex() uint64
	SetCommitIndex(index uint64)
	SetLeader(id MemberID)
	Leader() MemberID
	NextCorrelationID() uint64
	LocalMember() MemberID
	Role() Role
	// Transition sets the local role; moving to Follower also clears
	// the leader atomically with the role change. Replication code
	// calls this only with Follower, on observing a higher term.
	Transition(role Role)
}

// ConsensusState is the concrete State implementation: term, commit
// index, and correlation counter are atomic words for lock-free reads
// from any Replicator goroutine; role/leader transitions take mu so
// they are observationally atomic, per spec §5.
type ConsensusState struct {
	mu sync.Mutex

	local MemberID

	term           atomic.Uint64
	commitIndex    atomic.Uint64
	correlationID  atomic.Uint64
	role           atomic.Int32
	leader         atomic.Value // MemberID
}

func NewConsensusState(local MemberID) *ConsensusState {
	c := &ConsensusState{local: local}
	c.leader.Store(MemberID(""))
	return c
}

func (c *ConsensusState) CurrentTerm() uint64 { return c.term.Load() }

func (c *ConsensusState) SetCurrentTerm(term uint64) { c.term.Store(term) }

func (c *ConsensusState) CommitIndex() uint64 { return c.commitIndex.Load() }

func (c *ConsensusState) SetCommitIndex(index uint64) { c.commitIndex.Store(index) }

func (c *ConsensusState) SetLeader(id MemberID) { c.leader.Store(id) }

func (c *ConsensusState) Leader() MemberID { return c.leader.Load().(MemberID) }

func (c *ConsensusState) NextCorrelationID() uint64 { return c.correlationID.Add(1) }

func (c *ConsensusState) LocalMember() MemberID { return c.local }

func (c *ConsensusState) Role() Role { return Role(c.role.Load()) }

// Transition performs a stepdown: bumping to Follower also clears
// leadership. It takes mu so the pair of updates is observed as one
// atomic step by any concurrent reader of Role()+Leader().
func (c *ConsensusState) Transition(role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role.Store(int32(role))
	if role == Follower {
		c.leader.Store(MemberID(""))
	}
}

package replication

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/concordlog/raftlog/internal/raft"
)

// pingQuorumTimeout bounds how long Ping waits for a majority of
// heartbeat responses before giving up.
const pingQuorumTimeout = 10 * time.Second

// ReplicationGroup owns one Replicator per follower and is the leader
// side's single entry point for committing entries and checking
// leadership via heartbeat quorum. Grounded on the teacher's
// internal/discovery membership-driven Join/Leave wiring, generalized
// from a pull-replicator set to a push-Replicator set per spec §4.5.
type ReplicationGroup struct {
	mu sync.Mutex

	local raft.MemberID
	state raft.State
	log   LogReader
	dialer Dialer

	replicators map[raft.MemberID]*Replicator

	commitIndex   uint64
	commitFutures map[uint64][]*CommitFuture

	logger *zerolog.Logger
}

func NewReplicationGroup(local raft.MemberID, state raft.State, lg LogReader, dialer Dialer) *ReplicationGroup {
	logger := zerolog.New(os.Stderr).With().Str("component", "replication-group").Logger()
	return &ReplicationGroup{
		local:         local,
		state:         state,
		log:           lg,
		dialer:        dialer,
		replicators:   make(map[raft.MemberID]*Replicator),
		commitFutures: make(map[uint64][]*CommitFuture),
		logger:        &logger,
	}
}

// Join implements discovery.Handler: a peer joined the cluster, so
// dial it and start replicating.
func (g *ReplicationGroup) Join(name, addr string) error {
	peer := raft.MemberID(name)
	if peer == g.local {
		return nil
	}

	transport, err := g.dialer.Dial(peer, addr)
	if err != nil {
		return err
	}

	r := NewReplicator(peer, transport, g.log, g.state, g.onPeerMatchAdvance)
	if err := r.Open(); err != nil {
		return err
	}

	g.mu.Lock()
	if old, ok := g.replicators[peer]; ok {
		g.mu.Unlock()
		old.Close()
		g.mu.Lock()
	}
	g.replicators[peer] = r
	g.mu.Unlock()
	return nil
}

// Leave implements discovery.Handler: a peer left, stop replicating to
// it.
func (g *ReplicationGroup) Leave(name string) error {
	peer := raft.MemberID(name)
	g.mu.Lock()
	r, ok := g.replicators[peer]
	if ok {
		delete(g.replicators, peer)
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// Commit registers a group-level future for index and drives every
// replicator toward it. The future resolves once recomputeCommit finds
// a current-term majority at or past index.
func (g *ReplicationGroup) Commit(index uint64) *CommitFuture {
	g.mu.Lock()
	if index <= g.commitIndex {
		g.mu.Unlock()
		f := newCommitFuture(index)
		f.resolve(nil)
		return f
	}

	f := newCommitFuture(index)
	g.commitFutures[index] = append(g.commitFutures[index], f)
	replicators := g.snapshotReplicatorsLocked()
	g.mu.Unlock()

	for _, r := range replicators {
		r.Commit(index)
	}
	g.recomputeCommit()
	return f
}

func (g *ReplicationGroup) snapshotReplicatorsLocked() []*Replicator {
	out := make([]*Replicator, 0, len(g.replicators))
	for _, r := range g.replicators {
		out = append(out, r)
	}
	return out
}

// onPeerMatchAdvance is the callback handed to every Replicator. It
// must not call back into the replicator whose goroutine invoked it —
// its matchIndex is passed directly as match — only other replicators'
// MatchIndex() accessors are queried, each guarded by their own
// independent mutex.
func (g *ReplicationGroup) onPeerMatchAdvance(peer raft.MemberID, match uint64) {
	g.recomputeCommitWithHint(peer, match)
}

func (g *ReplicationGroup) recomputeCommit() {
	g.recomputeCommitWithHint("", 0)
}

func (g *ReplicationGroup) recomputeCommitWithHint(hintPeer raft.MemberID, hintMatch uint64) {
	g.mu.Lock()
	matches := make([]uint64, 0, len(g.replicators)+1)
	matches = append(matches, g.log.LastIndex()) // the leader's own progress
	for peer, r := range g.replicators {
		if peer == hintPeer {
			matches = append(matches, hintMatch)
			continue
		}
		matches = append(matches, r.MatchIndex())
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	candidate := matches[len(matches)/2]

	if candidate <= g.commitIndex {
		g.mu.Unlock()
		return
	}

	entry, ok, err := g.log.Get(candidate)
	if err != nil || !ok || entry.Term != g.state.CurrentTerm() {
		// Raft safety rule: only ever commit by majority on a
		// current-term entry. commitIndex stays put; it will advance
		// once a later current-term entry reaches majority instead.
		g.mu.Unlock()
		return
	}

	g.commitIndex = candidate
	g.state.SetCommitIndex(candidate)

	var resolved []*CommitFuture
	for idx, futures := range g.commitFutures {
		if idx <= candidate {
			resolved = append(resolved, futures...)
			delete(g.commitFutures, idx)
		}
	}
	g.mu.Unlock()

	for _, f := range resolved {
		f.resolve(nil)
	}
}

// Ping broadcasts a heartbeat to every replicator and waits for a
// majority (the leader itself always counts as one) to respond within
// the current term, confirming continued leadership.
func (g *ReplicationGroup) Ping(ctx context.Context) error {
	g.mu.Lock()
	replicators := g.snapshotReplicatorsLocked()
	g.mu.Unlock()

	need := (len(replicators)+1)/2 + 1 - 1 // other peers needed besides self
	if need <= 0 {
		return nil
	}

	type result struct {
		err error
	}
	results := make(chan result, len(replicators))
	for _, r := range replicators {
		r := r
		f, err := r.Ping()
		if err != nil {
			results <- result{err: err}
			continue
		}
		go func() {
			_, err := f.Wait(ctx)
			results <- result{err: err}
		}()
	}

	deadline := time.After(pingQuorumTimeout)
	acked := 0
	for i := 0; i < len(replicators); i++ {
		select {
		case res := <-results:
			if res.err == nil {
				acked++
				if acked >= need {
					return nil
				}
			}
		case <-deadline:
			return ErrNotLeader
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if acked >= need {
		return nil
	}
	return ErrNotLeader
}

// Close stops every replicator and fails all outstanding group-level
// futures with ErrClosed.
func (g *ReplicationGroup) Close() error {
	g.mu.Lock()
	replicators := g.snapshotReplicatorsLocked()
	g.replicators = make(map[raft.MemberID]*Replicator)
	var pending []*CommitFuture
	for _, futures := range g.commitFutures {
		pending = append(pending, futures...)
	}
	g.commitFutures = make(map[uint64][]*CommitFuture)
	g.mu.Unlock()

	for _, f := range pending {
		f.resolve(ErrClosed)
	}

	var firstErr error
	for _, r := range replicators {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

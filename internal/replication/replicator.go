package replication

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/concordlog/raftlog/internal/log"
	"github.com/concordlog/raftlog/internal/raft"
)

// requestTimeout bounds a single AppendEntries/heartbeat round trip.
const requestTimeout = 5 * time.Second

// backlogWindow bounds how far past the log's last index a commit()
// call may register a future for, per the Open Question note in
// spec §9: a stalled peer must not let the future map grow without
// bound.
const backlogWindow = 100_000

// Replicator drives pipelined replication to exactly one follower. It
// is a single-writer actor: every field below mu is only ever touched
// while mu is held, whether the caller is the owning ReplicationGroup,
// a commit()/ping() caller, or a transport response handler goroutine.
//
// Grounded on the teacher's internal/log/replicator.go for the
// per-peer actor and zerolog error logging (each request runs on its
// own short-lived goroutine), and on other_examples' atomix-raft-storage appender.go
// (memberAppender) for the push-based pipelined AppendEntries state
// machine this type actually runs.
type Replicator struct {
	peer      raft.MemberID
	transport PeerTransport
	log       LogReader
	state     raft.State
	onMatch   func(peer raft.MemberID, match uint64)

	logger *zerolog.Logger

	mu        sync.Mutex
	opened    bool
	closed    bool
	stepped   bool
	pinging   bool
	appending bool

	nextIndex  uint64
	matchIndex uint64
	sendIndex  uint64

	commitFutures map[uint64][]*CommitFuture
	pingFutures   []*PingFuture
}

func NewReplicator(peer raft.MemberID, transport PeerTransport, lg LogReader, state raft.State, onMatch func(raft.MemberID, uint64)) *Replicator {
	logger := zerolog.New(os.Stderr).With().Str("component", "replicator").Str("peer", string(peer)).Logger()
	last := lg.LastIndex()
	return &Replicator{
		peer:          peer,
		transport:     transport,
		log:           lg,
		state:         state,
		onMatch:       onMatch,
		logger:        &logger,
		nextIndex:     last,
		sendIndex:     last,
		commitFutures: make(map[uint64][]*CommitFuture),
	}
}

// Open connects the transport. On failure the Replicator stays
// un-opened and every operation fails with ErrNotOpen.
func (r *Replicator) Open() error {
	if err := r.transport.Connect(); err != nil {
		return err
	}
	r.mu.Lock()
	r.opened = true
	r.mu.Unlock()
	return nil
}

func (r *Replicator) MatchIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchIndex
}

func (r *Replicator) NextIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextIndex
}

// Commit registers (or immediately resolves) a future for index, and
// kicks off a drive() cycle if one is not already in flight and index
// has not been sent yet (index >= sendIndex).
func (r *Replicator) Commit(index uint64) (*CommitFuture, error) {
	r.mu.Lock()
	if !r.opened {
		r.mu.Unlock()
		return nil, ErrNotOpen
	}
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.stepped {
		r.mu.Unlock()
		return nil, ErrNotLeader
	}
	if index <= r.matchIndex {
		r.mu.Unlock()
		f := newCommitFuture(index)
		f.resolve(nil)
		return f, nil
	}
	if last := r.log.LastIndex(); index > last+backlogWindow {
		r.mu.Unlock()
		return nil, ErrBacklogExceeded
	}

	f := newCommitFuture(index)
	r.commitFutures[index] = append(r.commitFutures[index], f)
	if index >= r.sendIndex {
		r.drive()
	}
	r.mu.Unlock()
	return f, nil
}

// Ping returns a future of the observed matchIndex after the next
// successful heartbeat. Concurrent calls while a heartbeat is already
// in flight coalesce onto it.
func (r *Replicator) Ping() (*PingFuture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opened {
		return nil, ErrNotOpen
	}
	if r.closed {
		return nil, ErrClosed
	}
	if r.stepped {
		return nil, ErrNotLeader
	}

	f := newPingFuture()
	r.pingFutures = append(r.pingFutures, f)
	if !r.pinging {
		r.pinging = true
		req := r.heartbeatRequestLocked()
		go r.sendHeartbeat(req)
	}
	return f, nil
}

func (r *Replicator) heartbeatRequestLocked() *AppendRequest {
	prevIndex := r.matchIndex
	prevTerm := r.prevTermLocked(prevIndex)
	return &AppendRequest{
		CorrelationID: r.state.NextCorrelationID(),
		Term:          r.state.CurrentTerm(),
		Leader:        r.state.LocalMember(),
		PrevLogIndex:  prevIndex,
		PrevLogTerm:   prevTerm,
		LeaderCommit:  r.state.CommitIndex(),
	}
}

func (r *Replicator) prevTermLocked(prevIndex uint64) uint64 {
	if prevIndex == 0 {
		return 0
	}
	e, ok, err := r.log.Get(prevIndex)
	if err != nil || !ok {
		return 0
	}
	return e.Term
}

// drive builds and sends the next AppendEntries batch. Must be called
// with mu held; it returns immediately, leaving the actual network
// call to a spawned goroutine so the lock is never held across I/O.
func (r *Replicator) drive() {
	if r.appending || r.closed || r.stepped || !r.opened {
		return
	}
	last := r.log.LastIndex()

	// startIndex is the first index this drive cycle will try to send.
	// A freshly constructed Replicator (or one that has never driven a
	// non-empty log) carries sendIndex == 0; clamp it up to the log's
	// lowest still-present index so a cold-start leader can still send
	// its very first batch instead of looping on an empty read forever
	// (log.Get(0) is always ErrOutOfRange).
	startIndex := r.sendIndex
	if first := r.log.FirstIndex(); startIndex < first {
		startIndex = first
	}
	if startIndex == 0 {
		startIndex = 1
	}
	if startIndex > last {
		return
	}
	r.sendIndex = startIndex

	var prevIndex uint64
	if startIndex > 1 {
		prevIndex = startIndex - 1
	}
	prevTerm := r.prevTermLocked(prevIndex)

	var entries []log.Entry
	idx := startIndex
	maxIdx := idx + BatchSize - 1
	if maxIdx > last {
		maxIdx = last
	}
	for ; idx <= maxIdx; idx++ {
		e, ok, err := r.log.Get(idx)
		if err != nil {
			break
		}
		if !ok {
			continue
		}
		if e.Type == log.EntrySnapshot {
			if len(entries) > 0 {
				break // flush the accumulated batch; the snapshot goes out next cycle
			}
			entries = append(entries, e)
			break // a snapshot always travels alone
		}
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return
	}

	req := &AppendRequest{
		CorrelationID: r.state.NextCorrelationID(),
		Term:          r.state.CurrentTerm(),
		Leader:        r.state.LocalMember(),
		PrevLogIndex:  prevIndex,
		PrevLogTerm:   prevTerm,
		Entries:       entries,
		LeaderCommit:  r.state.CommitIndex(),
	}

	r.appending = true
	// Range-correct pipelining guard (resolves the Open Question in
	// spec §9 in favor of the form verified against S4/S5).
	newSendIndex := prevIndex + uint64(len(entries)) + 1
	if newSendIndex > r.sendIndex {
		r.sendIndex = newSendIndex
	}
	go r.sendAppend(req, prevIndex, len(entries))
}

func (r *Replicator) sendAppend(req *AppendRequest, prevIndex uint64, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := r.transport.AppendEntries(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appending = false
	if r.closed || r.stepped {
		return // response discarded: spec §5 cancellation rule
	}

	if err != nil {
		r.logger.Error().Err(err).Msg("append entries failed")
		// Roll the pipelining guard back so the same range is retried
		// the next time drive() runs.
		r.sendIndex = prevIndex + 1
		r.failCommitRangeLocked(prevIndex+1, prevIndex+uint64(n), &TransportError{Peer: string(r.peer), Err: err})
		return
	}

	if resp.Term > r.state.CurrentTerm() {
		r.stepdownLocked(resp.Term)
		return
	}

	if !resp.Succeeded {
		newNext := resp.LastLogIndex + 1
		if newNext > r.sendIndex {
			// The follower cannot be ahead of what we just sent.
			newNext = r.sendIndex
		}
		r.nextIndex = newNext
		r.sendIndex = newNext
		r.drive()
		return
	}

	r.nextIndex = max(r.nextIndex+1, prevIndex+uint64(n)+1)
	r.matchIndex = max(r.matchIndex, prevIndex+uint64(n))
	r.resolveCommitRangeLocked(prevIndex+1, prevIndex+uint64(n))

	if r.onMatch != nil {
		onMatch := r.onMatch
		peer := r.peer
		match := r.matchIndex
		// Invoke outside the lock acquisition chain is unnecessary
		// here (ReplicationGroup's own lock is distinct from r.mu),
		// but the values are captured to avoid racing a concurrent
		// stepdown/close mutating them before the callback runs.
		go onMatch(peer, match)
	}

	if r.sendIndex <= r.log.LastIndex() {
		r.drive()
	}
}

func (r *Replicator) sendHeartbeat(req *AppendRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := r.transport.AppendEntries(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinging = false
	if r.closed || r.stepped {
		return
	}

	if err != nil {
		r.logger.Error().Err(err).Msg("heartbeat failed")
		r.failPingFuturesLocked(&TransportError{Peer: string(r.peer), Err: err})
		return
	}

	if resp.Term > r.state.CurrentTerm() {
		r.stepdownLocked(resp.Term)
		return
	}

	if !resp.Succeeded {
		newNext := resp.LastLogIndex + 1
		if newNext > r.sendIndex {
			newNext = r.sendIndex
		}
		r.nextIndex = newNext
		r.sendIndex = newNext
	}

	// Heartbeats never carry entries: nextIndex/matchIndex are
	// otherwise untouched, per the empty-entries tie-break in spec
	// §4.4.
	r.resolvePingFuturesLocked(r.matchIndex, nil)
}

func (r *Replicator) stepdownLocked(term uint64) {
	r.state.SetCurrentTerm(term)
	r.state.Transition(raft.Follower)
	r.stepped = true
	r.failAllFuturesLocked(ErrNotLeader)
}

func (r *Replicator) resolveCommitRangeLocked(lo, hi uint64) {
	for idx := lo; idx <= hi; idx++ {
		for _, f := range r.commitFutures[idx] {
			f.resolve(nil)
		}
		delete(r.commitFutures, idx)
	}
}

func (r *Replicator) failCommitRangeLocked(lo, hi uint64, err error) {
	for idx := lo; idx <= hi; idx++ {
		for _, f := range r.commitFutures[idx] {
			f.resolve(err)
		}
		delete(r.commitFutures, idx)
	}
}

func (r *Replicator) resolvePingFuturesLocked(match uint64, err error) {
	for _, f := range r.pingFutures {
		f.resolve(match, err)
	}
	r.pingFutures = nil
}

func (r *Replicator) failPingFuturesLocked(err error) {
	r.resolvePingFuturesLocked(r.matchIndex, err)
}

func (r *Replicator) failAllFuturesLocked(err error) {
	indexes := make([]uint64, 0, len(r.commitFutures))
	for idx := range r.commitFutures {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		for _, f := range r.commitFutures[idx] {
			f.resolve(err)
		}
	}
	r.commitFutures = make(map[uint64][]*CommitFuture)
	r.resolvePingFuturesLocked(r.matchIndex, err)
}

// Close cancels every outstanding future with ErrClosed and releases
// the transport. In-flight transport requests are left to complete;
// their responses are discarded by the closed check in the handlers.
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.failAllFuturesLocked(ErrClosed)
	r.mu.Unlock()
	return r.transport.Close()
}

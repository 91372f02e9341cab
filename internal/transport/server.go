package transport

import (
	"context"
	"fmt"

	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/concordlog/raftlog/internal/log"
	"github.com/concordlog/raftlog/internal/raft"
	"github.com/concordlog/raftlog/internal/replication"
)

// FollowerLog is the subset of *log.Log a follower needs to apply an
// AppendEntries call: read the entry preceding the batch, truncate on
// conflict, and append the batch itself.
type FollowerLog interface {
	Get(index uint64) (log.Entry, bool, error)
	LastIndex() uint64
	Truncate(index uint64) error
	Append(entry log.Entry) (uint64, error)
}

// Authorizer is the consumed ACL check, satisfied by
// *auth.Authorizer.
type Authorizer interface {
	Authorize(subject, object, action string) error
}

const (
	objectWildcard     = "*"
	appendEntriesAction = "append"
)

// Config bundles a Server's collaborators.
type Config struct {
	Log        FollowerLog
	State      raft.State
	Authorizer Authorizer
}

// Server is the follower-side RPC handler: it implements the Raft
// AppendEntries consistency check (does PrevLogIndex/PrevLogTerm match
// what's on disk?) and applies the batch, mirroring the teacher's
// grpcServer but for a single push RPC instead of Produce/Consume.
type Server struct {
	Config
}

func NewServer(config Config) *Server {
	return &Server{Config: config}
}

func (s *Server) AppendEntries(ctx context.Context, req *replication.AppendRequest) (*replication.AppendResponse, error) {
	if err := s.Authorizer.Authorize(subject(ctx), objectWildcard, appendEntriesAction); err != nil {
		return nil, err
	}

	if req.Term < s.State.CurrentTerm() {
		return &replication.AppendResponse{Term: s.State.CurrentTerm(), Succeeded: false, LastLogIndex: s.Log.LastIndex()}, nil
	}
	if req.Term > s.State.CurrentTerm() {
		s.State.SetCurrentTerm(req.Term)
		s.State.Transition(raft.Follower)
	}
	s.State.SetLeader(req.Leader)

	if req.PrevLogIndex > 0 {
		prev, ok, err := s.Log.Get(req.PrevLogIndex)
		if err != nil || !ok || prev.Term != req.PrevLogTerm {
			return &replication.AppendResponse{Term: s.State.CurrentTerm(), Succeeded: false, LastLogIndex: s.Log.LastIndex()}, nil
		}
	}

	// Only truncate when an incoming entry actually conflicts with
	// what's on disk. PrevLogIndex == 0 (a cold-start follower's first
	// batch) or a fully overlapping retransmit of an already-applied
	// batch must never call Truncate - doing so on every request would
	// both reject index 1 (nothing precedes it to truncate) and, under
	// pipelined overlapping batches, transiently drop a valid
	// already-replicated suffix.
	for _, e := range req.Entries {
		if existing, ok, err := s.Log.Get(e.Index); err == nil && ok {
			if existing.Term == e.Term {
				continue // already applied, nothing to do
			}
			if err := s.Log.Truncate(e.Index - 1); err != nil {
				return nil, err
			}
		}
		if _, err := s.Log.Append(e); err != nil {
			return nil, err
		}
	}

	return &replication.AppendResponse{
		Term:         s.State.CurrentTerm(),
		Succeeded:    true,
		LastLogIndex: s.Log.LastIndex(),
	}, nil
}

// NewGRPCServer wires the auth interceptor chain (kept verbatim in
// spirit from the teacher's internal/server/server.go) around the
// gob-coded AppendEntries service.
func NewGRPCServer(config Config, opts ...grpc.ServerOption) (*grpc.Server, error) {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			grpc_auth.UnaryServerInterceptor(authenticate),
		),
	)
	gsrv := grpc.NewServer(opts...)
	srv := NewServer(config)
	RegisterReplicationServer(gsrv, srv)
	return gsrv, nil
}

type subjectContextKey struct{}

func subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey{}).(string)
	return s
}

// authenticate reads the subject out of the client's cert, exactly as
// the teacher's server.go does.
func authenticate(ctx context.Context) (context.Context, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ctx, status.New(codes.Unknown, "couldn't find peer info").Err()
	}

	if p.AuthInfo == nil {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ctx, fmt.Errorf("transport: no verified client certificate")
	}
	subj := tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
	return context.WithValue(ctx, subjectContextKey{}, subj), nil
}

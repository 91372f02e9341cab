package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/concordlog/raftlog/internal/replication"
)

const (
	serviceName        = "raftlog.Replication"
	appendEntriesMethod = "AppendEntries"
)

// appendEntriesHandler is implemented by the server side: the
// follower's logic for handling one AppendEntries call.
type appendEntriesHandler interface {
	AppendEntries(ctx context.Context, req *replication.AppendRequest) (*replication.AppendResponse, error)
}

func appendEntriesServerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(replication.AppendRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(appendEntriesHandler).AppendEntries(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/" + appendEntriesMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(appendEntriesHandler).AppendEntries(ctx, req.(*replication.AppendRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is the hand-written stand-in for what protoc would
// otherwise generate: one unary RPC, AppendEntries, gob-encoded. This
// is the teacher's single log_v1.LogServer RPC set, replaced with the
// one RPC the replication engine actually needs (spec §6).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*appendEntriesHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: appendEntriesMethod,
			Handler:    appendEntriesServerHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/transport/service.go",
}

// RegisterReplicationServer registers a concrete appendEntriesHandler
// (*Server, see server.go) against the serviceDesc above.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv appendEntriesHandler) {
	s.RegisterService(&serviceDesc, srv)
}

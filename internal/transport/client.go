package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/concordlog/raftlog/internal/raft"
	"github.com/concordlog/raftlog/internal/replication"
)

// Client is a replication.PeerTransport backed by a gRPC connection to
// one peer, using the gob-coded AppendEntries service in place of the
// teacher's generated api.LogClient.
type Client struct {
	addr string
	opts []grpc.DialOption
	conn *grpc.ClientConn
}

func newClient(addr string, opts []grpc.DialOption) *Client {
	return &Client{addr: addr, opts: opts}
}

func (c *Client) Connect() error {
	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) AppendEntries(ctx context.Context, req *replication.AppendRequest) (*replication.AppendResponse, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("transport: client not connected")
	}
	resp := new(replication.AppendResponse)
	fullMethod := "/" + serviceName + "/" + appendEntriesMethod
	if err := c.conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

// GRPCDialer implements replication.Dialer, handing out one *Client
// per peer dial. TLSConfig is nil for an insecure (test) dialer.
type GRPCDialer struct {
	TLSConfig *tls.Config
}

func (d *GRPCDialer) Dial(peer raft.MemberID, addr string) (replication.PeerTransport, error) {
	var opts []grpc.DialOption
	if d.TLSConfig != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(d.TLSConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	return newClient(addr, opts), nil
}

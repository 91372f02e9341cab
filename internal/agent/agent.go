package agent

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/concordlog/raftlog/internal/auth"
	"github.com/concordlog/raftlog/internal/discovery"
	"github.com/concordlog/raftlog/internal/log"
	"github.com/concordlog/raftlog/internal/raft"
	"github.com/concordlog/raftlog/internal/replication"
	"github.com/concordlog/raftlog/internal/transport"
)

type Config struct {
	// ServerTLSConfig defines the configuration of the certificate
	// served to peers dialing this agent's AppendEntries RPC.
	ServerTLSConfig *tls.Config
	// PeerTLSConfig defines the certificate this agent presents when
	// dialing other peers.
	PeerTLSConfig  *tls.Config
	DataDir        string
	BindAddr       string
	RPCPort        int
	NodeName       string
	StartJoinAddrs []string
	ACLModelFile   string
	ACLPolicyFile  string
	// Bootstrap marks this node as the cluster's initial leader.
	// Leader election itself is out of scope (see spec Non-goals);
	// an agent is either the bootstrap leader or starts as a
	// follower waiting to observe AppendEntries from one.
	Bootstrap bool
}

func (c Config) RPCAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.RPCPort), nil
}

// Agent runs on every cluster member, wiring the log, consensus state,
// replication group, gRPC transport, Serf membership, and ACL
// authorizer into one running process. Grounded on the teacher's
// internal/agent/agent.go setup-pipeline shape; the replicator wiring
// is now push-based ReplicationGroup rather than the teacher's
// pull-based *log.Replicator.
type Agent struct {
	Config

	log        *log.Log
	state      *raft.ConsensusState
	group      *replication.ReplicationGroup
	server     *grpc.Server
	membership *discovery.Membership

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

func New(config Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLog,
		a.setupState,
		a.setupServer,
		a.setupReplicationGroup,
		a.setupMembership,
	}

	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *Agent) setupLog() error {
	var err error
	a.log, err = log.NewLog(a.Config.DataDir, log.Config{})
	return err
}

func (a *Agent) setupState() error {
	a.state = raft.NewConsensusState(raft.MemberID(a.Config.NodeName))
	if a.Config.Bootstrap {
		a.state.SetCurrentTerm(1)
		a.state.Transition(raft.Leader)
		a.state.SetLeader(raft.MemberID(a.Config.NodeName))
	}
	return nil
}

func (a *Agent) setupServer() error {
	authorizer, err := auth.New(a.Config.ACLModelFile, a.Config.ACLPolicyFile)
	if err != nil {
		return err
	}

	serverConfig := transport.Config{
		Log:        a.log,
		State:      a.state,
		Authorizer: authorizer,
	}
	var opts []grpc.ServerOption
	if a.Config.ServerTLSConfig != nil {
		creds := credentials.NewTLS(a.Config.ServerTLSConfig)
		opts = append(opts, grpc.Creds(creds))
	}

	a.server, err = transport.NewGRPCServer(serverConfig, opts...)
	if err != nil {
		return err
	}

	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}

	go func() {
		if err := a.server.Serve(ln); err != nil {
			_ = a.Shutdown()
		}
	}()

	return nil
}

func (a *Agent) setupReplicationGroup() error {
	dialer := &transport.GRPCDialer{TLSConfig: a.Config.PeerTLSConfig}
	a.group = replication.NewReplicationGroup(raft.MemberID(a.Config.NodeName), a.state, a.log, dialer)
	return nil
}

// setupMembership hands the ReplicationGroup to Serf as its
// discovery.Handler, so peer join/leave events start or stop a
// Replicator per peer.
func (a *Agent) setupMembership() error {
	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}

	a.membership, err = discovery.New(a.group, discovery.Config{
		NodeName: a.Config.NodeName,
		BindAddr: a.Config.BindAddr,
		Tags: map[string]string{
			discovery.RPCAddrTag: rpcAddr,
		},
		StartJoinAddrs: a.Config.StartJoinAddrs,
	})
	return err
}

// Shutdown stops the agent's components once, in dependency order:
// leave membership so peers stop sending us events, stop replicating,
// stop the gRPC server, close the log.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.membership.Leave,
		a.group.Close,
		func() error {
			a.server.GracefulStop()
			return nil
		},
		a.log.Close,
	}

	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

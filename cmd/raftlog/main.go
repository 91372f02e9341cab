package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/concordlog/raftlog/internal/agent"
	"github.com/concordlog/raftlog/internal/config"
)

func main() {
	var (
		dataDir      = flag.String("data-dir", "/tmp/raftlog", "directory to store segment files")
		bindAddr     = flag.String("bind-addr", "127.0.0.1:8401", "serf gossip bind address")
		rpcPort      = flag.Int("rpc-port", 8400, "AppendEntries gRPC listen port")
		nodeName     = flag.String("node-name", "", "unique name for this node (defaults to bind-addr)")
		startJoin    = flag.String("join", "", "comma-separated bind addresses of existing cluster members")
		bootstrap    = flag.Bool("bootstrap", false, "start this node as the cluster's initial leader")
		aclModelFile = flag.String("acl-model", config.ACLModelFile, "casbin ACL model file")
		aclPolicy    = flag.String("acl-policy", config.ACLPolicyFile, "casbin ACL policy file")
	)
	flag.Parse()

	name := *nodeName
	if name == "" {
		name = *bindAddr
	}

	var joinAddrs []string
	if *startJoin != "" {
		joinAddrs = strings.Split(*startJoin, ",")
	}

	a, err := agent.New(agent.Config{
		DataDir:        *dataDir,
		BindAddr:       *bindAddr,
		RPCPort:        *rpcPort,
		NodeName:       name,
		StartJoinAddrs: joinAddrs,
		Bootstrap:      *bootstrap,
		ACLModelFile:   *aclModelFile,
		ACLPolicyFile:  *aclPolicy,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "raftlog:", err)
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	if err := a.Shutdown(); err != nil {
		fmt.Fprintln(os.Stderr, "raftlog: shutdown:", err)
		os.Exit(1)
	}
}

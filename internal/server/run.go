package server

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/replkv/replkv/internal/distributedkv"
	"github.com/replkv/replkv/internal/httpapi"
	"github.com/replkv/replkv/internal/kvsm"
	"github.com/replkv/replkv/internal/raft"
	"github.com/replkv/replkv/internal/raft/storage"
	"github.com/replkv/replkv/internal/raft/transporthttp"
	"github.com/replkv/replkv/internal/types"
)

// Run wires together the server components and starts listening.
func Run() error {
	port := flag.Int("port", 8080, "HTTP listen port")
	nodeID := flag.String("id", "node1", "Node ID")
	advertise := flag.String("addr", "", "Advertised address (default http://localhost:<port>)")
	peersFlag := flag.String("peers", "", "Comma-separated list of peer_id=addr pairs (e.g. node2=http://localhost:8081)")
	dataDir := flag.String("data-dir", "", "Directory for durable state; empty keeps everything in memory")
	readPolicy := flag.String("read-policy", "read_index", "Read policy: stale or read_index")
	snapThreshold := flag.Uint64("snapshot-threshold", 1000, "Applied entries between snapshots; 0 disables compaction")
	flag.Parse()

	addr := *advertise
	if addr == "" {
		addr = fmt.Sprintf("http://localhost:%d", *port)
	}

	log.Printf("starting node %s on port %d (advertised %s)", *nodeID, *port, addr)

	// Parse peers; the member set is the peers plus this node.
	peerMap := make(map[types.NodeID]string)
	members := map[types.NodeID]string{types.NodeID(*nodeID): addr}
	if *peersFlag != "" {
		for _, p := range strings.Split(*peersFlag, ",") {
			parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid peer format: %q (expected id=addr)", p)
			}
			id := types.NodeID(parts[0])
			peerMap[id] = parts[1]
			members[id] = parts[1]
		}
	}

	var policy types.ReadPolicy
	switch *readPolicy {
	case "stale":
		policy = types.ReadPolicyStale
	case "read_index":
		policy = types.ReadPolicyReadIndex
	default:
		return fmt.Errorf("invalid read policy: %q", *readPolicy)
	}

	sm := kvsm.New()

	// A recovery failure here is fatal: serving with a partial log
	// would break the guarantees the log exists for.
	var (
		stable    storage.StableStore
		logStore  storage.LogStore
		snapStore storage.SnapshotStore
	)
	if *dataDir != "" {
		dir := *dataDir
		fileStable, err := storage.OpenFileStableStore(dir)
		if err != nil {
			return fmt.Errorf("open stable store: %w", err)
		}
		fileLog, err := storage.OpenFileLogStore(dir)
		if err != nil {
			return fmt.Errorf("open log store: %w", err)
		}
		defer fileLog.Close()
		fileSnap, err := storage.OpenFileSnapshotStore(dir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		stable, logStore, snapStore = fileStable, fileLog, fileSnap
	} else {
		log.Printf("no -data-dir given; state will not survive a restart")
		stable = storage.NewMemStableStore()
		logStore = storage.NewMemLogStore()
		snapStore = storage.NewMemSnapshotStore()
	}

	resolver := transporthttp.NewPeerResolver(peerMap)
	tp := transporthttp.NewHTTPTransport(resolver)

	cfg := raft.Config{
		ID:                types.NodeID(*nodeID),
		Addr:              addr,
		Members:           members,
		SnapshotThreshold: *snapThreshold,
		PeerUpdater:       resolver,
		Logger:            log.Default(),
	}

	node, err := raft.NewNode(cfg, stable, logStore, snapStore, tp, sm)
	if err != nil {
		return err
	}

	dkv := distributedkv.New(node, sm, distributedkv.Config{ReadPolicy: policy})
	apiServer := httpapi.New(dkv)

	// Combine API + Raft HTTP handlers
	mux := http.NewServeMux()
	mux.Handle("/raft/", node.RaftHTTPHandler().Handler())
	mux.Handle("/", apiServer.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("shutting down...")
		node.Stop(context.Background())
		return srv.Shutdown(context.Background())
	}
}

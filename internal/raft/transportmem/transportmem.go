// Package transportmem provides an in-process Transport for tests: a
// Network hub routes RPCs between registered nodes and can partition
// the cluster, drop messages, or delay delivery.
package transportmem

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/replkv/replkv/internal/raft/transporthttp"
	"github.com/replkv/replkv/internal/types"
)

// Network routes RPCs between nodes registered on it.
type Network struct {
	mu       sync.Mutex
	handlers map[types.NodeID]transporthttp.RaftRPCHandler
	groups   map[types.NodeID]int // partition group; all zero when healed
	dropRate float64
	delay    time.Duration
	rng      *rand.Rand
}

func NewNetwork(seed int64) *Network {
	return &Network{
		handlers: make(map[types.NodeID]transporthttp.RaftRPCHandler),
		groups:   make(map[types.NodeID]int),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Transport returns the sending side for a node. The node can be
// registered with Join afterward; senders and receivers are independent.
func (n *Network) Transport(id types.NodeID) *Transport {
	return &Transport{net: n, from: id}
}

// Join registers a node's RPC handler and returns a Transport bound to
// that node.
func (n *Network) Join(id types.NodeID, h transporthttp.RaftRPCHandler) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
	return &Transport{net: n, from: id}
}

// Leave removes a node from the network. RPCs to it fail afterward.
func (n *Network) Leave(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
	delete(n.groups, id)
}

// Partition splits the cluster into the given groups. Nodes in
// different groups cannot reach each other; nodes not named fall into
// group 0.
func (n *Network) Partition(groups ...[]types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[types.NodeID]int)
	for i, g := range groups {
		for _, id := range g {
			n.groups[id] = i + 1
		}
	}
}

// Heal removes all partitions.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[types.NodeID]int)
}

// SetDropRate drops each message with probability p in [0, 1].
func (n *Network) SetDropRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = p
}

// SetDelay delays every delivery by d.
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// route returns the destination handler if the message gets through.
func (n *Network) route(from, to types.NodeID) (transporthttp.RaftRPCHandler, time.Duration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.handlers[to]
	if !ok {
		return nil, 0, fmt.Errorf("node %s unreachable", to)
	}
	if n.groups[from] != n.groups[to] {
		return nil, 0, fmt.Errorf("network partition between %s and %s", from, to)
	}
	if n.dropRate > 0 && n.rng.Float64() < n.dropRate {
		return nil, 0, fmt.Errorf("message from %s to %s dropped", from, to)
	}
	return h, n.delay, nil
}

// Transport is the per-node sending side.
type Transport struct {
	net  *Network
	from types.NodeID
}

func (t *Transport) RequestVote(ctx context.Context, to types.NodeID, req transporthttp.RequestVoteRequest) (transporthttp.RequestVoteResponse, error) {
	h, delay, err := t.net.route(t.from, to)
	if err != nil {
		return transporthttp.RequestVoteResponse{}, err
	}
	if err := wait(ctx, delay); err != nil {
		return transporthttp.RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(ctx, req)
}

func (t *Transport) AppendEntries(ctx context.Context, to types.NodeID, req transporthttp.AppendEntriesRequest) (transporthttp.AppendEntriesResponse, error) {
	h, delay, err := t.net.route(t.from, to)
	if err != nil {
		return transporthttp.AppendEntriesResponse{}, err
	}
	if err := wait(ctx, delay); err != nil {
		return transporthttp.AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(ctx, req)
}

func (t *Transport) InstallSnapshot(ctx context.Context, to types.NodeID, req transporthttp.InstallSnapshotRequest) (transporthttp.InstallSnapshotResponse, error) {
	h, delay, err := t.net.route(t.from, to)
	if err != nil {
		return transporthttp.InstallSnapshotResponse{}, err
	}
	if err := wait(ctx, delay); err != nil {
		return transporthttp.InstallSnapshotResponse{}, err
	}
	return h.HandleInstallSnapshot(ctx, req)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

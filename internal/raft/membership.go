package raft

import (
	"context"
	"fmt"

	"github.com/replkv/replkv/internal/raft/storage"
	"github.com/replkv/replkv/internal/types"
)

// AddNode proposes adding a node to the cluster. Leader only; returns
// once the change is committed and active. The new node should be
// started with the current member list and an empty log - replication
// or a snapshot catches it up.
func (n *Node) AddNode(ctx context.Context, id types.NodeID, addr string) error {
	if id == "" || addr == "" {
		return fmt.Errorf("raft: add node: id and addr are required")
	}
	return n.proposeConfigChange(ctx, types.ConfigChange{Type: types.ConfigAddNode, NodeID: id, Addr: addr})
}

// RemoveNode proposes removing a node from the cluster. Leader only.
// A leader may remove itself; it steps down once the change commits.
func (n *Node) RemoveNode(ctx context.Context, id types.NodeID) error {
	if id == "" {
		return fmt.Errorf("raft: remove node: id is required")
	}
	return n.proposeConfigChange(ctx, types.ConfigChange{Type: types.ConfigRemoveNode, NodeID: id})
}

// ClusterConfig returns the currently active membership.
func (n *Node) ClusterConfig() types.ClusterConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config.Clone()
}

// proposeConfigChange appends a configuration entry and waits for it
// to commit and activate. One change may be in flight at a time; the
// change's own commit is decided under the configuration it was
// proposed in.
func (n *Node) proposeConfigChange(ctx context.Context, cc types.ConfigChange) error {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if n.pendingConfigIndex != 0 {
		n.mu.Unlock()
		return ErrConfigChangeInFlight
	}
	switch cc.Type {
	case types.ConfigAddNode:
		if n.config.Contains(cc.NodeID) {
			n.mu.Unlock()
			return ErrAlreadyMember
		}
	case types.ConfigRemoveNode:
		if !n.config.Contains(cc.NodeID) {
			n.mu.Unlock()
			return ErrNotMember
		}
	}

	term := n.currentTerm
	lastIdx, err := n.log.LastIndex()
	if err != nil {
		n.mu.Unlock()
		return err
	}

	newIdx := lastIdx + 1
	entry := storage.LogEntry{Index: newIdx, Term: term, Type: storage.EntryConfig, Config: &cc}
	if err := n.log.Append([]storage.LogEntry{entry}); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("append to log: %w", err)
	}
	n.matchIndex[n.cfg.ID] = newIdx
	n.pendingConfigIndex = newIdx

	resultCh := make(chan types.ApplyResult, 1)
	n.pendingMu.Lock()
	n.pending[newIdx] = resultCh
	n.pendingMu.Unlock()

	n.advanceCommitIndexLocked()
	n.notifyReplicatorsLocked()
	n.mu.Unlock()

	select {
	case res, ok := <-resultCh:
		if !ok {
			return ErrNotLeader
		}
		if !res.Ok {
			return fmt.Errorf("raft: config change rejected: %s", res.ErrMsg)
		}
		return nil
	case <-ctx.Done():
		// the change may still commit; pendingConfigIndex clears when
		// it does (or on step-down)
		n.pendingMu.Lock()
		delete(n.pending, newIdx)
		n.pendingMu.Unlock()
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrNodeStopped
	}
}

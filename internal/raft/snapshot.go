package raft

import (
	"context"

	"github.com/replkv/replkv/internal/raft/storage"
	"github.com/replkv/replkv/internal/raft/transporthttp"
	"github.com/replkv/replkv/internal/types"
)

// ForceSnapshot asks the applier to take a snapshot at its next pass,
// regardless of the configured threshold.
func (n *Node) ForceSnapshot() {
	n.mu.Lock()
	n.snapRequested = true
	n.signalApplierLocked()
	n.mu.Unlock()
}

// maybeSnapshot runs on the applier goroutine after a batch of applies.
func (n *Node) maybeSnapshot() {
	n.mu.Lock()
	due := n.snapRequested
	if t := n.cfg.SnapshotThreshold; t > 0 && n.lastApplied >= n.snapshotIndex+t {
		due = true
	}
	n.snapRequested = false
	n.mu.Unlock()

	if !due {
		return
	}
	if err := n.takeSnapshot(); err != nil {
		n.logger.Printf("node %s: snapshot: %v", n.cfg.ID, err)
	}
}

// takeSnapshot captures the state machine as of lastApplied, persists
// it, and compacts the log. Only the applier goroutine calls this, so
// no applies can slip in between capturing the index and the state.
func (n *Node) takeSnapshot() error {
	n.mu.Lock()
	index := n.lastApplied
	if index == 0 || index <= n.snapshotIndex {
		n.mu.Unlock()
		return nil
	}
	term, err := n.log.TermAt(index)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	cfg := n.config.Clone()
	n.mu.Unlock()

	data, err := n.sm.Snapshot()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastApplied != index || n.snapshotIndex >= index {
		// an installed snapshot overtook us between capture and save
		return nil
	}
	meta := storage.SnapshotMeta{LastIncludedIndex: index, LastIncludedTerm: term, Config: cfg}
	if err := n.snap.Save(meta, data); err != nil {
		return err
	}
	if err := n.log.TruncatePrefix(index, term); err != nil {
		return err
	}
	n.snapshotIndex = index
	n.snapshotTerm = term
	n.logger.Printf("node %s: snapshot taken at index %d term %d", n.cfg.ID, index, term)
	return nil
}

// sendSnapshot ships the latest snapshot to a peer whose nextIndex has
// fallen behind the compacted log. Same return convention as
// replicateOnce.
func (n *Node) sendSnapshot(r *replicator) (ok, more bool) {
	meta, data, have, err := n.snap.Load()
	if err != nil || !have {
		if err == nil {
			err = ErrNoSnapshot
		}
		n.logger.Printf("node %s: cannot ship snapshot to %s: %v", n.cfg.ID, r.peer, err)
		return false, false
	}

	req := transporthttp.InstallSnapshotRequest{
		Term:              r.term,
		LeaderID:          n.cfg.ID,
		LeaderAddr:        n.cfg.Addr,
		LastIncludedIndex: meta.LastIncludedIndex,
		LastIncludedTerm:  meta.LastIncludedTerm,
		Config:            meta.Config,
		Data:              data,
	}

	ctx, cancel := context.WithTimeout(n.ctx, 2*n.cfg.Timing.ElectionTimeoutMax)
	resp, err := n.tp.InstallSnapshot(ctx, r.peer, req)
	cancel()
	if err != nil {
		return false, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != RoleLeader || n.currentTerm != r.term {
		return false, false
	}
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return false, false
	}
	if !resp.Success {
		return false, false
	}

	if meta.LastIncludedIndex > n.matchIndex[r.peer] {
		n.matchIndex[r.peer] = meta.LastIncludedIndex
	}
	n.nextIndex[r.peer] = meta.LastIncludedIndex + 1
	n.advanceCommitIndexLocked()

	lastIdx, _ := n.log.LastIndex()
	return true, n.nextIndex[r.peer] <= lastIdx
}

// HandleInstallSnapshot handles an incoming InstallSnapshot RPC.
// Installing a snapshot the node has already applied past is a no-op
// success, so retries and duplicates are harmless.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req transporthttp.InstallSnapshotRequest) (transporthttp.InstallSnapshotResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	// Reject when the terms don't line up: ours is higher, or the
	// leader's term could not be made durable.
	if req.Term != n.currentTerm {
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm, Success: false}, nil
	}

	n.resetElectionTimer()
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	if n.role == RoleCandidate {
		n.role = RoleFollower
	}

	if req.LastIncludedIndex <= n.lastApplied {
		// already have this state; installing would move us backward
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm, Success: true}, nil
	}

	if err := n.sm.Restore(req.Data); err != nil {
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm, Success: false}, err
	}

	meta := storage.SnapshotMeta{
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		Config:            req.Config,
	}
	if err := n.snap.Save(meta, req.Data); err != nil {
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm, Success: false}, err
	}

	// Keep any log suffix that provably follows the snapshot;
	// otherwise restart the log after it.
	lastIdx, _ := n.log.LastIndex()
	t, err := n.log.TermAt(req.LastIncludedIndex)
	if err == nil && t == req.LastIncludedTerm && lastIdx > req.LastIncludedIndex {
		err = n.log.TruncatePrefix(req.LastIncludedIndex, req.LastIncludedTerm)
	} else {
		err = n.log.Reset(req.LastIncludedIndex, req.LastIncludedTerm)
	}
	if err != nil {
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm, Success: false}, err
	}

	n.lastApplied = req.LastIncludedIndex
	if n.commitIndex < req.LastIncludedIndex {
		n.commitIndex = req.LastIncludedIndex
	}
	n.snapshotIndex = req.LastIncludedIndex
	n.snapshotTerm = req.LastIncludedTerm

	if len(req.Config.Members) > 0 {
		n.config = req.Config.Clone()
		if n.cfg.PeerUpdater != nil {
			for id, addr := range n.config.Members {
				if id != n.cfg.ID {
					n.cfg.PeerUpdater.Add(id, addr)
				}
			}
		}
	}

	n.notifyApplyWaitersLocked()
	n.signalApplierLocked()

	n.logger.Printf("node %s: installed snapshot at index %d term %d", n.cfg.ID, req.LastIncludedIndex, req.LastIncludedTerm)
	return transporthttp.InstallSnapshotResponse{Term: n.currentTerm, Success: true}, nil
}

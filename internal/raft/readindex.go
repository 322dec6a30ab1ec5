package raft

import (
	"context"

	"github.com/replkv/replkv/internal/raft/transporthttp"
	"github.com/replkv/replkv/internal/types"
)

// GetReadIndex returns an index such that a read served after waiting
// for it to apply is linearizable. Leader only: the node captures its
// commit index (bumped to the term's barrier entry if that has not
// committed yet) and confirms it still leads with a majority round of
// heartbeats before returning.
func (n *Node) GetReadIndex(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}
	term := n.currentTerm
	readIndex := n.commitIndex
	if n.noopIndex > 0 && readIndex < n.noopIndex {
		readIndex = n.noopIndex
	}

	peers := n.peersLocked()
	quorum := n.config.Quorum()

	type probe struct {
		peer types.NodeID
		req  transporthttp.AppendEntriesRequest
	}
	firstIdx, _ := n.log.FirstIndex()
	probes := make([]probe, 0, len(peers))
	for _, p := range peers {
		prevIdx := n.nextIndex[p] - 1
		if prevIdx < firstIdx-1 {
			prevIdx = firstIdx - 1
		}
		prevTerm, err := n.log.TermAt(prevIdx)
		if err != nil {
			prevTerm = 0
		}
		probes = append(probes, probe{
			peer: p,
			req: transporthttp.AppendEntriesRequest{
				Term:         term,
				LeaderID:     n.cfg.ID,
				LeaderAddr:   n.cfg.Addr,
				PrevLogIndex: prevIdx,
				PrevLogTerm:  prevTerm,
				LeaderCommit: n.commitIndex,
			},
		})
	}
	n.mu.Unlock()

	if len(probes) > 0 {
		acks := make(chan bool, len(probes))
		cctx, cancel := context.WithTimeout(ctx, n.cfg.Timing.ElectionTimeoutMin)
		defer cancel()

		for _, pb := range probes {
			go func(pb probe) {
				resp, err := n.tp.AppendEntries(cctx, pb.peer, pb.req)
				if err != nil {
					acks <- false
					return
				}
				if resp.Term > term {
					n.stepDown(resp.Term)
					acks <- false
					return
				}
				// the response proves the peer sees us in this term;
				// log agreement is not needed for the read barrier
				acks <- true
			}(pb)
		}

		confirmed := 1 // self
	collect:
		for range probes {
			select {
			case ok := <-acks:
				if ok {
					confirmed++
				}
				if confirmed >= quorum {
					break collect
				}
			case <-cctx.Done():
				break collect
			}
		}
		if confirmed < quorum {
			return 0, ErrNoQuorum
		}
	}

	n.mu.Lock()
	still := n.role == RoleLeader && n.currentTerm == term
	n.mu.Unlock()
	if !still {
		return 0, ErrNotLeader
	}
	return readIndex, nil
}

// WaitApplied blocks until the state machine has applied through
// index, the context expires, or the node stops.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	n.mu.Lock()
	if n.lastApplied >= index {
		n.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	n.applyWaiters = append(n.applyWaiters, applyWaiter{index: index, ch: ch})
	n.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrNodeStopped
	}
}

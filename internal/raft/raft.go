package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/replkv/replkv/internal/kvsm"
	"github.com/replkv/replkv/internal/raft/storage"
	"github.com/replkv/replkv/internal/raft/transporthttp"
	"github.com/replkv/replkv/internal/types"
)

const (
	RoleLeader    = "leader"
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
)

// maxEntriesPerAppend caps the batch carried by one AppendEntries RPC.
const maxEntriesPerAppend = 64

// Logger is the minimal logging interface the node uses. *log.Logger
// satisfies it; the default is a no-op.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// PeerUpdater is told about membership changes so the transport can
// resolve new members. *transporthttp.PeerResolver satisfies it.
type PeerUpdater interface {
	Add(id types.NodeID, addr string)
	Remove(id types.NodeID)
}

// TimingConfig holds configurable timing parameters for elections and heartbeats.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// DefaultTimingConfig returns sensible defaults for production.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

// Config holds configuration for a Raft node.
type Config struct {
	ID      types.NodeID
	Addr    string                  // this node's advertised address
	Members map[types.NodeID]string // initial cluster incl. self; snapshot/log override it on restart

	Timing TimingConfig

	// SnapshotThreshold is how many entries may be applied past the
	// last snapshot before the log is compacted. 0 disables compaction.
	SnapshotThreshold uint64

	PeerUpdater PeerUpdater // optional
	Logger      Logger      // optional; defaults to no-op
	Rand        *rand.Rand  // optional: for deterministic randomness in tests
}

type applyWaiter struct {
	index uint64
	ch    chan struct{}
}

// replicator drives one peer: it wakes on new log entries or on the
// heartbeat tick and pushes the peer forward until it is caught up. It
// never touches node state directly; all updates go through node
// methods under the node mutex.
type replicator struct {
	peer   types.NodeID
	term   uint64
	notify chan struct{}
	stop   chan struct{}
}

// Node is a Raft node.
type Node struct {
	cfg    Config
	stable storage.StableStore
	log    storage.LogStore
	snap   storage.SnapshotStore
	tp     transporthttp.Transport
	sm     *kvsm.KVStateMachine
	logger Logger

	mu          sync.Mutex
	role        string
	currentTerm uint64
	votedFor    types.NodeID
	leaderHint  types.LeaderHint
	commitIndex uint64
	lastApplied uint64
	config      types.ClusterConfig

	snapshotIndex uint64
	snapshotTerm  uint64
	snapRequested bool

	matchIndex  map[types.NodeID]uint64
	nextIndex   map[types.NodeID]uint64
	replicators map[types.NodeID]*replicator

	// noopIndex is the barrier entry appended when this node became
	// leader; leadership is established once it commits.
	noopIndex uint64

	// pendingConfigIndex is nonzero while a membership change sits
	// uncommitted in the log.
	pendingConfigIndex uint64

	applyWaiters []applyWaiter

	applierDone     chan struct{}
	applierCh       chan struct{}
	electionResetCh chan struct{}
	ctx             context.Context
	cancel          context.CancelFunc

	// pending proposals waiting for apply
	pendingMu sync.Mutex
	pending   map[uint64]chan types.ApplyResult

	rand *rand.Rand
}

// NewNode creates a Raft node, recovering durable state: term and vote
// from the stable store, the state machine from the latest snapshot,
// and the cluster configuration from the snapshot plus any
// configuration entries still in the log.
func NewNode(cfg Config, stable storage.StableStore, log storage.LogStore, snap storage.SnapshotStore, tp transporthttp.Transport, sm *kvsm.KVStateMachine) (*Node, error) {
	term, err := stable.GetCurrentTerm()
	if err != nil {
		return nil, err
	}

	votedFor, _, err := stable.GetVotedFor()
	if err != nil {
		return nil, err
	}

	if cfg.Timing.ElectionTimeoutMin == 0 {
		cfg.Timing = DefaultTimingConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	n := &Node{
		cfg:             cfg,
		stable:          stable,
		log:             log,
		snap:            snap,
		tp:              tp,
		sm:              sm,
		logger:          cfg.Logger,
		role:            RoleFollower,
		currentTerm:     term,
		votedFor:        votedFor,
		config:          types.ClusterConfig{Members: make(map[types.NodeID]string, len(cfg.Members))},
		matchIndex:      make(map[types.NodeID]uint64),
		nextIndex:       make(map[types.NodeID]uint64),
		replicators:     make(map[types.NodeID]*replicator),
		applierCh:       make(chan struct{}, 1),
		pending:         make(map[uint64]chan types.ApplyResult),
		electionResetCh: make(chan struct{}, 1),
		rand:            r,
	}
	for id, addr := range cfg.Members {
		n.config.Members[id] = addr
	}

	meta, data, ok, err := snap.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := sm.Restore(data); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		n.commitIndex = meta.LastIncludedIndex
		n.lastApplied = meta.LastIncludedIndex
		n.snapshotIndex = meta.LastIncludedIndex
		n.snapshotTerm = meta.LastIncludedTerm
		if len(meta.Config.Members) > 0 {
			n.config = meta.Config.Clone()
		}
		// Re-align the log with the snapshot: drop entries the
		// snapshot covers, and restart an empty or lagging log after it.
		firstIdx, _ := log.FirstIndex()
		lastIdx, _ := log.LastIndex()
		if lastIdx < meta.LastIncludedIndex {
			if err := log.Reset(meta.LastIncludedIndex, meta.LastIncludedTerm); err != nil {
				return nil, err
			}
		} else if firstIdx <= meta.LastIncludedIndex {
			if err := log.TruncatePrefix(meta.LastIncludedIndex, meta.LastIncludedTerm); err != nil {
				return nil, err
			}
		}
	}

	if err := n.recoverConfig(); err != nil {
		return nil, err
	}

	return n, nil
}

// recoverConfig replays configuration entries still in the log.
// Their commit status is unknown after a restart; honoring the latest
// one is the safe choice, since a later leader settles the log anyway.
func (n *Node) recoverConfig() error {
	firstIdx, _ := n.log.FirstIndex()
	lastIdx, _ := n.log.LastIndex()
	for lo := firstIdx; lo <= lastIdx; lo += maxEntriesPerAppend {
		hi := lo + maxEntriesPerAppend - 1
		if hi > lastIdx {
			hi = lastIdx
		}
		entries, err := n.log.ReadRange(lo, hi)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type != storage.EntryConfig || e.Config == nil {
				continue
			}
			switch e.Config.Type {
			case types.ConfigAddNode:
				n.config.Members[e.Config.NodeID] = e.Config.Addr
			case types.ConfigRemoveNode:
				delete(n.config.Members, e.Config.NodeID)
			}
		}
	}
	return nil
}

// Start starts the applier loop and election timer.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.applierDone = make(chan struct{})
	go n.applierLoop()
	go n.electionLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()
	<-n.applierDone
	n.mu.Lock()
	n.stopReplicatorsLocked()
	n.mu.Unlock()
	n.cancelPending()
	return nil
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	firstIdx, _ := n.log.FirstIndex()
	lastIdx, _ := n.log.LastIndex()
	members := make([]types.Member, 0, len(n.config.Members))
	for id, addr := range n.config.Members {
		members = append(members, types.Member{ID: id, Addr: addr})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return types.NodeStatus{
		ID:            n.cfg.ID,
		Role:          n.role,
		Term:          n.currentTerm,
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		FirstIndex:    firstIdx,
		LastIndex:     lastIdx,
		SnapshotIndex: n.snapshotIndex,
		LeaderHint:    n.leaderHint,
		Members:       members,
	}
}

// peersLocked returns the current members excluding this node.
func (n *Node) peersLocked() []types.NodeID {
	peers := make([]types.NodeID, 0, len(n.config.Members))
	for id := range n.config.Members {
		if id != n.cfg.ID {
			peers = append(peers, id)
		}
	}
	return peers
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	max := n.cfg.Timing.ElectionTimeoutMax
	delta := max - min
	return min + time.Duration(n.rand.Int63n(int64(delta)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

func (n *Node) electionLoop() {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != RoleLeader {
				n.startElection()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

func (n *Node) startElection() {
	n.mu.Lock()
	if !n.config.Contains(n.cfg.ID) {
		// removed from the cluster; don't campaign
		n.mu.Unlock()
		return
	}
	// The bumped term and self-vote must be durable before any vote is
	// solicited; a campaign the disk did not record never happened.
	term := n.currentTerm + 1
	if err := n.stable.SetCurrentTerm(term); err != nil {
		n.logger.Printf("node %s: persist term %d: %v", n.cfg.ID, term, err)
		n.mu.Unlock()
		return
	}
	n.currentTerm = term
	if err := n.stable.SetVotedFor(n.cfg.ID); err != nil {
		n.logger.Printf("node %s: persist self-vote: %v", n.cfg.ID, err)
		n.mu.Unlock()
		return
	}
	n.votedFor = n.cfg.ID
	n.role = RoleCandidate

	lastIdx, _ := n.log.LastIndex()
	lastTerm, _ := n.log.TermAt(lastIdx)

	peers := n.peersLocked()
	quorum := n.config.Quorum()
	n.mu.Unlock()

	req := transporthttp.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}

	votes := 1 // vote for self

	type voteResult struct {
		resp transporthttp.RequestVoteResponse
		err  error
	}
	results := make(chan voteResult, len(peers))

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.ElectionTimeoutMin)
	defer cancel()

	for _, p := range peers {
		go func(peer types.NodeID) {
			if n.tp == nil {
				results <- voteResult{err: fmt.Errorf("no transport")}
				return
			}
			resp, err := n.tp.RequestVote(ctx, peer, req)
			results <- voteResult{resp, err}
		}(p)
	}

	// Tally as responses arrive; a quorum wins the election without
	// waiting on slow or unreachable peers.
collect:
	for range peers {
		select {
		case <-ctx.Done():
			break collect
		case vr := <-results:
			if vr.err != nil {
				continue
			}
			if vr.resp.Term > term {
				n.stepDown(vr.resp.Term)
				return
			}
			if vr.resp.VoteGranted {
				votes++
				if votes >= quorum {
					break collect
				}
			}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// Check we're still candidate for the same term
	if n.role != RoleCandidate || n.currentTerm != term {
		return
	}

	if votes >= quorum {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	lastIdx, _ := n.log.LastIndex()

	// Append a barrier entry for the new term. It lets the commit rule
	// make progress on entries from earlier terms and anchors the read
	// path: leadership is established once it commits. Without it a
	// read could anchor at a commit index that predates the term, so a
	// node that cannot write the barrier does not take leadership.
	noop := storage.LogEntry{Index: lastIdx + 1, Term: n.currentTerm, Type: storage.EntryNoop}
	if err := n.log.Append([]storage.LogEntry{noop}); err != nil {
		n.logger.Printf("node %s: append barrier entry: %v", n.cfg.ID, err)
		n.role = RoleFollower
		return
	}

	n.role = RoleLeader
	n.leaderHint = types.LeaderHint{LeaderID: n.cfg.ID, LeaderAddr: n.cfg.Addr}
	n.noopIndex = noop.Index
	n.logger.Printf("node %s elected leader for term %d", n.cfg.ID, n.currentTerm)

	n.matchIndex[n.cfg.ID] = noop.Index
	for _, p := range n.peersLocked() {
		n.nextIndex[p] = noop.Index
		n.matchIndex[p] = 0
	}

	for _, p := range n.peersLocked() {
		n.startReplicatorLocked(p)
	}

	// A single-node cluster commits immediately.
	n.advanceCommitIndexLocked()
}

func (n *Node) startReplicatorLocked(peer types.NodeID) {
	r := &replicator{
		peer:   peer,
		term:   n.currentTerm,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	n.replicators[peer] = r
	go n.runReplicator(r)
}

func (n *Node) stopReplicatorsLocked() {
	for id, r := range n.replicators {
		close(r.stop)
		delete(n.replicators, id)
	}
}

func (n *Node) notifyReplicatorsLocked() {
	for _, r := range n.replicators {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

func (n *Node) runReplicator(r *replicator) {
	ticker := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	n.replicate(r)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.notify:
		case <-ticker.C:
		}
		n.replicate(r)
	}
}

// replicate pushes the peer forward until it is caught up or an RPC
// fails; the next tick or notify retries.
func (n *Node) replicate(r *replicator) {
	for {
		ok, more := n.replicateOnce(r)
		if !ok || !more {
			return
		}
	}
}

// replicateOnce sends one AppendEntries (or InstallSnapshot when the
// peer is behind the compacted log) and processes the response.
// Returns ok=false when replication should pause, more=true when the
// peer still has entries outstanding or a backtracked retry is due.
func (n *Node) replicateOnce(r *replicator) (ok, more bool) {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != r.term {
		n.mu.Unlock()
		return false, false
	}

	firstIdx, _ := n.log.FirstIndex()
	nextIdx := n.nextIndex[r.peer]
	if nextIdx < firstIdx {
		// peer needs entries the log no longer has
		n.mu.Unlock()
		return n.sendSnapshot(r)
	}

	prevLogIndex := nextIdx - 1
	prevLogTerm, err := n.log.TermAt(prevLogIndex)
	if err != nil {
		n.mu.Unlock()
		return false, false
	}

	lastIdx, _ := n.log.LastIndex()
	var entries []storage.LogEntry
	if nextIdx <= lastIdx {
		hi := lastIdx
		if hi-nextIdx+1 > maxEntriesPerAppend {
			hi = nextIdx + maxEntriesPerAppend - 1
		}
		entries, err = n.log.ReadRange(nextIdx, hi)
		if err != nil {
			n.mu.Unlock()
			return false, false
		}
	}

	req := transporthttp.AppendEntriesRequest{
		Term:         r.term,
		LeaderID:     n.cfg.ID,
		LeaderAddr:   n.cfg.Addr,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	if n.tp == nil {
		return false, false
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.ElectionTimeoutMin)
	resp, err := n.tp.AppendEntries(ctx, r.peer, req)
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

	if resp.Success {
		newMatch := prevLogIndex + uint64(len(entries))
		if newMatch > n.matchIndex[r.peer] {
			n.matchIndex[r.peer] = newMatch
		}
		n.nextIndex[r.peer] = newMatch + 1
		n.advanceCommitIndexLocked()
		curLast, _ := n.log.LastIndex()
		return true, n.nextIndex[r.peer] <= curLast
	}

	// Log inconsistency - backtrack nextIndex using the conflict hints.
	if resp.ConflictTerm == 0 {
		// follower's log is too short
		n.nextIndex[r.peer] = resp.ConflictIndex
	} else {
		// Skip past our last entry of the conflicting term if we have
		// it; otherwise jump to the follower's first index of that term.
		// The log may have grown or compacted during the RPC, so the
		// scan bounds come from the log as it is now.
		curFirst, _ := n.log.FirstIndex()
		curLast, _ := n.log.LastIndex()
		next := resp.ConflictIndex
		for i := curLast; i >= curFirst; i-- {
			t, err := n.log.TermAt(i)
			if err != nil {
				break
			}
			if t == resp.ConflictTerm {
				next = i + 1
				break
			}
			if t < resp.ConflictTerm {
				break
			}
		}
		n.nextIndex[r.peer] = next
	}
	if n.nextIndex[r.peer] < 1 {
		n.nextIndex[r.peer] = 1
	}

	return true, true
}

// advanceCommitIndexLocked advances commitIndex over entries stored on
// a quorum. Only entries from the current term commit by counting;
// earlier entries commit with them.
func (n *Node) advanceCommitIndexLocked() {
	if n.role != RoleLeader {
		return
	}

	lastIdx, _ := n.log.LastIndex()
	quorum := n.config.Quorum()
	advanced := false

	for idx := n.commitIndex + 1; idx <= lastIdx; idx++ {
		term, err := n.log.TermAt(idx)
		if err != nil || term != n.currentTerm {
			continue
		}

		replicas := 0
		for id := range n.config.Members {
			if n.matchIndex[id] >= idx {
				replicas++
			}
		}
		if replicas >= quorum {
			n.commitIndex = idx
			advanced = true
		}
	}

	if advanced {
		n.signalApplierLocked()
	}
}

func (n *Node) stepDown(newTerm uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepDownLocked(newTerm)
}

func (n *Node) stepDownLocked(newTerm uint64) {
	if newTerm > n.currentTerm {
		// A higher term must be durable before it is acted on; if the
		// write fails the node keeps its old term and callers answer
		// with it.
		if err := n.stable.SetCurrentTerm(newTerm); err != nil {
			n.logger.Printf("node %s: persist term %d: %v", n.cfg.ID, newTerm, err)
			return
		}
		n.currentTerm = newTerm
		if err := n.stable.ClearVotedFor(); err != nil {
			// durable state keeps the old vote; mirroring it in memory
			// only withholds this node's vote for the new term
			n.logger.Printf("node %s: clear vote: %v", n.cfg.ID, err)
		} else {
			n.votedFor = ""
		}
	}
	n.becomeFollowerLocked()
}

func (n *Node) becomeFollowerLocked() {
	if n.role == RoleLeader {
		n.stopReplicatorsLocked()
		n.cancelPending()
		n.pendingConfigIndex = 0
		n.noopIndex = 0
		n.logger.Printf("node %s stepping down in term %d", n.cfg.ID, n.currentTerm)
	}
	n.role = RoleFollower
}

// cancelPending fails every in-flight proposal; the entries may still
// commit under a later leader, the outcome is just unknown here.
func (n *Node) cancelPending() {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	for idx, ch := range n.pending {
		close(ch)
		delete(n.pending, idx)
	}
}

// respondPending delivers a result to one in-flight proposal.
func (n *Node) respondPending(index uint64, result types.ApplyResult) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if ch, ok := n.pending[index]; ok {
		ch <- result
		close(ch)
		delete(n.pending, index)
	}
}

// Propose appends a command to the log, replicates it, and returns the
// apply result once the command is committed and applied. Leader only.
func (n *Node) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return types.ApplyResult{}, ErrNotLeader
	}
	term := n.currentTerm

	lastIdx, err := n.log.LastIndex()
	if err != nil {
		n.mu.Unlock()
		return types.ApplyResult{}, err
	}

	newIdx := lastIdx + 1
	entry := storage.LogEntry{Index: newIdx, Term: term, Type: storage.EntryCommand, Cmd: cmd}
	if err := n.log.Append([]storage.LogEntry{entry}); err != nil {
		n.mu.Unlock()
		return types.ApplyResult{}, fmt.Errorf("append to log: %w", err)
	}
	n.matchIndex[n.cfg.ID] = newIdx

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
			return types.ApplyResult{}, ErrNotLeader
		}
		return res, nil
	case <-ctx.Done():
		n.pendingMu.Lock()
		delete(n.pending, newIdx)
		n.pendingMu.Unlock()
		return types.ApplyResult{}, ctx.Err()
	case <-n.ctx.Done():
		return types.ApplyResult{}, ErrNodeStopped
	}
}

// HandleAppendEntries handles an incoming AppendEntries RPC.
func (n *Node) HandleAppendEntries(ctx context.Context, req transporthttp.AppendEntriesRequest) (transporthttp.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	// Reject when the terms don't line up: ours is higher, or the
	// leader's term could not be made durable.
	if req.Term != n.currentTerm {
		return transporthttp.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	// Valid AppendEntries from leader - reset election timer
	n.resetElectionTimer()

	// Update leader hint
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}

	// A candidate yields to the current term's leader
	if n.role == RoleCandidate {
		n.role = RoleFollower
	}

	firstIdx, _ := n.log.FirstIndex()

	// Log consistency check: the entry at prevLogIndex must exist with
	// a matching term.
	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex < firstIdx-1 {
			// already compacted here; everything through the snapshot
			// is committed, so point the leader at the live log
			return transporthttp.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: firstIdx,
				ConflictTerm:  0,
			}, nil
		}

		lastIdx, _ := n.log.LastIndex()
		if req.PrevLogIndex > lastIdx {
			// We don't have the entry at prevLogIndex
			return transporthttp.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: lastIdx + 1,
				ConflictTerm:  0,
			}, nil
		}

		prevTerm, err := n.log.TermAt(req.PrevLogIndex)
		if err != nil {
			return transporthttp.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: req.PrevLogIndex,
				ConflictTerm:  0,
			}, nil
		}

		if prevTerm != req.PrevLogTerm {
			// Term mismatch - report the first index of the conflicting term
			conflictTerm := prevTerm
			conflictIndex := req.PrevLogIndex
			for conflictIndex > firstIdx {
				t, err := n.log.TermAt(conflictIndex - 1)
				if err != nil || t != conflictTerm {
					break
				}
				conflictIndex--
			}
			return transporthttp.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: conflictIndex,
				ConflictTerm:  conflictTerm,
			}, nil
		}
	}

	// Append entries - check for conflicts and truncate if needed
	if len(req.Entries) > 0 {
		lastIdx, _ := n.log.LastIndex()

		for i, entry := range req.Entries {
			if entry.Index <= lastIdx {
				// Entry already exists - check if terms match
				existingTerm, err := n.log.TermAt(entry.Index)
				if err == nil && existingTerm != entry.Term {
					if entry.Index <= n.commitIndex {
						// a committed entry can never conflict; refuse
						// rather than truncate below the commit point
						return transporthttp.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
					}
					// Conflict - delete this entry and everything after
					if err := n.log.DeleteFrom(entry.Index); err != nil {
						return transporthttp.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
					}
					if err := n.log.Append(req.Entries[i:]); err != nil {
						return transporthttp.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
					}
					break
				}
				// Terms match (or the entry is snapshotted) - skip it
			} else {
				// Entry doesn't exist - append this and all remaining entries
				if err := n.log.Append(req.Entries[i:]); err != nil {
					return transporthttp.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
				}
				break
			}
		}
	}

	// Update commitIndex
	lastIdx, _ := n.log.LastIndex()
	newCommit := req.LeaderCommit
	if lastIdx < newCommit {
		newCommit = lastIdx
	}
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
	}

	n.signalApplierLocked()

	return transporthttp.AppendEntriesResponse{Term: n.currentTerm, Success: true}, nil
}

// HandleRequestVote handles an incoming RequestVote RPC.
func (n *Node) HandleRequestVote(ctx context.Context, req transporthttp.RequestVoteRequest) (transporthttp.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	// Reject when the terms don't line up: ours is higher, or the
	// candidate's term could not be made durable.
	if req.Term != n.currentTerm {
		return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	// Check if we can vote for this candidate
	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	// Check candidate log is at least as up-to-date
	lastIdx, _ := n.log.LastIndex()
	lastTerm, _ := n.log.TermAt(lastIdx)

	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)

	if canVote && logOK {
		// a vote that is not durable must not be granted
		if err := n.stable.SetVotedFor(req.CandidateID); err != nil {
			n.logger.Printf("node %s: persist vote for %s: %v", n.cfg.ID, req.CandidateID, err)
			return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
		}
		n.votedFor = req.CandidateID
		n.resetElectionTimer()
		return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
	}

	return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
}

func (n *Node) signalApplierLocked() {
	select {
	case n.applierCh <- struct{}{}:
	default:
	}
}

func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applierCh:
			n.applyCommitted()
		}
	}
}

// applyCommitted applies everything between lastApplied and
// commitIndex, in order, then considers compaction. It is the only
// place entries reach the state machine or the cluster configuration.
func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			n.maybeSnapshot()
			return
		}
		lo := n.lastApplied + 1
		hi := n.commitIndex
		n.mu.Unlock()

		entries, err := n.log.ReadRange(lo, hi)
		if err != nil {
			n.logger.Printf("node %s: read committed entries [%d, %d]: %v", n.cfg.ID, lo, hi, err)
			return
		}

		for _, e := range entries {
			n.mu.Lock()
			if e.Index != n.lastApplied+1 {
				// a snapshot install moved us past this batch
				n.mu.Unlock()
				break
			}
			var result types.ApplyResult
			switch e.Type {
			case storage.EntryConfig:
				result = n.applyConfigChangeLocked(e)
			case storage.EntryNoop:
				result = types.ApplyResult{Ok: true}
			default:
				result = n.sm.Apply(e.Cmd)
			}
			n.lastApplied = e.Index
			n.notifyApplyWaitersLocked()
			n.mu.Unlock()

			n.respondPending(e.Index, result)
		}
	}
}

// applyConfigChangeLocked activates a committed membership change.
func (n *Node) applyConfigChangeLocked(e storage.LogEntry) types.ApplyResult {
	cc := e.Config
	if cc == nil {
		return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "empty config change"}
	}

	switch cc.Type {
	case types.ConfigAddNode:
		if !n.config.Contains(cc.NodeID) {
			n.config.Members[cc.NodeID] = cc.Addr
			if n.cfg.PeerUpdater != nil && cc.NodeID != n.cfg.ID {
				n.cfg.PeerUpdater.Add(cc.NodeID, cc.Addr)
			}
			if n.role == RoleLeader && cc.NodeID != n.cfg.ID {
				lastIdx, _ := n.log.LastIndex()
				n.nextIndex[cc.NodeID] = lastIdx + 1
				n.matchIndex[cc.NodeID] = 0
				n.startReplicatorLocked(cc.NodeID)
			}
			n.logger.Printf("node %s: added member %s (%s)", n.cfg.ID, cc.NodeID, cc.Addr)
		}

	case types.ConfigRemoveNode:
		if n.config.Contains(cc.NodeID) {
			delete(n.config.Members, cc.NodeID)
			delete(n.nextIndex, cc.NodeID)
			delete(n.matchIndex, cc.NodeID)
			if n.cfg.PeerUpdater != nil && cc.NodeID != n.cfg.ID {
				n.cfg.PeerUpdater.Remove(cc.NodeID)
			}
			if r, ok := n.replicators[cc.NodeID]; ok {
				close(r.stop)
				delete(n.replicators, cc.NodeID)
			}
			n.logger.Printf("node %s: removed member %s", n.cfg.ID, cc.NodeID)
			if cc.NodeID == n.cfg.ID && n.role == RoleLeader {
				// answer the proposer before abandoning leadership,
				// otherwise the step-down cancels its proposal
				if e.Index == n.pendingConfigIndex {
					n.pendingConfigIndex = 0
				}
				n.respondPending(e.Index, types.ApplyResult{Ok: true})
				n.becomeFollowerLocked()
				return types.ApplyResult{Ok: true}
			}
		}
	}

	if e.Index == n.pendingConfigIndex {
		n.pendingConfigIndex = 0
	}
	return types.ApplyResult{Ok: true}
}

func (n *Node) notifyApplyWaitersLocked() {
	kept := n.applyWaiters[:0]
	for _, w := range n.applyWaiters {
		if w.index <= n.lastApplied {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	n.applyWaiters = kept
}

// RaftHTTPHandler returns the Raft RPC HTTP handler for this node.
func (n *Node) RaftHTTPHandler() *transporthttp.RaftHTTPServer {
	return transporthttp.NewRaftHTTPServer(n)
}

package distributedkv

import (
	"context"
	"sync"

	"github.com/replkv/replkv/internal/kvsm"
	"github.com/replkv/replkv/internal/types"
)

// RaftNodeIface is the subset of raft.Node that DistributedKV needs.
type RaftNodeIface interface {
	Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error)
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
	GetReadIndex(ctx context.Context) (uint64, error)
	WaitApplied(ctx context.Context, index uint64) error
	AddNode(ctx context.Context, id types.NodeID, addr string) error
	RemoveNode(ctx context.Context, id types.NodeID) error
	ClusterConfig() types.ClusterConfig
	ForceSnapshot()
}

// Config configures the DistributedKV layer.
type Config struct {
	ReadPolicy types.ReadPolicy
}

// DistributedKV wraps Raft + KVSM into a single API for the HTTP layer.
type DistributedKV struct {
	node RaftNodeIface
	sm   *kvsm.KVStateMachine

	mu  sync.RWMutex // guards cfg; the policy can change at runtime
	cfg Config
}

// New creates a new DistributedKV.
func New(node RaftNodeIface, sm *kvsm.KVStateMachine, cfg Config) *DistributedKV {
	return &DistributedKV{node: node, sm: sm, cfg: cfg}
}

func (d *DistributedKV) IsLeader() bool {
	return d.node.IsLeader()
}

func (d *DistributedKV) LeaderHint() types.LeaderHint {
	return d.node.LeaderHint()
}

func (d *DistributedKV) Status() types.NodeStatus {
	return d.node.Status()
}

func (d *DistributedKV) All() map[string]string {
	return d.sm.All()
}

// --- Reads ---

// Get retrieves a value. Behavior depends on ReadPolicy:
// - ReadPolicyStale: returns immediately from the local state machine (may be stale)
// - ReadPolicyReadIndex: confirms leadership and waits for the read index to apply
func (d *DistributedKV) Get(ctx context.Context, key string) (string, bool, error) {
	if d.GetReadPolicy() == types.ReadPolicyReadIndex {
		if err := d.waitForReadIndex(ctx); err != nil {
			return "", false, err
		}
	}
	val, ok := d.sm.Get(key)
	return val, ok, nil
}

// MGet retrieves multiple values. Behavior depends on ReadPolicy.
func (d *DistributedKV) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if d.GetReadPolicy() == types.ReadPolicyReadIndex {
		if err := d.waitForReadIndex(ctx); err != nil {
			return nil, err
		}
	}
	return d.sm.MGet(keys), nil
}

// GetStale always reads from the local state machine (ignores ReadPolicy).
func (d *DistributedKV) GetStale(key string) (string, bool) {
	return d.sm.Get(key)
}

// MGetStale always reads from the local state machine (ignores ReadPolicy).
func (d *DistributedKV) MGetStale(keys []string) map[string]string {
	return d.sm.MGet(keys)
}

// waitForReadIndex gets the read index from the leader and waits for it to apply.
func (d *DistributedKV) waitForReadIndex(ctx context.Context) error {
	readIndex, err := d.node.GetReadIndex(ctx)
	if err != nil {
		return err
	}
	return d.node.WaitApplied(ctx, readIndex)
}

// SetReadPolicy changes the read policy at runtime.
func (d *DistributedKV) SetReadPolicy(policy types.ReadPolicy) {
	d.mu.Lock()
	d.cfg.ReadPolicy = policy
	d.mu.Unlock()
}

// GetReadPolicy returns the current read policy.
func (d *DistributedKV) GetReadPolicy() types.ReadPolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.ReadPolicy
}

// --- Writes (sync, through Raft) ---

func (d *DistributedKV) Put(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpPut
	return d.node.Propose(ctx, cmd)
}

func (d *DistributedKV) Delete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpDelete
	return d.node.Propose(ctx, cmd)
}

func (d *DistributedKV) CAS(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpCAS
	return d.node.Propose(ctx, cmd)
}

func (d *DistributedKV) MPut(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchPut
	return d.node.Propose(ctx, cmd)
}

func (d *DistributedKV) MDelete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchDelete
	return d.node.Propose(ctx, cmd)
}

// --- Cluster administration ---

func (d *DistributedKV) AddNode(ctx context.Context, id types.NodeID, addr string) error {
	return d.node.AddNode(ctx, id, addr)
}

func (d *DistributedKV) RemoveNode(ctx context.Context, id types.NodeID) error {
	return d.node.RemoveNode(ctx, id)
}

func (d *DistributedKV) ClusterConfig() types.ClusterConfig {
	return d.node.ClusterConfig()
}

func (d *DistributedKV) ForceSnapshot() {
	d.node.ForceSnapshot()
}

package distributedkv

import (
	"context"
	"sync"
	"testing"

	"github.com/replkv/replkv/internal/kvsm"
	"github.com/replkv/replkv/internal/types"
)

// fakeNode applies proposals straight to the state machine and records
// which calls were made.
type fakeNode struct {
	sm        *kvsm.KVStateMachine
	leader    bool
	hint      types.LeaderHint
	readIndex uint64

	proposed       []types.Command
	readIndexCalls int
	waitCalls      []uint64
	proposeErr     error
	readIndexErr   error

	addedID   types.NodeID
	addedAddr string
	removedID types.NodeID
	forced    bool
}

func (f *fakeNode) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	if f.proposeErr != nil {
		return types.ApplyResult{}, f.proposeErr
	}
	f.proposed = append(f.proposed, cmd)
	return f.sm.Apply(cmd), nil
}

func (f *fakeNode) IsLeader() bool               { return f.leader }
func (f *fakeNode) LeaderHint() types.LeaderHint { return f.hint }
func (f *fakeNode) Status() types.NodeStatus     { return types.NodeStatus{ID: "n1", Role: "leader"} }
func (f *fakeNode) ClusterConfig() types.ClusterConfig {
	return types.ClusterConfig{Members: map[types.NodeID]string{"n1": "a1"}}
}
func (f *fakeNode) ForceSnapshot() { f.forced = true }

func (f *fakeNode) GetReadIndex(ctx context.Context) (uint64, error) {
	f.readIndexCalls++
	if f.readIndexErr != nil {
		return 0, f.readIndexErr
	}
	return f.readIndex, nil
}

func (f *fakeNode) WaitApplied(ctx context.Context, index uint64) error {
	f.waitCalls = append(f.waitCalls, index)
	return nil
}

func (f *fakeNode) AddNode(ctx context.Context, id types.NodeID, addr string) error {
	f.addedID, f.addedAddr = id, addr
	return nil
}

func (f *fakeNode) RemoveNode(ctx context.Context, id types.NodeID) error {
	f.removedID = id
	return nil
}

func newFake() (*fakeNode, *kvsm.KVStateMachine) {
	sm := kvsm.New()
	return &fakeNode{sm: sm, leader: true, readIndex: 3}, sm
}

func TestStaleReadSkipsBarrier(t *testing.T) {
	node, sm := newFake()
	d := New(node, sm, Config{ReadPolicy: types.ReadPolicyStale})

	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "v"})

	v, ok, err := d.Get(context.Background(), "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}
	if node.readIndexCalls != 0 {
		t.Fatalf("stale read took the barrier: %d calls", node.readIndexCalls)
	}
}

func TestReadIndexReadTakesBarrier(t *testing.T) {
	node, sm := newFake()
	d := New(node, sm, Config{ReadPolicy: types.ReadPolicyReadIndex})

	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "v"})

	v, ok, err := d.Get(context.Background(), "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}
	if node.readIndexCalls != 1 {
		t.Fatalf("expected 1 barrier round, got %d", node.readIndexCalls)
	}
	if len(node.waitCalls) != 1 || node.waitCalls[0] != 3 {
		t.Fatalf("expected wait through index 3, got %v", node.waitCalls)
	}
}

func TestReadIndexErrorPropagates(t *testing.T) {
	node, sm := newFake()
	node.readIndexErr = context.DeadlineExceeded
	d := New(node, sm, Config{ReadPolicy: types.ReadPolicyReadIndex})

	if _, _, err := d.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected barrier error to propagate")
	}
	if _, err := d.MGet(context.Background(), []string{"k"}); err == nil {
		t.Fatal("expected barrier error to propagate for mget")
	}
}

func TestGetStaleIgnoresPolicy(t *testing.T) {
	node, sm := newFake()
	d := New(node, sm, Config{ReadPolicy: types.ReadPolicyReadIndex})

	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "v"})
	if v, ok := d.GetStale("k"); !ok || v != "v" {
		t.Fatalf("get stale: %q ok=%v", v, ok)
	}
	if node.readIndexCalls != 0 {
		t.Fatal("GetStale took the barrier")
	}

	got := d.MGetStale([]string{"k"})
	if got["k"] != "v" {
		t.Fatalf("mget stale: %v", got)
	}
}

func TestWritesSetOperation(t *testing.T) {
	node, sm := newFake()
	d := New(node, sm, Config{})
	ctx := context.Background()

	d.Put(ctx, types.Command{Key: "k", Value: "v"})
	d.Delete(ctx, types.Command{Key: "k"})
	d.CAS(ctx, types.Command{Key: "k", Expected: "", Value: "v"})
	d.MPut(ctx, types.Command{Entries: []types.Entry{{Key: "a", Value: "1"}}})
	d.MDelete(ctx, types.Command{Keys: []string{"a"}})

	want := []types.OpType{types.OpPut, types.OpDelete, types.OpCAS, types.OpBatchPut, types.OpBatchDelete}
	if len(node.proposed) != len(want) {
		t.Fatalf("expected %d proposals, got %d", len(want), len(node.proposed))
	}
	for i, op := range want {
		if node.proposed[i].Op != op {
			t.Fatalf("proposal %d: expected op %v, got %v", i, op, node.proposed[i].Op)
		}
	}
}

func TestReadPolicyToggle(t *testing.T) {
	node, sm := newFake()
	d := New(node, sm, Config{ReadPolicy: types.ReadPolicyStale})

	if d.GetReadPolicy() != types.ReadPolicyStale {
		t.Fatalf("unexpected initial policy: %v", d.GetReadPolicy())
	}
	d.SetReadPolicy(types.ReadPolicyReadIndex)
	if d.GetReadPolicy() != types.ReadPolicyReadIndex {
		t.Fatalf("policy not updated: %v", d.GetReadPolicy())
	}

	d.Get(context.Background(), "k")
	if node.readIndexCalls != 1 {
		t.Fatal("updated policy not in effect")
	}
}

func TestMembershipPassthrough(t *testing.T) {
	node, sm := newFake()
	d := New(node, sm, Config{})
	ctx := context.Background()

	if err := d.AddNode(ctx, "n2", "a2"); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if node.addedID != "n2" || node.addedAddr != "a2" {
		t.Fatalf("add not forwarded: %s %s", node.addedID, node.addedAddr)
	}

	if err := d.RemoveNode(ctx, "n2"); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if node.removedID != "n2" {
		t.Fatalf("remove not forwarded: %s", node.removedID)
	}

	if cfg := d.ClusterConfig(); !cfg.Contains("n1") {
		t.Fatalf("config passthrough: %v", cfg)
	}

	d.ForceSnapshot()
	if !node.forced {
		t.Fatal("force snapshot not forwarded")
	}
}

func TestReadPolicyConcurrentToggle(t *testing.T) {
	node, sm := newFake()
	node.leader = true
	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "v"})
	d := New(node, sm, Config{ReadPolicy: types.ReadPolicyStale})

	// Policy flips while reads are in flight; the race detector keeps
	// this honest.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d.SetReadPolicy(types.ReadPolicy(i % 2))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, _, err := d.Get(context.Background(), "k"); err != nil {
				t.Errorf("get: %v", err)
				return
			}
			_ = d.GetReadPolicy()
		}
	}()
	wg.Wait()
}

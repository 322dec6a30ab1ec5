package transportmem

import (
	"context"
	"testing"
	"time"

	"github.com/replkv/replkv/internal/raft/transporthttp"
	"github.com/replkv/replkv/internal/types"
)

// echoHandler answers every RPC with its own term.
type echoHandler struct {
	term  uint64
	calls int
}

func (h *echoHandler) HandleRequestVote(ctx context.Context, req transporthttp.RequestVoteRequest) (transporthttp.RequestVoteResponse, error) {
	h.calls++
	return transporthttp.RequestVoteResponse{Term: h.term, VoteGranted: true}, nil
}

func (h *echoHandler) HandleAppendEntries(ctx context.Context, req transporthttp.AppendEntriesRequest) (transporthttp.AppendEntriesResponse, error) {
	h.calls++
	return transporthttp.AppendEntriesResponse{Term: h.term, Success: true}, nil
}

func (h *echoHandler) HandleInstallSnapshot(ctx context.Context, req transporthttp.InstallSnapshotRequest) (transporthttp.InstallSnapshotResponse, error) {
	h.calls++
	return transporthttp.InstallSnapshotResponse{Term: h.term, Success: true}, nil
}

func TestDelivery(t *testing.T) {
	net := NewNetwork(1)
	h := &echoHandler{term: 2}
	net.Join("n2", h)
	tp := net.Transport("n1")

	resp, err := tp.AppendEntries(context.Background(), "n2", transporthttp.AppendEntriesRequest{Term: 2})
	if err != nil {
		t.Fatalf("append entries: %v", err)
	}
	if !resp.Success || resp.Term != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if h.calls != 1 {
		t.Fatalf("expected 1 call, got %d", h.calls)
	}
}

func TestUnregisteredNodeUnreachable(t *testing.T) {
	net := NewNetwork(1)
	tp := net.Transport("n1")
	if _, err := tp.RequestVote(context.Background(), "n2", transporthttp.RequestVoteRequest{Term: 1}); err == nil {
		t.Fatal("expected error sending to unregistered node")
	}
}

func TestPartitionAndHeal(t *testing.T) {
	net := NewNetwork(1)
	net.Join("n1", &echoHandler{term: 1})
	net.Join("n2", &echoHandler{term: 1})
	net.Join("n3", &echoHandler{term: 1})

	net.Partition([]types.NodeID{"n1"}, []types.NodeID{"n2", "n3"})

	tp1 := net.Transport("n1")
	if _, err := tp1.AppendEntries(context.Background(), "n2", transporthttp.AppendEntriesRequest{}); err == nil {
		t.Fatal("expected cross-partition delivery to fail")
	}

	// Same-group delivery still works.
	tp2 := net.Transport("n2")
	if _, err := tp2.AppendEntries(context.Background(), "n3", transporthttp.AppendEntriesRequest{}); err != nil {
		t.Fatalf("same-group delivery failed: %v", err)
	}

	net.Heal()
	if _, err := tp1.AppendEntries(context.Background(), "n2", transporthttp.AppendEntriesRequest{}); err != nil {
		t.Fatalf("delivery after heal failed: %v", err)
	}
}

func TestLeave(t *testing.T) {
	net := NewNetwork(1)
	net.Join("n2", &echoHandler{term: 1})
	tp := net.Transport("n1")

	if _, err := tp.InstallSnapshot(context.Background(), "n2", transporthttp.InstallSnapshotRequest{}); err != nil {
		t.Fatalf("delivery before leave failed: %v", err)
	}
	net.Leave("n2")
	if _, err := tp.InstallSnapshot(context.Background(), "n2", transporthttp.InstallSnapshotRequest{}); err == nil {
		t.Fatal("expected delivery to fail after leave")
	}
}

func TestDropRate(t *testing.T) {
	net := NewNetwork(42)
	h := &echoHandler{term: 1}
	net.Join("n2", h)
	tp := net.Transport("n1")

	net.SetDropRate(1.0)
	if _, err := tp.AppendEntries(context.Background(), "n2", transporthttp.AppendEntriesRequest{}); err == nil {
		t.Fatal("expected drop with rate 1.0")
	}
	if h.calls != 0 {
		t.Fatalf("dropped message reached handler: %d calls", h.calls)
	}

	net.SetDropRate(0)
	if _, err := tp.AppendEntries(context.Background(), "n2", transporthttp.AppendEntriesRequest{}); err != nil {
		t.Fatalf("delivery with rate 0 failed: %v", err)
	}
}

func TestDelayRespectsContext(t *testing.T) {
	net := NewNetwork(1)
	net.Join("n2", &echoHandler{term: 1})
	tp := net.Transport("n1")
	net.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tp.AppendEntries(ctx, "n2", transporthttp.AppendEntriesRequest{})
	if err == nil {
		t.Fatal("expected context deadline to cancel delayed delivery")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("delivery waited past the context deadline")
	}
}

package transporthttp

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/replkv/replkv/internal/raft/storage"
	"github.com/replkv/replkv/internal/types"
)

// fakeHandler records the last request and returns canned responses.
type fakeHandler struct {
	voteReq    RequestVoteRequest
	appendReq  AppendEntriesRequest
	installReq InstallSnapshotRequest

	voteResp    RequestVoteResponse
	appendResp  AppendEntriesResponse
	installResp InstallSnapshotResponse
}

func (h *fakeHandler) HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	h.voteReq = req
	return h.voteResp, nil
}

func (h *fakeHandler) HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	h.appendReq = req
	return h.appendResp, nil
}

func (h *fakeHandler) HandleInstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	h.installReq = req
	return h.installResp, nil
}

func newTestTransport(t *testing.T, h RaftRPCHandler) (*HTTPTransport, *PeerResolver) {
	t.Helper()
	srv := httptest.NewServer(NewRaftHTTPServer(h).Handler())
	t.Cleanup(srv.Close)
	resolver := NewPeerResolver(map[types.NodeID]string{"peer": srv.URL})
	return NewHTTPTransport(resolver), resolver
}

func TestRequestVoteRoundTrip(t *testing.T) {
	h := &fakeHandler{voteResp: RequestVoteResponse{Term: 5, VoteGranted: true}}
	tp, _ := newTestTransport(t, h)

	resp, err := tp.RequestVote(context.Background(), "peer", RequestVoteRequest{
		Term:         5,
		CandidateID:  "n1",
		LastLogIndex: 10,
		LastLogTerm:  4,
	})
	if err != nil {
		t.Fatalf("request vote: %v", err)
	}
	if !resp.VoteGranted || resp.Term != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if h.voteReq.CandidateID != "n1" || h.voteReq.LastLogIndex != 10 {
		t.Fatalf("request mangled in transit: %+v", h.voteReq)
	}
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	h := &fakeHandler{appendResp: AppendEntriesResponse{Term: 3, Success: false, ConflictIndex: 7, ConflictTerm: 2}}
	tp, _ := newTestTransport(t, h)

	entries := []storage.LogEntry{
		{Index: 8, Term: 3, Type: storage.EntryCommand, Cmd: types.Command{Op: types.OpPut, Key: "k", Value: "v"}},
		{Index: 9, Term: 3, Type: storage.EntryNoop},
	}
	resp, err := tp.AppendEntries(context.Background(), "peer", AppendEntriesRequest{
		Term:         3,
		LeaderID:     "n1",
		LeaderAddr:   "http://leader",
		PrevLogIndex: 7,
		PrevLogTerm:  2,
		Entries:      entries,
		LeaderCommit: 6,
	})
	if err != nil {
		t.Fatalf("append entries: %v", err)
	}
	if resp.Success || resp.ConflictIndex != 7 || resp.ConflictTerm != 2 {
		t.Fatalf("conflict hints lost: %+v", resp)
	}
	if len(h.appendReq.Entries) != 2 || h.appendReq.Entries[0].Cmd.Key != "k" {
		t.Fatalf("entries mangled in transit: %+v", h.appendReq.Entries)
	}
	if h.appendReq.LeaderCommit != 6 {
		t.Fatalf("leader commit lost: %+v", h.appendReq)
	}
}

func TestInstallSnapshotRoundTrip(t *testing.T) {
	h := &fakeHandler{installResp: InstallSnapshotResponse{Term: 4, Success: true}}
	tp, _ := newTestTransport(t, h)

	resp, err := tp.InstallSnapshot(context.Background(), "peer", InstallSnapshotRequest{
		Term:              4,
		LeaderID:          "n1",
		LastIncludedIndex: 100,
		LastIncludedTerm:  4,
		Config:            types.ClusterConfig{Members: map[types.NodeID]string{"n1": "a1", "n2": "a2"}},
		Data:              []byte(`{"kv":{"a":"1"}}`),
	})
	if err != nil {
		t.Fatalf("install snapshot: %v", err)
	}
	if !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if h.installReq.LastIncludedIndex != 100 || string(h.installReq.Data) != `{"kv":{"a":"1"}}` {
		t.Fatalf("snapshot mangled in transit: %+v", h.installReq)
	}
	if len(h.installReq.Config.Members) != 2 {
		t.Fatalf("config lost: %+v", h.installReq.Config)
	}
}

func TestUnknownPeer(t *testing.T) {
	tp, _ := newTestTransport(t, &fakeHandler{})
	_, err := tp.RequestVote(context.Background(), "ghost", RequestVoteRequest{Term: 1})
	if err == nil || !strings.Contains(err.Error(), "unknown peer") {
		t.Fatalf("expected unknown peer error, got %v", err)
	}
}

func TestPeerResolverAddRemove(t *testing.T) {
	r := NewPeerResolver(map[types.NodeID]string{"n1": "a1"})

	if addr, err := r.Resolve("n1"); err != nil || addr != "a1" {
		t.Fatalf("resolve n1: %q %v", addr, err)
	}

	r.Add("n2", "a2")
	if addr, err := r.Resolve("n2"); err != nil || addr != "a2" {
		t.Fatalf("resolve n2 after add: %q %v", addr, err)
	}

	r.Remove("n1")
	if _, err := r.Resolve("n1"); err == nil {
		t.Fatal("expected error resolving removed peer")
	}
}

func TestBadJSONReturns400(t *testing.T) {
	srv := httptest.NewServer(NewRaftHTTPServer(&fakeHandler{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/raft/request_vote", "application/json", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resolver := NewPeerResolver(map[types.NodeID]string{"peer": srv.URL})
	tp := NewHTTPTransport(resolver)
	_, err := tp.AppendEntries(context.Background(), "peer", AppendEntriesRequest{Term: 1})
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/replkv/replkv/internal/distributedkv"
	"github.com/replkv/replkv/internal/kvsm"
	"github.com/replkv/replkv/internal/raft"
	"github.com/replkv/replkv/internal/types"
)

// fakeNode backs the API with a local state machine so handler behavior
// can be tested without a cluster.
type fakeNode struct {
	sm     *kvsm.KVStateMachine
	leader bool
	hint   types.LeaderHint

	proposeErr    error
	membershipErr error
}

func (f *fakeNode) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	if f.proposeErr != nil {
		return types.ApplyResult{}, f.proposeErr
	}
	return f.sm.Apply(cmd), nil
}

func (f *fakeNode) IsLeader() bool               { return f.leader }
func (f *fakeNode) LeaderHint() types.LeaderHint { return f.hint }
func (f *fakeNode) Status() types.NodeStatus {
	return types.NodeStatus{ID: "n1", Role: "leader", Term: 2, CommitIndex: 9}
}
func (f *fakeNode) GetReadIndex(ctx context.Context) (uint64, error)  { return 0, nil }
func (f *fakeNode) WaitApplied(ctx context.Context, idx uint64) error { return nil }
func (f *fakeNode) ClusterConfig() types.ClusterConfig {
	return types.ClusterConfig{Members: map[types.NodeID]string{"n1": "http://a1", "n2": "http://a2"}}
}
func (f *fakeNode) ForceSnapshot() {}

func (f *fakeNode) AddNode(ctx context.Context, id types.NodeID, addr string) error {
	return f.membershipErr
}

func (f *fakeNode) RemoveNode(ctx context.Context, id types.NodeID) error {
	return f.membershipErr
}

func newTestServer(t *testing.T, node *fakeNode) *httptest.Server {
	t.Helper()
	dkv := distributedkv.New(node, node.sm, distributedkv.Config{ReadPolicy: types.ReadPolicyStale})
	srv := httptest.NewServer(New(dkv).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func leaderNode() *fakeNode {
	return &fakeNode{
		sm:     kvsm.New(),
		leader: true,
		hint:   types.LeaderHint{LeaderID: "n1", LeaderAddr: "http://a1"},
	}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, leaderNode())
	resp, out := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, out)
	}
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, leaderNode())
	resp, out := doJSON(t, http.MethodGet, srv.URL+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	if out["role"] != "leader" || out["id"] != "n1" {
		t.Fatalf("unexpected status: %v", out)
	}
}

func TestPutThenGet(t *testing.T) {
	srv := newTestServer(t, leaderNode())

	resp, out := doJSON(t, http.MethodPut, srv.URL+"/kv/color", map[string]any{"value": "blue"})
	if resp.StatusCode != http.StatusOK || out["ok"] != true {
		t.Fatalf("put: %d %v", resp.StatusCode, out)
	}

	resp, out = doJSON(t, http.MethodGet, srv.URL+"/kv/color", nil)
	if resp.StatusCode != http.StatusOK || out["value"] != "blue" {
		t.Fatalf("get: %d %v", resp.StatusCode, out)
	}
}

func TestGetMissingKey(t *testing.T) {
	srv := newTestServer(t, leaderNode())
	resp, out := doJSON(t, http.MethodGet, srv.URL+"/kv/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%v)", resp.StatusCode, out)
	}
	if out["err_code"] != "not_found" {
		t.Fatalf("unexpected error body: %v", out)
	}
}

func TestWriteOnFollowerRedirects(t *testing.T) {
	node := leaderNode()
	node.leader = false
	node.hint = types.LeaderHint{LeaderID: "n2", LeaderAddr: "http://a2"}
	srv := newTestServer(t, node)

	resp, out := doJSON(t, http.MethodPut, srv.URL+"/kv/k", map[string]any{"value": "v"})
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	hint, ok := out["leader_hint"].(map[string]any)
	if !ok || hint["leader_addr"] != "http://a2" {
		t.Fatalf("missing leader hint: %v", out)
	}
}

func TestLeadershipLostDuringProposal(t *testing.T) {
	node := leaderNode()
	node.proposeErr = raft.ErrNotLeader
	srv := newTestServer(t, node)

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/kv/k", map[string]any{"value": "v"})
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307 when leadership is lost mid-flight, got %d", resp.StatusCode)
	}
}

func TestCASConflict(t *testing.T) {
	srv := newTestServer(t, leaderNode())

	doJSON(t, http.MethodPut, srv.URL+"/kv/k", map[string]any{"value": "v1"})

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/kv/k/cas", map[string]any{"expected": "wrong", "value": "v2"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%v)", resp.StatusCode, out)
	}
	if out["err_code"] != "cas_failed" {
		t.Fatalf("unexpected body: %v", out)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/kv/k/cas", map[string]any{"expected": "v1", "value": "v2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for matching cas, got %d", resp.StatusCode)
	}
}

func TestBatchEndpoints(t *testing.T) {
	srv := newTestServer(t, leaderNode())

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/kv/mput", map[string]any{
		"entries": []map[string]string{{"key": "a", "value": "1"}, {"key": "b", "value": "2"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mput: %d", resp.StatusCode)
	}

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/kv/mget", map[string]any{"keys": []string{"a", "b", "c"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mget: %d", resp.StatusCode)
	}
	values, _ := out["values"].(map[string]any)
	if len(values) != 2 || values["a"] != "1" {
		t.Fatalf("mget values: %v", out)
	}

	resp, out = doJSON(t, http.MethodPost, srv.URL+"/kv/mdelete", map[string]any{"keys": []string{"a", "missing"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mdelete: %d", resp.StatusCode)
	}
	if out["deleted"] != float64(1) {
		t.Fatalf("mdelete deleted count: %v", out)
	}

	// Empty key list is rejected before proposing.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/kv/mget", map[string]any{"keys": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty mget: %d", resp.StatusCode)
	}
}

func TestClusterConfig(t *testing.T) {
	srv := newTestServer(t, leaderNode())
	resp, out := doJSON(t, http.MethodGet, srv.URL+"/cluster/config", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config: %d", resp.StatusCode)
	}
	members, _ := out["members"].(map[string]any)
	if len(members) != 2 || members["n1"] != "http://a1" {
		t.Fatalf("unexpected members: %v", out)
	}
}

func TestAddNodeConflict(t *testing.T) {
	node := leaderNode()
	node.membershipErr = raft.ErrConfigChangeInFlight
	srv := newTestServer(t, node)

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/cluster/add", map[string]any{"id": "n3", "addr": "http://a3"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%v)", resp.StatusCode, out)
	}
	if out["err_code"] != "config_change_in_flight" {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestRemoveUnknownNode(t *testing.T) {
	node := leaderNode()
	node.membershipErr = raft.ErrNotMember
	srv := newTestServer(t, node)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/cluster/remove", map[string]any{"id": "ghost"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSnapshotAccepted(t *testing.T) {
	srv := newTestServer(t, leaderNode())
	resp, out := doJSON(t, http.MethodPost, srv.URL+"/cluster/snapshot", nil)
	if resp.StatusCode != http.StatusAccepted || out["ok"] != true {
		t.Fatalf("snapshot: %d %v", resp.StatusCode, out)
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	srv := newTestServer(t, leaderNode())
	resp, err := http.Post(srv.URL+"/kv/mput", "application/json", bytes.NewBufferString("{nope"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

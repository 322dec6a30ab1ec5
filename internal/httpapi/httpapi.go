package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/replkv/replkv/internal/distributedkv"
	"github.com/replkv/replkv/internal/raft"
	"github.com/replkv/replkv/internal/types"
)

// Server serves the HTTP API backed by a DistributedKV.
type Server struct {
	dkv *distributedkv.DistributedKV
}

// New creates a new HTTP API server.
func New(dkv *distributedkv.DistributedKV) *Server {
	return &Server{dkv: dkv}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Get("/kv", s.ListKeys)
	r.Get("/kv/{key}", s.GetKey)
	r.Put("/kv/{key}", s.PutKey)
	r.Delete("/kv/{key}", s.DeleteKey)
	r.Post("/kv/{key}/cas", s.CASKey)
	r.Post("/kv/mget", s.MGet)
	r.Post("/kv/mput", s.MPut)
	r.Post("/kv/mdelete", s.MDelete)
	r.Get("/cluster/config", s.ClusterConfig)
	r.Post("/cluster/add", s.AddNode)
	r.Post("/cluster/remove", s.RemoveNode)
	r.Post("/cluster/snapshot", s.Snapshot)
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	status := s.dkv.Status()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	all := s.dkv.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "data": all})
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok, err := s.dkv.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			s.writeLeaderRedirect(w)
			return
		}
		// read barrier failed - timeout or lost quorum
		writeError(w, http.StatusServiceUnavailable, "read_index_failed", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "value": v})
}

func (s *Server) PutKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      key,
		Value:    body.Value,
	}
	res, err := s.dkv.Put(r.Context(), cmd)
	s.writeProposalResult(w, res, err)
}

func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
	}
	_ = decodeJSON(r, &body)
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      key,
	}
	res, err := s.dkv.Delete(r.Context(), cmd)
	s.writeProposalResult(w, res, err)
}

func (s *Server) CASKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Expected string `json:"expected"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      key,
		Expected: body.Expected,
		Value:    body.Value,
	}
	res, err := s.dkv.CAS(r.Context(), cmd)
	if err == nil && !res.Ok && res.ErrCode == "cas_failed" {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	s.writeProposalResult(w, res, err)
}

func (s *Server) MGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if len(body.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "keys is required")
		return
	}
	vals, err := s.dkv.MGet(r.Context(), body.Keys)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			s.writeLeaderRedirect(w)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "read_index_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "values": vals})
}

func (s *Server) MPut(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string        `json:"client_id"`
		Seq      uint64        `json:"seq"`
		Entries  []types.Entry `json:"entries"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Entries:  body.Entries,
	}
	res, err := s.dkv.MPut(r.Context(), cmd)
	s.writeProposalResult(w, res, err)
}

func (s *Server) MDelete(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string   `json:"client_id"`
		Seq      uint64   `json:"seq"`
		Keys     []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Keys:     body.Keys,
	}
	res, err := s.dkv.MDelete(r.Context(), cmd)
	s.writeProposalResult(w, res, err)
}

// --- Cluster administration ---

func (s *Server) ClusterConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.dkv.ClusterConfig()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "members": cfg.Members})
}

func (s *Server) AddNode(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ID   types.NodeID `json:"id"`
		Addr string       `json:"addr"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	s.writeMembershipResult(w, s.dkv.AddNode(r.Context(), body.ID, body.Addr))
}

func (s *Server) RemoveNode(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ID types.NodeID `json:"id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	s.writeMembershipResult(w, s.dkv.RemoveNode(r.Context(), body.ID))
}

func (s *Server) Snapshot(w http.ResponseWriter, r *http.Request) {
	s.dkv.ForceSnapshot()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

func (s *Server) writeMembershipResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	case errors.Is(err, raft.ErrNotLeader):
		s.writeLeaderRedirect(w)
	case errors.Is(err, raft.ErrConfigChangeInFlight):
		writeError(w, http.StatusConflict, "config_change_in_flight", err.Error())
	case errors.Is(err, raft.ErrAlreadyMember), errors.Is(err, raft.ErrNotMember):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// writeProposalResult maps a Propose outcome onto the HTTP response.
func (s *Server) writeProposalResult(w http.ResponseWriter, res types.ApplyResult, err error) {
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			s.writeLeaderRedirect(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !res.Ok {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// redirectIfNotLeader returns 307 with leader hint if this node is not the leader.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter) bool {
	if s.dkv.IsLeader() {
		return false
	}
	s.writeLeaderRedirect(w)
	return true
}

func (s *Server) writeLeaderRedirect(w http.ResponseWriter) {
	hint := s.dkv.LeaderHint()
	writeJSON(w, http.StatusTemporaryRedirect, map[string]interface{}{
		"error":       "not_leader",
		"leader_hint": hint,
	})
}

// --- JSON helpers ---

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ApplyResult{Ok: false, ErrCode: code, ErrMsg: msg})
}

package storage

import (
	"fmt"
	"sync"

	"github.com/replkv/replkv/internal/types"
)

// Log entry types.
const (
	EntryCommand uint8 = iota
	EntryConfig
	EntryNoop
)

// LogEntry is a single entry in the Raft log.
type LogEntry struct {
	Index  uint64              `json:"index"`
	Term   uint64              `json:"term"`
	Type   uint8               `json:"type"`
	Cmd    types.Command       `json:"cmd,omitempty"`
	Config *types.ConfigChange `json:"config,omitempty"`
}

// SnapshotMeta holds metadata about a snapshot. The cluster
// configuration rides along so membership survives compaction.
type SnapshotMeta struct {
	LastIncludedIndex uint64              `json:"last_included_index"`
	LastIncludedTerm  uint64              `json:"last_included_term"`
	Config            types.ClusterConfig `json:"config"`
}

// --- Interfaces ---

// StableStore persists Raft durable state (term, vote). Setters must
// not return before the new value is durable.
type StableStore interface {
	GetCurrentTerm() (uint64, error)
	SetCurrentTerm(uint64) error
	GetVotedFor() (types.NodeID, bool, error)
	SetVotedFor(types.NodeID) error
	ClearVotedFor() error
}

// LogStore persists the Raft log. After compaction the log covers
// (lastIncluded, lastIndex]; FirstIndex returns lastIncluded+1 and
// TermAt(lastIncluded) answers with the snapshot's term.
type LogStore interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	TermAt(index uint64) (uint64, error)
	Append(entries []LogEntry) error
	ReadRange(lo, hi uint64) ([]LogEntry, error)
	// DeleteFrom removes entries at index and beyond (conflict resolution).
	DeleteFrom(index uint64) error
	// TruncatePrefix discards entries up to and including upTo after a
	// snapshot covering them has been persisted.
	TruncatePrefix(upTo, upToTerm uint64) error
	// Reset drops the whole log and restarts it after lastIncluded
	// (snapshot installation).
	Reset(lastIncludedIndex, lastIncludedTerm uint64) error
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	Save(meta SnapshotMeta, data []byte) error
	Load() (meta SnapshotMeta, data []byte, ok bool, err error)
}

// --- Memory implementations ---

// MemStableStore is an in-memory StableStore.
type MemStableStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor types.NodeID
	hasVote  bool
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{}
}

func (s *MemStableStore) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *MemStableStore) GetVotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, s.hasVote, nil
}

func (s *MemStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	s.hasVote = true
	return nil
}

func (s *MemStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = ""
	s.hasVote = false
	return nil
}

// MemLogStore is an in-memory LogStore. offset is the index covered by
// the latest snapshot (0 when none); entries[i] holds index offset+i+1.
type MemLogStore struct {
	mu         sync.Mutex
	offset     uint64
	offsetTerm uint64
	entries    []LogEntry
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{}
}

func (s *MemLogStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset + 1, nil
}

func (s *MemLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset + uint64(len(s.entries)), nil
}

func (s *MemLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termAtLocked(index)
}

func (s *MemLogStore) termAtLocked(index uint64) (uint64, error) {
	if index == s.offset {
		return s.offsetTerm, nil
	}
	last := s.offset + uint64(len(s.entries))
	if index < s.offset || index > last {
		return 0, fmt.Errorf("index %d out of range (%d, %d]", index, s.offset, last)
	}
	return s.entries[index-s.offset-1].Term, nil
}

func (s *MemLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.offset + uint64(len(s.entries))
	if lo <= s.offset || hi > last || lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d], log covers (%d, %d]", lo, hi, s.offset, last)
	}
	result := make([]LogEntry, hi-lo+1)
	copy(result, s.entries[lo-s.offset-1:hi-s.offset])
	return result, nil
}

func (s *MemLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.offset + uint64(len(s.entries))
	if index <= s.offset || index > last {
		return fmt.Errorf("index %d out of range (%d, %d]", index, s.offset, last)
	}
	s.entries = s.entries[:index-s.offset-1]
	return nil
}

func (s *MemLogStore) TruncatePrefix(upTo, upToTerm uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo <= s.offset {
		return nil // already compacted past upTo
	}
	last := s.offset + uint64(len(s.entries))
	if upTo >= last {
		s.entries = nil
	} else {
		kept := make([]LogEntry, last-upTo)
		copy(kept, s.entries[upTo-s.offset:])
		s.entries = kept
	}
	s.offset = upTo
	s.offsetTerm = upToTerm
	return nil
}

func (s *MemLogStore) Reset(lastIncludedIndex, lastIncludedTerm uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = lastIncludedIndex
	s.offsetTerm = lastIncludedTerm
	s.entries = nil
	return nil
}

// MemSnapshotStore is an in-memory SnapshotStore.
type MemSnapshotStore struct {
	mu   sync.Mutex
	meta SnapshotMeta
	data []byte
	ok   bool
}

func NewMemSnapshotStore() *MemSnapshotStore {
	return &MemSnapshotStore{}
}

func (s *MemSnapshotStore) Save(meta SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	s.data = make([]byte, len(data))
	copy(s.data, data)
	s.ok = true
	return nil
}

func (s *MemSnapshotStore) Load() (SnapshotMeta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return SnapshotMeta{}, nil, false, nil
	}
	data := make([]byte, len(s.data))
	copy(data, s.data)
	return s.meta, data, true, nil
}

package storage

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/replkv/replkv/internal/types"
)

const (
	stableFileName = "stable.state"
	walFileName    = "wal.log"
	tmpSuffix      = ".tmp"
)

// stableState is the on-disk form of term and vote. Both are written
// together so a crash can never leave a vote from an older term.
type stableState struct {
	Term     uint64
	VotedFor types.NodeID
	HasVote  bool
}

// FileStableStore persists term and vote in a single file, replaced
// atomically via temp-file-then-rename on every update.
type FileStableStore struct {
	mu    sync.Mutex
	path  string
	state stableState
}

// OpenFileStableStore opens or creates the stable state file under dir.
func OpenFileStableStore(dir string) (*FileStableStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &FileStableStore{path: filepath.Join(dir, stableFileName)}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open stable state: %w", err)
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&s.state); err != nil {
		return nil, fmt.Errorf("decode stable state: %w", err)
	}
	return s, nil
}

func (s *FileStableStore) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Term, nil
}

func (s *FileStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.Term = term
	if err := s.persistLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStableStore) GetVotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.VotedFor, s.state.HasVote, nil
}

func (s *FileStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.VotedFor = id
	s.state.HasVote = true
	if err := s.persistLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.VotedFor = ""
	s.state.HasVote = false
	if err := s.persistLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStableStore) persistLocked() error {
	return writeFileAtomic(s.path, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(s.state)
	})
}

// WAL record operations.
type walOp uint8

const (
	walOpBase walOp = iota + 1 // log restarts after (Index, Term)
	walOpAppend
	walOpDeleteFrom
)

type walRecord struct {
	Op      walOp
	Index   uint64
	Term    uint64
	Entries []LogEntry
}

// FileLogStore is a durable LogStore: an append-only gob record stream
// on disk mirrored in memory for reads. Every mutation is fsynced
// before it is acknowledged. Prefix truncation rewrites the file via a
// temp file and rename.
type FileLogStore struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	enc        *gob.Encoder
	offset     uint64
	offsetTerm uint64
	entries    []LogEntry
}

// OpenFileLogStore opens or creates the write-ahead log under dir and
// replays it. A torn record at the tail (crash mid-write) is dropped
// by rewriting the file from the last consistent state; any earlier
// corruption is an error.
func OpenFileLogStore(dir string) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &FileLogStore{path: filepath.Join(dir, walFileName)}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	torn, err := s.replay(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if torn {
		f.Close()
		if err := s.rewrite(); err != nil {
			return nil, err
		}
		return s, nil
	}

	s.file = f
	s.enc = gob.NewEncoder(f)
	return s, nil
}

// replay rebuilds in-memory state from the record stream. Returns
// torn=true when the stream ends in a partial record.
func (s *FileLogStore) replay(f *os.File) (torn bool, err error) {
	dec := gob.NewDecoder(f)
	for {
		var rec walRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return false, nil
			}
			if err == io.ErrUnexpectedEOF {
				return true, nil
			}
			// gob wraps truncated streams in other errors too; any
			// decode failure after valid records is treated as a torn
			// tail, since records are only ever appended whole.
			return true, nil
		}
		switch rec.Op {
		case walOpBase:
			s.offset = rec.Index
			s.offsetTerm = rec.Term
			s.entries = nil
		case walOpAppend:
			s.entries = append(s.entries, rec.Entries...)
		case walOpDeleteFrom:
			last := s.offset + uint64(len(s.entries))
			if rec.Index <= s.offset || rec.Index > last+1 {
				return false, fmt.Errorf("wal replay: delete_from %d outside (%d, %d]", rec.Index, s.offset, last)
			}
			if rec.Index <= last {
				s.entries = s.entries[:rec.Index-s.offset-1]
			}
		default:
			return false, fmt.Errorf("wal replay: unknown record op %d", rec.Op)
		}
	}
}

// rewrite replaces the on-disk file with a compact image of the
// current in-memory state and reopens it for appending.
func (s *FileLogStore) rewrite() error {
	err := writeFileAtomic(s.path, func(w io.Writer) error {
		enc := gob.NewEncoder(w)
		if err := enc.Encode(walRecord{Op: walOpBase, Index: s.offset, Term: s.offsetTerm}); err != nil {
			return err
		}
		if len(s.entries) > 0 {
			if err := enc.Encode(walRecord{Op: walOpAppend, Entries: s.entries}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}
	s.file = f
	s.enc = gob.NewEncoder(f)
	return nil
}

// appendRecord writes one record and fsyncs before returning.
func (s *FileLogStore) appendRecord(rec walRecord) error {
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("wal sync: %w", err)
	}
	return nil
}

func (s *FileLogStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset + 1, nil
}

func (s *FileLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset + uint64(len(s.entries)), nil
}

func (s *FileLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == s.offset {
		return s.offsetTerm, nil
	}
	last := s.offset + uint64(len(s.entries))
	if index < s.offset || index > last {
		return 0, fmt.Errorf("index %d out of range (%d, %d]", index, s.offset, last)
	}
	return s.entries[index-s.offset-1].Term, nil
}

func (s *FileLogStore) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendRecord(walRecord{Op: walOpAppend, Entries: entries}); err != nil {
		return err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *FileLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
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

func (s *FileLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.offset + uint64(len(s.entries))
	if index <= s.offset || index > last {
		return fmt.Errorf("index %d out of range (%d, %d]", index, s.offset, last)
	}
	if err := s.appendRecord(walRecord{Op: walOpDeleteFrom, Index: index}); err != nil {
		return err
	}
	s.entries = s.entries[:index-s.offset-1]
	return nil
}

func (s *FileLogStore) TruncatePrefix(upTo, upToTerm uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo <= s.offset {
		return nil
	}
	last := s.offset + uint64(len(s.entries))
	var kept []LogEntry
	if upTo < last {
		kept = make([]LogEntry, last-upTo)
		copy(kept, s.entries[upTo-s.offset:])
	}
	prevOffset, prevTerm, prevEntries := s.offset, s.offsetTerm, s.entries
	s.offset = upTo
	s.offsetTerm = upToTerm
	s.entries = kept
	s.file.Close()
	if err := s.rewrite(); err != nil {
		s.offset, s.offsetTerm, s.entries = prevOffset, prevTerm, prevEntries
		return err
	}
	return nil
}

func (s *FileLogStore) Reset(lastIncludedIndex, lastIncludedTerm uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevOffset, prevTerm, prevEntries := s.offset, s.offsetTerm, s.entries
	s.offset = lastIncludedIndex
	s.offsetTerm = lastIncludedTerm
	s.entries = nil
	s.file.Close()
	if err := s.rewrite(); err != nil {
		s.offset, s.offsetTerm, s.entries = prevOffset, prevTerm, prevEntries
		return err
	}
	return nil
}

// Close closes the underlying file.
func (s *FileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// writeFileAtomic writes via a temp file in the same directory, fsyncs
// it, renames it over path, then fsyncs the directory.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

package storage

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const snapshotFileName = "snapshot.snap"

// snapshotFile is the on-disk form of a snapshot.
type snapshotFile struct {
	Meta SnapshotMeta
	Data []byte
}

// FileSnapshotStore keeps the latest snapshot in a single file,
// replaced atomically on Save. A crash during Save leaves the previous
// snapshot intact.
type FileSnapshotStore struct {
	path string
}

// OpenFileSnapshotStore opens or creates the snapshot store under dir.
func OpenFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileSnapshotStore{path: filepath.Join(dir, snapshotFileName)}, nil
}

func (s *FileSnapshotStore) Save(meta SnapshotMeta, data []byte) error {
	return writeFileAtomic(s.path, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(snapshotFile{Meta: meta, Data: data})
	})
}

func (s *FileSnapshotStore) Load() (SnapshotMeta, []byte, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotMeta{}, nil, false, nil
		}
		return SnapshotMeta{}, nil, false, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	var sf snapshotFile
	if err := gob.NewDecoder(f).Decode(&sf); err != nil {
		return SnapshotMeta{}, nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return sf.Meta, sf.Data, true, nil
}

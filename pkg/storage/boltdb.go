package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const snapshotsRetained = 3

// raft persistence for a directory node
// logstore : replicated directory writes
// stablestore : term and vote, survives restarts
// snapshotstore : serialized registration tables
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

func NewBoltDBStorage(dataDir string, logger hclog.Logger) (*BoltDBStorage, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	//one bolt file backs both the log and the stable store
	db, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(dataDir, "raft.db"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(dataDir, "snapshots"), snapshotsRetained, logger.Named("snapshots"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	return &BoltDBStorage{
		LogStore:      db,
		StableStore:   db,
		SnapshotStore: snapshots,
		db:            db,
	}, nil
}

func (b *BoltDBStorage) Close() error {
	return b.db.Close()
}

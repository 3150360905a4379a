package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"portfolio-session-server/internal/model"
)

const snapshotVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Snapshot is the persisted form of the store. Drivers are never part of it.
type Snapshot struct {
	Version  int                   `json:"version"`
	Sessions []model.SessionRecord `json:"sessions"`
	SavedAt  int64                 `json:"savedAt"`
}

// Repository persists snapshots. Load returns an empty snapshot when
// nothing has been saved yet.
type Repository interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) == 0 {
		return Snapshot{Version: snapshotVersion}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.Version != snapshotVersion {
		return Snapshot{}, ErrUnsupportedVersion
	}
	return snap, nil
}

// MemoryRepository keeps the encoded snapshot in memory.
type MemoryRepository struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = data
	r.saves++
	return nil
}

func (r *MemoryRepository) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return decodeSnapshot(r.data)
}

// Saves reports how many snapshots have been written.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *MemoryRepository) Close() error { return nil }

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
	"portfolio-session-server/internal/model"
)

var (
	sessionsBucket = []byte("sessions")
	metaBucket     = []byte("meta")
	savedAtKey     = []byte("savedAt")
)

// BoltRepository stores one key per session in a bbolt bucket. Each Save
// replaces the bucket contents in a single transaction.
type BoltRepository struct {
	db *bbolt.DB
}

func NewBoltRepository(path string) (*BoltRepository, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(sessionsBucket) != nil {
			if err := tx.DeleteBucket(sessionsBucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(sessionsBucket)
		if err != nil {
			return err
		}
		for _, rec := range snap.Sessions {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.ID), data); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return meta.Put(savedAtKey, []byte(strconv.FormatInt(snap.SavedAt, 10)))
	})
}

func (r *BoltRepository) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Version: snapshotVersion}
	err := r.db.View(func(tx *bbolt.Tx) error {
		if meta := tx.Bucket(metaBucket); meta != nil {
			if v := meta.Get(savedAtKey); v != nil {
				snap.SavedAt, _ = strconv.ParseInt(string(v), 10, 64)
			}
		}
		b := tx.Bucket(sessionsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec model.SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			snap.Sessions = append(snap.Sessions, rec)
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (r *BoltRepository) Close() error { return r.db.Close() }

// Package store holds live sessions in memory and persists their durable
// fields through a Repository.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"portfolio-session-server/internal/browser"
	"portfolio-session-server/internal/model"
)

var ErrNoSecret = errors.New("session has no stored secret")

// Entry is one live session. The record and the driver handle are guarded
// by the entry's own mutex; operation ordering is the caller's concern.
type Entry struct {
	id     string
	mu     sync.Mutex
	rec    model.SessionRecord
	secret *memguard.Enclave
	driver browser.Driver
}

func (e *Entry) ID() string { return e.id }

func (e *Entry) Record() model.SessionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

func (e *Entry) State() model.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.State
}

// Update applies fn to the record under the entry lock. The id cannot be
// changed.
func (e *Entry) Update(fn func(rec *model.SessionRecord)) model.SessionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
	e.rec.ID = e.id
	return e.rec
}

func (e *Entry) Driver() browser.Driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driver
}

func (e *Entry) SetDriver(d browser.Driver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.driver = d
}

// TakeDriver detaches and returns the driver, leaving the entry without one.
func (e *Entry) TakeDriver() browser.Driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.driver
	e.driver = nil
	return d
}

// Credentials opens the secret enclave. The returned secret is a plain copy.
func (e *Entry) Credentials() (model.Credentials, error) {
	e.mu.Lock()
	enclave, identifier := e.secret, e.rec.Identifier
	e.mu.Unlock()
	if enclave == nil {
		return model.Credentials{}, ErrNoSecret
	}
	lb, err := enclave.Open()
	if err != nil {
		return model.Credentials{}, fmt.Errorf("open secret: %w", err)
	}
	defer lb.Destroy()
	return model.Credentials{Identifier: identifier, Secret: string(lb.Bytes())}, nil
}

type Options struct {
	Repository Repository
	Sealer     *Sealer
	Logger     *zap.Logger
}

type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	repo   Repository
	sealer *Sealer
	log    *zap.Logger

	persistMu sync.Mutex
	lastHash  [sha256.Size]byte
	hashed    bool
}

func New(opts Options) *Store {
	if opts.Repository == nil {
		opts.Repository = NewMemoryRepository()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[string]*Entry),
		repo:    opts.Repository,
		sealer:  opts.Sealer,
		log:     opts.Logger,
	}
}

// Create registers a new session in the Authenticating state.
func (s *Store) Create(creds model.Credentials, now time.Time) (*Entry, error) {
	if creds.Identifier == "" || creds.Secret == "" {
		return nil, errors.New("identifier and secret are required")
	}
	id := uuid.NewString()
	var sealed []byte
	if s.sealer != nil {
		var err error
		if sealed, err = s.sealer.Seal(id, []byte(creds.Secret)); err != nil {
			return nil, fmt.Errorf("seal secret: %w", err)
		}
	}
	e := &Entry{
		id: id,
		rec: model.SessionRecord{
			ID:             id,
			Identifier:     creds.Identifier,
			SealedSecret:   sealed,
			State:          model.StateAuthenticating,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		secret: memguard.NewEnclave([]byte(creds.Secret)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = e
	return e, nil
}

func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// List returns entries ordered by id.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// persistable reports whether a record belongs in the snapshot. Sessions
// still proving their credentials are left out, and so are pending
// two-factor challenges: the SMS code is bound to the live browser that
// requested it.
func persistable(rec model.SessionRecord) bool {
	switch rec.State {
	case model.StateAuthenticating, model.StateAwaitingTwoFactor, model.StateClosed:
		return false
	}
	return true
}

// Snapshot writes durable fields of every persistable session. It reports
// false without writing when nothing changed since the last write.
func (s *Store) Snapshot(ctx context.Context, now time.Time) (bool, error) {
	// Records are collected under persistMu so a write never replaces a
	// newer view of the store.
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	records := make([]model.SessionRecord, 0)
	for _, e := range s.List() {
		if rec := e.Record(); persistable(rec) {
			records = append(records, rec)
		}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return false, fmt.Errorf("marshal records: %w", err)
	}
	sum := sha256.Sum256(data)
	if s.hashed && sum == s.lastHash {
		return false, nil
	}
	snap := Snapshot{Version: snapshotVersion, Sessions: records, SavedAt: now.UnixMilli()}
	if err := s.repo.Save(ctx, snap); err != nil {
		return false, err
	}
	s.lastHash, s.hashed = sum, true
	return true, nil
}

// LoadSnapshot seeds the store from the repository. Every loaded session
// starts in NeedsRestore without a driver. Records in a state that is never
// written, such as a pending two-factor challenge from an older snapshot, and
// records whose secret cannot be opened are skipped.
func (s *Store) LoadSnapshot(ctx context.Context) (int, error) {
	snap, err := s.repo.Load(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, rec := range snap.Sessions {
		if rec.ID == "" || !persistable(rec) {
			continue
		}
		if _, exists := s.entries[rec.ID]; exists {
			continue
		}
		if s.sealer == nil || len(rec.SealedSecret) == 0 {
			s.log.Warn("snapshot session has no usable secret", zap.String("session_id", rec.ID))
			continue
		}
		plaintext, err := s.sealer.Open(rec.ID, rec.SealedSecret)
		if err != nil {
			s.log.Warn("snapshot session secret rejected", zap.String("session_id", rec.ID), zap.Error(err))
			continue
		}
		rec.State = model.StateNeedsRestore
		rec.TwoFactorDeadline = time.Time{}
		s.entries[rec.ID] = &Entry{id: rec.ID, rec: rec, secret: memguard.NewEnclave(plaintext)}
		loaded++
	}
	return loaded, nil
}

func (s *Store) Close() error {
	return s.repo.Close()
}

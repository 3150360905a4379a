package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"portfolio-session-server/internal/model"
)

func testSealer(t *testing.T, key string) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte(key), []byte("salt"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestStore_CreateGetDelete(t *testing.T) {
	s := New(Options{Sealer: testSealer(t, "k")})
	now := time.Unix(1000, 0)

	e, err := s.Create(model.Credentials{Identifier: "+49123", Secret: "1234"}, now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := e.Record()
	if rec.ID == "" || rec.ID != e.ID() {
		t.Fatalf("unexpected id %q", rec.ID)
	}
	if rec.State != model.StateAuthenticating {
		t.Fatalf("expected authenticating, got %q", rec.State)
	}
	if !rec.LastActivityAt.Equal(now) {
		t.Fatalf("unexpected lastActivityAt %v", rec.LastActivityAt)
	}
	if len(rec.SealedSecret) == 0 {
		t.Fatalf("expected sealed secret")
	}

	got, ok := s.Get(e.ID())
	if !ok || got != e {
		t.Fatalf("expected Get to return the created entry")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}
	if !s.Delete(e.ID()) {
		t.Fatalf("expected delete true")
	}
	if s.Delete(e.ID()) {
		t.Fatalf("expected second delete false")
	}
	if _, ok := s.Get(e.ID()); ok {
		t.Fatalf("expected entry gone")
	}
}

func TestStore_CreateRequiresCredentials(t *testing.T) {
	s := New(Options{})
	if _, err := s.Create(model.Credentials{Identifier: "+49123"}, time.Now()); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestStore_CredentialsAndDriver(t *testing.T) {
	s := New(Options{})
	e, err := s.Create(model.Credentials{Identifier: "+49123", Secret: "1234"}, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	creds, err := e.Credentials()
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Identifier != "+49123" || creds.Secret != "1234" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if e.Driver() != nil {
		t.Fatalf("expected no driver")
	}
	if e.TakeDriver() != nil {
		t.Fatalf("expected TakeDriver nil")
	}
}

func TestStore_UpdateKeepsID(t *testing.T) {
	s := New(Options{})
	e, _ := s.Create(model.Credentials{Identifier: "a", Secret: "b"}, time.Now())
	rec := e.Update(func(r *model.SessionRecord) {
		r.ID = "other"
		r.State = model.StateActive
	})
	if rec.ID != e.ID() {
		t.Fatalf("id changed to %q", rec.ID)
	}
	if e.State() != model.StateActive {
		t.Fatalf("expected active, got %q", e.State())
	}
}

func TestStore_ListSortedByID(t *testing.T) {
	s := New(Options{})
	for i := 0; i < 5; i++ {
		if _, err := s.Create(model.Credentials{Identifier: "a", Secret: "b"}, time.Now()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	list := s.List()
	if len(list) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID() >= list[i].ID() {
			t.Fatalf("entries not sorted")
		}
	}
}

func TestStore_SnapshotSkipsUnchanged(t *testing.T) {
	repo := NewMemoryRepository()
	s := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	ctx := context.Background()
	now := time.Unix(1000, 0)

	e, _ := s.Create(model.Credentials{Identifier: "a", Secret: "b"}, now)
	e.Update(func(r *model.SessionRecord) { r.State = model.StateActive })

	wrote, err := s.Snapshot(ctx, now)
	if err != nil || !wrote {
		t.Fatalf("expected first snapshot written, wrote=%v err=%v", wrote, err)
	}
	wrote, err = s.Snapshot(ctx, now.Add(time.Minute))
	if err != nil || wrote {
		t.Fatalf("expected unchanged snapshot skipped, wrote=%v err=%v", wrote, err)
	}
	e.Update(func(r *model.SessionRecord) { r.LastActivityAt = now.Add(time.Hour) })
	wrote, err = s.Snapshot(ctx, now.Add(time.Hour))
	if err != nil || !wrote {
		t.Fatalf("expected changed snapshot written, wrote=%v err=%v", wrote, err)
	}
	if repo.Saves() != 2 {
		t.Fatalf("expected 2 saves, got %d", repo.Saves())
	}
}

func TestStore_SnapshotExcludesAuthenticating(t *testing.T) {
	repo := NewMemoryRepository()
	s := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	ctx := context.Background()

	_, _ = s.Create(model.Credentials{Identifier: "pending", Secret: "1"}, time.Now())
	active, _ := s.Create(model.Credentials{Identifier: "active", Secret: "2"}, time.Now())
	active.Update(func(r *model.SessionRecord) { r.State = model.StateActive })

	if _, err := s.Snapshot(ctx, time.Now()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].ID != active.ID() {
		t.Fatalf("unexpected snapshot sessions: %+v", snap.Sessions)
	}
}

func TestStore_SnapshotExcludesAwaitingTwoFactor(t *testing.T) {
	repo := NewMemoryRepository()
	s := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	ctx := context.Background()

	e, _ := s.Create(model.Credentials{Identifier: "+49123", Secret: "1234"}, time.Now())
	e.Update(func(r *model.SessionRecord) {
		r.State = model.StateAwaitingTwoFactor
		r.TwoFactorDeadline = time.Now().Add(5 * time.Minute)
	})

	if _, err := s.Snapshot(ctx, time.Now()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Sessions) != 0 {
		t.Fatalf("expected pending two-factor session to stay out of the snapshot, got %+v", snap.Sessions)
	}
}

func TestStore_LoadSnapshotSkipsAwaitingTwoFactor(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s1 := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	e, _ := s1.Create(model.Credentials{Identifier: "+49123", Secret: "1234"}, time.Now())
	e.Update(func(r *model.SessionRecord) {
		r.State = model.StateAwaitingTwoFactor
		r.TwoFactorDeadline = time.Now().Add(5 * time.Minute)
	})
	// Snapshots written before pending challenges were excluded may carry one.
	if err := repo.Save(ctx, Snapshot{Version: snapshotVersion, Sessions: []model.SessionRecord{e.Record()}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	n, err := s2.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if n != 0 || s2.Len() != 0 {
		t.Fatalf("expected pending two-factor session to be dropped, got %d", n)
	}
}

func TestStore_ConcurrentSnapshotsKeepLatest(t *testing.T) {
	repo := NewMemoryRepository()
	s := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	ctx := context.Background()
	base := time.Unix(1000, 0)

	entries := make([]*Entry, 3)
	for i := range entries {
		entries[i], _ = s.Create(model.Credentials{Identifier: "a", Secret: "b"}, base)
		entries[i].Update(func(r *model.SessionRecord) { r.State = model.StateActive })
	}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Second)
			entries[i%len(entries)].Update(func(r *model.SessionRecord) { r.LastActivityAt = at })
			if _, err := s.Snapshot(ctx, at); err != nil {
				t.Errorf("Snapshot: %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Sessions) != len(entries) {
		t.Fatalf("expected %d sessions, got %d", len(entries), len(snap.Sessions))
	}
	for _, saved := range snap.Sessions {
		e, ok := s.Get(saved.ID)
		if !ok {
			t.Fatalf("unexpected session %q in snapshot", saved.ID)
		}
		if want := e.Record().LastActivityAt; !saved.LastActivityAt.Equal(want) {
			t.Fatalf("stale snapshot for %q: saved %v, store has %v", saved.ID, saved.LastActivityAt, want)
		}
	}
}

func TestStore_LoadSnapshotRestoresSessions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s1 := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	e, _ := s1.Create(model.Credentials{Identifier: "+49123", Secret: "1234"}, time.Unix(1000, 0))
	e.Update(func(r *model.SessionRecord) { r.State = model.StateActive })
	if _, err := s1.Snapshot(ctx, time.Unix(1001, 0)); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	s2 := New(Options{Repository: repo, Sealer: testSealer(t, "k")})
	n, err := s2.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 loaded, got %d", n)
	}
	got, ok := s2.Get(e.ID())
	if !ok {
		t.Fatalf("expected restored entry")
	}
	if got.State() != model.StateNeedsRestore {
		t.Fatalf("expected needs_restore, got %q", got.State())
	}
	if got.Driver() != nil {
		t.Fatalf("expected no driver after restore")
	}
	creds, err := got.Credentials()
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Identifier != "+49123" || creds.Secret != "1234" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestStore_LoadSnapshotSkipsWrongKey(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s1 := New(Options{Repository: repo, Sealer: testSealer(t, "k1")})
	e, _ := s1.Create(model.Credentials{Identifier: "a", Secret: "b"}, time.Now())
	e.Update(func(r *model.SessionRecord) { r.State = model.StateActive })
	if _, err := s1.Snapshot(ctx, time.Now()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	s2 := New(Options{Repository: repo, Sealer: testSealer(t, "k2")})
	n, err := s2.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if n != 0 || s2.Len() != 0 {
		t.Fatalf("expected nothing loaded, got %d", n)
	}
}

func TestSealer_BindsSessionID(t *testing.T) {
	s := testSealer(t, "k")
	sealed, err := s.Seal("id-1", []byte("1234"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	plain, err := s.Open("id-1", sealed)
	if err != nil || string(plain) != "1234" {
		t.Fatalf("Open: %q %v", plain, err)
	}
	if _, err := s.Open("id-2", sealed); err == nil {
		t.Fatalf("expected error for different session id")
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open("id-1", sealed); err == nil {
		t.Fatalf("expected error for tampered ciphertext")
	}
	if _, err := s.Open("id-1", []byte{1, 2}); err == nil {
		t.Fatalf("expected error for short input")
	}
}

func TestSealer_EmptyKey(t *testing.T) {
	if _, err := NewSealer(nil, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

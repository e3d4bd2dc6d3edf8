// Package storetest holds behaviour checks shared by every media.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediaflow/internal/media"
)

// Run exercises store against the media.Store contract. newStore must return
// an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) media.Store) {
	t.Helper()
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("ListByOwner", func(t *testing.T) { testListByOwner(t, newStore(t)) })
	t.Run("ListByState", func(t *testing.T) { testListByState(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Asset returns a queued asset uploaded offset after a fixed instant.
func Asset(id media.AssetID, owner media.OwnerID, offset time.Duration) media.Asset {
	return media.Asset{
		ID:             id,
		OwnerID:        owner,
		Title:          "title " + string(id),
		Filename:       string(id) + ".mp4",
		FilePath:       "assets/" + string(id) + ".mp4",
		Size:           1024,
		MimeType:       "video/mp4",
		State:          media.StateQueued,
		Classification: media.ClassificationPending,
		UploadedAt:     base.Add(offset),
		UpdatedAt:      base.Add(offset),
		Version:        media.SchemaVersion,
	}
}

func mustCreate(t *testing.T, s media.Store, a media.Asset) {
	t.Helper()
	if err := s.Create(context.Background(), a); err != nil {
		t.Fatalf("Create(%s): %v", a.ID, err)
	}
}

func ids(assets []media.Asset) []media.AssetID {
	out := make([]media.AssetID, len(assets))
	for i, a := range assets {
		out[i] = a.ID
	}
	return out
}

func equalIDs(a, b []media.AssetID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testCreateGet(t *testing.T, s media.Store) {
	want := Asset("a1", "alice", 0)
	mustCreate(t, s, want)

	got, err := s.Get(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != want.OwnerID || got.Title != want.Title || got.FilePath != want.FilePath ||
		got.Size != want.Size || got.MimeType != want.MimeType || got.State != want.State ||
		got.Classification != want.Classification || got.Version != media.SchemaVersion {
		t.Fatalf("Get returned %+v, want %+v", got, want)
	}
	if !got.UploadedAt.Equal(want.UploadedAt) {
		t.Errorf("UploadedAt = %v, want %v", got.UploadedAt, want.UploadedAt)
	}
	if got.StartedAt != nil || got.ProcessedAt != nil {
		t.Errorf("unexpected timestamps %v %v", got.StartedAt, got.ProcessedAt)
	}
}

func testCreateDuplicate(t *testing.T, s media.Store) {
	mustCreate(t, s, Asset("a1", "alice", 0))
	err := s.Create(context.Background(), Asset("a1", "bob", 0))
	if !errors.Is(err, media.ErrAlreadyExists) {
		t.Fatalf("duplicate Create = %v, want ErrAlreadyExists", err)
	}
}

func testGetMissing(t *testing.T, s media.Store) {
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func testUpdate(t *testing.T, s media.Store) {
	ctx := context.Background()
	mustCreate(t, s, Asset("a1", "alice", 0))

	running := media.StateRunning
	progress := 30
	started := base.Add(time.Minute)
	got, err := s.Update(ctx, "a1", media.AssetUpdate{State: &running, Progress: &progress, StartedAt: &started})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.State != media.StateRunning || got.Progress != 30 {
		t.Fatalf("Update returned %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Title != "title a1" {
		t.Errorf("untouched field changed: title %q", got.Title)
	}

	completed := media.StateCompleted
	full := 100
	safe := media.ClassificationSafe
	done := base.Add(2 * time.Minute)
	empty := ""
	if _, err := s.Update(ctx, "a1", media.AssetUpdate{State: &completed, Progress: &full, Classification: &safe, ProcessedAt: &done, Error: &empty}); err != nil {
		t.Fatalf("Update completion: %v", err)
	}

	stored, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.State != media.StateCompleted || stored.Progress != 100 || stored.Classification != media.ClassificationSafe {
		t.Fatalf("stored %+v", stored)
	}
	if stored.ProcessedAt == nil || !stored.ProcessedAt.Equal(done) {
		t.Errorf("ProcessedAt = %v", stored.ProcessedAt)
	}
	if stored.StartedAt == nil || !stored.StartedAt.Equal(started) {
		t.Errorf("StartedAt lost: %v", stored.StartedAt)
	}
}

func testUpdateMissing(t *testing.T, s media.Store) {
	title := "x"
	_, err := s.Update(context.Background(), "missing", media.AssetUpdate{Title: &title})
	if !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("Update missing = %v, want ErrNotFound", err)
	}
}

func testListByOwner(t *testing.T, s media.Store) {
	ctx := context.Background()
	mustCreate(t, s, Asset("a1", "alice", 0))
	mustCreate(t, s, Asset("a2", "alice", time.Minute))
	mustCreate(t, s, Asset("a3", "alice", 2*time.Minute))
	mustCreate(t, s, Asset("b1", "bob", 3*time.Minute))

	failed := media.StateFailed
	if _, err := s.Update(ctx, "a2", media.AssetUpdate{State: &failed}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, err := s.ListByOwner(ctx, "alice", media.Filter{})
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if want := []media.AssetID{"a3", "a2", "a1"}; !equalIDs(ids(all), want) {
		t.Fatalf("ListByOwner = %v, want %v", ids(all), want)
	}

	onlyFailed, err := s.ListByOwner(ctx, "alice", media.Filter{State: media.StateFailed})
	if err != nil {
		t.Fatalf("ListByOwner filtered: %v", err)
	}
	if want := []media.AssetID{"a2"}; !equalIDs(ids(onlyFailed), want) {
		t.Fatalf("filtered = %v, want %v", ids(onlyFailed), want)
	}

	none, err := s.ListByOwner(ctx, "carol", media.Filter{})
	if err != nil {
		t.Fatalf("ListByOwner empty: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no assets, got %v", ids(none))
	}
}

func testListByState(t *testing.T, s media.Store) {
	ctx := context.Background()
	mustCreate(t, s, Asset("a3", "alice", 2*time.Minute))
	mustCreate(t, s, Asset("a1", "alice", 0))
	mustCreate(t, s, Asset("b1", "bob", time.Minute))

	running := media.StateRunning
	if _, err := s.Update(ctx, "b1", media.AssetUpdate{State: &running}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	queued, err := s.ListByState(ctx, media.StateQueued)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if want := []media.AssetID{"a1", "a3"}; !equalIDs(ids(queued), want) {
		t.Fatalf("ListByState(queued) = %v, want %v", ids(queued), want)
	}
	run, err := s.ListByState(ctx, media.StateRunning)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if want := []media.AssetID{"b1"}; !equalIDs(ids(run), want) {
		t.Fatalf("ListByState(running) = %v, want %v", ids(run), want)
	}
}

func testDelete(t *testing.T, s media.Store) {
	ctx := context.Background()
	mustCreate(t, s, Asset("a1", "alice", 0))

	if err := s.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a1"); !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "a1"); !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"chronicle/anchors/internal/anchor"
	"chronicle/anchors/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, s
}

func selected(id string, start, end int, quoted string) anchor.Anchor {
	return anchor.Anchor{ID: id, Kind: anchor.KindSelectedText, Range: &anchor.Range{Start: start, End: end}, QuotedText: quoted}
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t, 0)
	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("://nope", 0); err == nil {
		t.Fatal("expected error for malformed url, got nil")
	}
}

func TestSaveAndListAnchors(t *testing.T) {
	rs, _ := setupTestRedis(t, 0)
	ctx := context.Background()

	saved := []anchor.Anchor{
		selected("c2", 6, 11, "world"),
		{ID: "c1", Kind: anchor.KindGeneral},
	}
	for _, a := range saved {
		if err := rs.SaveAnchor(ctx, "doc-1", a); err != nil {
			t.Fatalf("SaveAnchor(%s) failed: %v", a.ID, err)
		}
	}
	if err := rs.SaveAnchor(ctx, "doc-2", selected("other", 0, 1, "x")); err != nil {
		t.Fatalf("SaveAnchor(other) failed: %v", err)
	}

	got, err := rs.ListOpenAnchors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListOpenAnchors failed: %v", err)
	}
	want := []anchor.Anchor{
		{ID: "c1", Kind: anchor.KindGeneral},
		selected("c2", 6, 11, "world"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ListOpenAnchors mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateAnchorAppliesPatch(t *testing.T) {
	rs, s := setupTestRedis(t, 0)
	ctx := context.Background()

	if err := rs.SaveAnchor(ctx, "doc-1", selected("c1", 0, 5, "Hello")); err != nil {
		t.Fatalf("SaveAnchor failed: %v", err)
	}

	stale := anchor.Anchor{
		ID: "c1", Kind: anchor.KindSelectedText, Range: &anchor.Range{Start: 2, End: 7},
		QuotedText: "Xyzzy", OriginalQuotedText: "Hello", IsStale: true,
	}
	if err := rs.UpdateAnchor(ctx, "c1", anchor.PatchOf(stale)); err != nil {
		t.Fatalf("UpdateAnchor failed: %v", err)
	}

	got, err := rs.ListOpenAnchors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListOpenAnchors failed: %v", err)
	}
	if diff := cmp.Diff([]anchor.Anchor{stale}, got); diff != "" {
		t.Fatalf("ListOpenAnchors mismatch (-want +got):\n%s", diff)
	}
	if documentID := s.HGet("anchor:c1", "document_id"); documentID != "doc-1" {
		t.Errorf("document id = %q, want doc-1", documentID)
	}
}

func TestUpdateAnchorDoesNotResurrectMissingAnchor(t *testing.T) {
	rs, s := setupTestRedis(t, 0)
	ctx := context.Background()

	quoted := "Hello"
	err := rs.UpdateAnchor(ctx, "gone", anchor.Patch{QuotedText: &quoted})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateAnchor error = %v, want store.ErrNotFound", err)
	}
	if s.Exists("anchor:gone") {
		t.Error("UpdateAnchor created a hash for a missing anchor")
	}
}

func TestUpdateAnchorEmptyPatchIsNoOp(t *testing.T) {
	rs, _ := setupTestRedis(t, 0)
	if err := rs.UpdateAnchor(context.Background(), "anything", anchor.Patch{}); err != nil {
		t.Fatalf("UpdateAnchor(empty) failed: %v", err)
	}
}

func TestExpiredAnchorsArePruned(t *testing.T) {
	rs, s := setupTestRedis(t, time.Minute)
	ctx := context.Background()

	if err := rs.SaveAnchor(ctx, "doc-1", selected("c1", 0, 5, "Hello")); err != nil {
		t.Fatalf("SaveAnchor failed: %v", err)
	}
	s.FastForward(30 * time.Second)
	if err := rs.SaveAnchor(ctx, "doc-1", selected("c2", 6, 11, "world")); err != nil {
		t.Fatalf("SaveAnchor failed: %v", err)
	}
	s.FastForward(45 * time.Second)

	got, err := rs.ListOpenAnchors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListOpenAnchors failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c2" {
		t.Fatalf("ListOpenAnchors = %+v, want only c2", got)
	}
	members, err := s.Members("doc:doc-1:anchors")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if diff := cmp.Diff([]string{"c2"}, members); diff != "" {
		t.Fatalf("index not pruned (-want +got):\n%s", diff)
	}
}

func TestRemoveAnchor(t *testing.T) {
	rs, s := setupTestRedis(t, 0)
	ctx := context.Background()

	if err := rs.SaveAnchor(ctx, "doc-1", selected("c1", 0, 5, "Hello")); err != nil {
		t.Fatalf("SaveAnchor failed: %v", err)
	}
	if err := rs.RemoveAnchor(ctx, "c1"); err != nil {
		t.Fatalf("RemoveAnchor failed: %v", err)
	}
	if s.Exists("anchor:c1") {
		t.Fatal("anchor hash still present after remove")
	}
	got, err := rs.ListOpenAnchors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListOpenAnchors failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ListOpenAnchors = %+v, want empty", got)
	}

	// Removing a non-existent anchor should not error
	if err := rs.RemoveAnchor(ctx, "c1"); err != nil {
		t.Errorf("RemoveAnchor for non-existent anchor failed: %v", err)
	}
}

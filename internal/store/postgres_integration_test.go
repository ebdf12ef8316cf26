package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"chronicle/anchors/internal/anchor"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgconn"
)

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := ApplyMigrations(ctx, db, testMigrationsDir(), nil); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewPostgresStore(db)
}

func intPtr(v int) *int { return &v }

func TestCommentLifecyclePostgres(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	selected := Comment{
		ID:          "c1",
		DocumentID:  "doc-1",
		Author:      "Avery",
		Body:        "Is this right?",
		Kind:        anchor.KindSelectedText,
		StartOffset: intPtr(6),
		EndOffset:   intPtr(11),
		QuotedText:  "world",
	}
	general := Comment{
		ID:           "c2",
		DocumentID:   "doc-1",
		Author:       "assistant",
		Body:         "Consider a summary section.",
		Kind:         anchor.KindGeneral,
		Source:       SourceAI,
		SuggestionID: "sugg-9",
	}
	for _, c := range []Comment{selected, general} {
		if err := s.InsertComment(ctx, c); err != nil {
			t.Fatalf("InsertComment(%s) error = %v", c.ID, err)
		}
	}

	anchors, err := s.ListOpenAnchors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListOpenAnchors() error = %v", err)
	}
	want := []anchor.Anchor{
		{ID: "c1", Kind: anchor.KindSelectedText, Range: &anchor.Range{Start: 6, End: 11}, QuotedText: "world"},
		{ID: "c2", Kind: anchor.KindGeneral},
	}
	if diff := cmp.Diff(want, anchors); diff != "" {
		t.Fatalf("ListOpenAnchors() mismatch (-want +got):\n%s", diff)
	}

	stale, quoted, original := true, "earth", "world"
	patch := anchor.Patch{
		QuotedText:         &quoted,
		IsStale:            &stale,
		OriginalQuotedText: &original,
		Range:              &anchor.Range{Start: 6, End: 11},
	}
	if err := s.UpdateAnchor(ctx, "c1", patch); err != nil {
		t.Fatalf("UpdateAnchor() error = %v", err)
	}

	// A partial patch keeps the fields it does not carry.
	quoted = "world"
	if err := s.UpdateAnchor(ctx, "c1", anchor.Patch{QuotedText: &quoted}); err != nil {
		t.Fatalf("UpdateAnchor(partial) error = %v", err)
	}
	got, err := s.GetComment(ctx, "doc-1", "c1")
	if err != nil {
		t.Fatalf("GetComment() error = %v", err)
	}
	if !got.IsStale || got.OriginalQuotedText != "world" || got.QuotedText != "world" {
		t.Fatalf("GetComment() = %+v, want stale with original kept", got)
	}

	if err := s.UpdateAnchor(ctx, "c2", patch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateAnchor(general) error = %v, want ErrNotFound", err)
	}

	resolved, err := s.ResolveComment(ctx, "doc-1", "c1", "Avery")
	if err != nil || !resolved {
		t.Fatalf("ResolveComment() = %v, %v", resolved, err)
	}
	if resolved, _ := s.ResolveComment(ctx, "doc-1", "c1", "Avery"); resolved {
		t.Fatalf("second ResolveComment() = true, want false")
	}
	open, err := s.ListOpenAnchors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListOpenAnchors() error = %v", err)
	}
	if len(open) != 1 || open[0].ID != "c2" {
		t.Fatalf("ListOpenAnchors() after resolve = %+v", open)
	}

	if _, err := s.GetComment(ctx, "doc-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetComment(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInsertCommentRejectsInvertedRangePostgres(t *testing.T) {
	s := newTestStore(t)

	err := s.InsertComment(context.Background(), Comment{
		ID:          "bad",
		DocumentID:  "doc-1",
		Author:      "Avery",
		Body:        "x",
		Kind:        anchor.KindSelectedText,
		StartOffset: intPtr(8),
		EndOffset:   intPtr(3),
	})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23514" {
		t.Fatalf("InsertComment() error = %v, want check violation", err)
	}
}

func TestSyncedRevisionPostgres(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSyncedRevision(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSyncedRevision() error = %v, want ErrNotFound", err)
	}
	for _, hash := range []string{"aaa", "bbb"} {
		if err := s.MarkRevisionSynced(ctx, "doc-1", hash); err != nil {
			t.Fatalf("MarkRevisionSynced(%s) error = %v", hash, err)
		}
	}
	got, err := s.GetSyncedRevision(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetSyncedRevision() error = %v", err)
	}
	if got.CommitHash != "bbb" {
		t.Fatalf("CommitHash = %q, want bbb", got.CommitHash)
	}
}

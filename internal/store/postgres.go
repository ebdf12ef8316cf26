package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chronicle/anchors/internal/anchor"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const commentColumns = `id, document_id, author_name, body, kind, start_offset, end_offset, quoted_text, COALESCE(original_quoted_text, ''), is_stale, status, source, COALESCE(suggestion_id, ''), COALESCE(resolved_by_name, ''), resolved_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var (
		item       Comment
		kind       string
		start, end sql.NullInt64
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Author,
		&item.Body,
		&kind,
		&start,
		&end,
		&item.QuotedText,
		&item.OriginalQuotedText,
		&item.IsStale,
		&item.Status,
		&item.Source,
		&item.SuggestionID,
		&item.ResolvedBy,
		&resolvedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	item.Kind = anchor.Kind(kind)
	if start.Valid && end.Valid {
		s, e := int(start.Int64), int(end.Int64)
		item.StartOffset, item.EndOffset = &s, &e
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		item.ResolvedAt = &t
	}
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	kind := comment.Kind
	if kind == "" {
		kind = anchor.KindSelectedText
	}
	status := comment.Status
	if status == "" {
		status = StatusOpen
	}
	source := comment.Source
	if source == "" {
		source = SourceHuman
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, author_name, body, kind, start_offset, end_offset, quoted_text, original_quoted_text, is_stale, status, source, suggestion_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''))
	`, comment.ID, comment.DocumentID, comment.Author, comment.Body, string(kind), comment.StartOffset, comment.EndOffset,
		comment.QuotedText, comment.OriginalQuotedText, comment.IsStale, status, source, comment.SuggestionID)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, documentID, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1 AND id=$2
	`, documentID, commentID)
	item, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string, includeResolved bool) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1
		  AND ($2::boolean OR status='OPEN')
		ORDER BY created_at ASC, id ASC
	`, documentID, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// ListOpenAnchors returns the anchors of every unresolved comment on the
// document, oldest first.
func (s *PostgresStore) ListOpenAnchors(ctx context.Context, documentID string) ([]anchor.Anchor, error) {
	comments, err := s.ListComments(ctx, documentID, false)
	if err != nil {
		return nil, err
	}
	anchors := make([]anchor.Anchor, 0, len(comments))
	for _, c := range comments {
		anchors = append(anchors, c.Anchor())
	}
	return anchors, nil
}

// UpdateAnchor writes the set fields of patch; nil fields keep their stored
// value.
func (s *PostgresStore) UpdateAnchor(ctx context.Context, commentID string, patch anchor.Patch) error {
	var start, end *int
	if patch.Range != nil {
		start, end = &patch.Range.Start, &patch.Range.End
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET quoted_text=COALESCE($2::text, quoted_text),
		    is_stale=COALESCE($3::boolean, is_stale),
		    original_quoted_text=COALESCE($4::text, original_quoted_text),
		    start_offset=COALESCE($5::integer, start_offset),
		    end_offset=COALESCE($6::integer, end_offset),
		    updated_at=NOW()
		WHERE id=$1 AND kind='selected_text'
	`, commentID, patch.QuotedText, patch.IsStale, patch.OriginalQuotedText, start, end)
	if err != nil {
		return fmt.Errorf("update anchor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update anchor rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update anchor %s: %w", commentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, documentID, commentID, resolvedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status='RESOLVED', resolved_by_name=NULLIF($3, ''), resolved_at=NOW(), updated_at=NOW()
		WHERE document_id=$1 AND id=$2 AND status <> 'RESOLVED'
	`, documentID, commentID, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("resolve comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetSyncedRevision(ctx context.Context, documentID string) (SyncedRevision, error) {
	var item SyncedRevision
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, commit_hash, synced_at
		FROM comment_document_revisions
		WHERE document_id=$1
	`, documentID).Scan(&item.DocumentID, &item.CommitHash, &item.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncedRevision{}, fmt.Errorf("synced revision %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return SyncedRevision{}, fmt.Errorf("get synced revision: %w", err)
	}
	return item, nil
}

// MarkRevisionSynced records the last document revision whose edits were
// replayed through the anchor pipeline.
func (s *PostgresStore) MarkRevisionSynced(ctx context.Context, documentID, commitHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_document_revisions (document_id, commit_hash, synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id) DO UPDATE SET commit_hash=EXCLUDED.commit_hash, synced_at=EXCLUDED.synced_at
	`, documentID, commitHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark revision synced: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

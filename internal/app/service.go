// Package app ties the anchor pipeline to storage: it opens one editing
// session per document, creates and resolves comments against the live
// plain text, and replays committed document revisions through the
// pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"chronicle/anchors/internal/anchor"
	"chronicle/anchors/internal/config"
	"chronicle/anchors/internal/coordinator"
	"chronicle/anchors/internal/gitrepo"
	"chronicle/anchors/internal/markdown"
	"chronicle/anchors/internal/search"
	"chronicle/anchors/internal/store"
	"chronicle/anchors/internal/util"
)

const syncAuthor = "Chronicle"

type CreateCommentInput struct {
	Author string      `json:"author"`
	Body   string      `json:"body"`
	Kind   anchor.Kind `json:"kind"`
	// Range is in plain-text coordinates. When nil, a selected_text comment
	// uses the session's current selection.
	Range        *anchor.Range `json:"range,omitempty"`
	Source       string        `json:"source"`
	SuggestionID string        `json:"suggestionId"`
}

type SyncResult struct {
	DocumentID string
	Replayed   int
	Head       string
	Anchors    []anchor.Anchor
}

type commentStore interface {
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string, string) (store.Comment, error)
	ListOpenAnchors(context.Context, string) ([]anchor.Anchor, error)
	UpdateAnchor(context.Context, string, anchor.Patch) error
	ResolveComment(context.Context, string, string, string) (bool, error)
	GetSyncedRevision(context.Context, string) (store.SyncedRevision, error)
	MarkRevisionSynced(context.Context, string, string) error
}

type anchorCache interface {
	SaveAnchor(context.Context, string, anchor.Anchor) error
	ListOpenAnchors(context.Context, string) ([]anchor.Anchor, error)
	UpdateAnchor(context.Context, string, anchor.Patch) error
	RemoveAnchor(context.Context, string) error
}

type commentIndex interface {
	IndexComment(search.CommentRecord) error
	UpdateAnchor(context.Context, string, anchor.Patch) error
	DeleteComment(string) error
	Search(search.Query) ([]search.Result, int, error)
}

type gitService interface {
	EnsureDocumentRepo(string, string, string) error
	CommitContent(string, string, string, string) (gitrepo.Revision, error)
	Revisions(string, string) ([]gitrepo.RevisionContent, error)
	History(string, int) ([]gitrepo.Revision, error)
}

type Option func(*Service)

// WithCache writes anchors through to a cache and prefers it when loading
// a document's anchors.
func WithCache(cache anchorCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithIndex mirrors comments into a search index.
func WithIndex(index commentIndex) Option {
	return func(s *Service) { s.index = index }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

type Service struct {
	cfg      config.Config
	comments commentStore
	git      gitService
	cache    anchorCache
	index    commentIndex
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	syncing  map[string]bool
}

func New(cfg config.Config, comments commentStore, git gitService, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		comments: comments,
		git:      git,
		sessions: make(map[string]*Session),
		syncing:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// OpenSession starts tracking the open comments of documentID against
// markdown. Opening a document that already has a session returns it.
func (s *Service) OpenSession(ctx context.Context, documentID, md string) (*Session, error) {
	if documentID == "" {
		return nil, domainError(CodeValidation, "documentId is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[documentID]; ok {
		return existing, nil
	}
	if s.syncing[documentID] {
		return nil, domainError(CodeSyncInProgress, "document is being synced", map[string]any{"documentId": documentID})
	}

	session, err := s.newSession(ctx, documentID, md)
	if err != nil {
		return nil, err
	}
	s.sessions[documentID] = session
	s.logger.Info("app: session opened", "document_id", documentID, "anchors", len(session.Anchors()))
	return session, nil
}

func (s *Service) newSession(ctx context.Context, documentID, md string) (*Session, error) {
	anchors, err := s.loadAnchors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	coord := coordinator.New(s.persister(), anchors, coordinator.Options{
		Debounce:    s.cfg.PersistDebounce,
		Concurrency: s.cfg.PersistConcurrency,
		Logger:      s.logger.With("document_id", documentID),
	})
	return &Session{documentID: documentID, coord: coord, markdown: md}, nil
}

// Session returns the open session for documentID.
func (s *Service) Session(documentID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[documentID]
	return session, ok
}

// CloseSession flushes pending anchor writes and, when the document changed,
// commits the final markdown so later syncs replay only newer revisions.
func (s *Service) CloseSession(ctx context.Context, documentID string) error {
	s.mu.Lock()
	session, ok := s.sessions[documentID]
	delete(s.sessions, documentID)
	s.mu.Unlock()
	if !ok {
		return domainError(CodeSessionNotFound, "no open session for document", map[string]any{"documentId": documentID})
	}
	return s.closeSession(ctx, session)
}

func (s *Service) closeSession(ctx context.Context, session *Session) error {
	if err := session.coord.Close(ctx); err != nil {
		return fmt.Errorf("close session %s: %w", session.documentID, err)
	}
	if s.git == nil || !session.edited() {
		return nil
	}

	md := session.Markdown()
	if err := s.git.EnsureDocumentRepo(session.documentID, md, syncAuthor); err != nil {
		return fmt.Errorf("ensure document repo: %w", err)
	}
	rev, err := s.git.CommitContent(session.documentID, md, syncAuthor, "Sync anchored document")
	if err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	if err := s.comments.MarkRevisionSynced(ctx, session.documentID, rev.Hash); err != nil {
		return err
	}
	s.logger.Info("app: session closed", "document_id", session.documentID, "revision", rev.ShortHash)
	return nil
}

// Close closes every open session.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for id, session := range s.sessions {
		sessions = append(sessions, session)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := s.closeSession(ctx, session); err != nil {
			s.logger.Error("app: close session failed", "document_id", session.documentID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateComment stores a new comment on an open document. Selected-text
// comments quote the live plain text at their range.
func (s *Service) CreateComment(ctx context.Context, documentID string, input CreateCommentInput) (*store.Comment, error) {
	if input.Author == "" {
		return nil, domainError(CodeValidation, "author is required", nil)
	}
	if input.Body == "" {
		return nil, domainError(CodeValidation, "body is required", nil)
	}
	kind := input.Kind
	if kind == "" {
		kind = anchor.KindSelectedText
	}
	if kind != anchor.KindSelectedText && kind != anchor.KindGeneral {
		return nil, domainError(CodeValidation, "invalid comment kind", map[string]any{"kind": kind})
	}
	source := input.Source
	if source == "" {
		source = store.SourceHuman
	}
	if source != store.SourceHuman && source != store.SourceAI {
		return nil, domainError(CodeValidation, "invalid comment source", map[string]any{"source": source})
	}

	session, ok := s.Session(documentID)
	if !ok {
		return nil, domainError(CodeSessionNotFound, "no open session for document", map[string]any{"documentId": documentID})
	}

	comment := store.Comment{
		ID:           util.NewID("cmt"),
		DocumentID:   documentID,
		Author:       input.Author,
		Body:         input.Body,
		Kind:         kind,
		Status:       store.StatusOpen,
		Source:       source,
		SuggestionID: input.SuggestionID,
	}

	if kind == anchor.KindGeneral {
		if input.Range != nil {
			return nil, domainError(CodeValidation, "general comments cannot have a range", nil)
		}
	} else {
		r := input.Range
		if r == nil {
			if sel, ok := session.coord.Selection(); ok {
				r = &sel
			}
		}
		if r == nil {
			return nil, domainError(CodeValidation, "a selection is required", nil)
		}
		quoted, err := quoteRange(session.PlainText(), *r)
		if err != nil {
			return nil, err
		}
		start, end := r.Start, r.End
		comment.StartOffset, comment.EndOffset = &start, &end
		comment.QuotedText = quoted
	}

	if err := s.comments.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	a := comment.Anchor()
	session.coord.Track(a)

	if s.cache != nil {
		if err := s.cache.SaveAnchor(ctx, documentID, a); err != nil {
			s.logger.Warn("app: cache comment anchor failed", "anchor_id", a.ID, "error", err)
		}
	}
	if s.index != nil {
		if err := s.index.IndexComment(commentRecord(comment)); err != nil {
			s.logger.Warn("app: index comment failed", "anchor_id", a.ID, "error", err)
		}
	}
	return &comment, nil
}

// ResolveComment marks a comment resolved and stops tracking its anchor.
// Resolving an already resolved comment is not an error.
func (s *Service) ResolveComment(ctx context.Context, documentID, commentID, resolvedBy string) error {
	resolved, err := s.comments.ResolveComment(ctx, documentID, commentID, resolvedBy)
	if err != nil {
		return err
	}
	if !resolved {
		if _, err := s.comments.GetComment(ctx, documentID, commentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domainError(CodeNotFound, "comment not found", map[string]any{"commentId": commentID})
			}
			return err
		}
	}

	if session, ok := s.Session(documentID); ok {
		session.coord.Untrack(commentID)
	}
	if s.cache != nil {
		if err := s.cache.RemoveAnchor(ctx, commentID); err != nil {
			s.logger.Warn("app: evict resolved anchor failed", "anchor_id", commentID, "error", err)
		}
	}
	if s.index != nil {
		if err := s.index.DeleteComment(commentID); err != nil {
			s.logger.Warn("app: unindex resolved comment failed", "anchor_id", commentID, "error", err)
		}
	}
	return nil
}

// SyncDocument replays the document's committed revisions since the last
// sync through the anchor pipeline, then records the head as synced.
func (s *Service) SyncDocument(ctx context.Context, documentID string) (SyncResult, error) {
	if s.git == nil {
		return SyncResult{}, errors.New("sync document: no revision source configured")
	}
	if err := s.reserveSync(documentID); err != nil {
		return SyncResult{}, err
	}
	defer s.releaseSync(documentID)

	from := ""
	synced, err := s.comments.GetSyncedRevision(ctx, documentID)
	switch {
	case err == nil:
		from = synced.CommitHash
	case !errors.Is(err, store.ErrNotFound):
		return SyncResult{}, err
	}

	revisions, err := s.git.Revisions(documentID, from)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load revisions: %w", err)
	}
	result := SyncResult{DocumentID: documentID}
	if len(revisions) == 0 {
		return result, nil
	}
	head := revisions[len(revisions)-1]
	result.Head = head.Hash

	session, err := s.newSession(ctx, documentID, revisions[0].Markdown)
	if err != nil {
		return SyncResult{}, err
	}
	for i := 1; i < len(revisions); i++ {
		session.OnTextChange(revisions[i-1].Markdown, revisions[i].Markdown)
		result.Replayed++
	}
	result.Anchors = session.Anchors()

	// The revisions are already committed; only the anchor writes need flushing.
	if err := session.coord.Close(ctx); err != nil {
		return result, fmt.Errorf("flush replayed anchors: %w", err)
	}
	if err := s.comments.MarkRevisionSynced(ctx, documentID, head.Hash); err != nil {
		return result, err
	}
	s.logger.Info("app: document synced", "document_id", documentID, "replayed", result.Replayed, "revision", head.ShortHash)
	return result, nil
}

// reserveSync claims documentID for a sync. Editors cannot open the
// document until releaseSync.
func (s *Service) reserveSync(documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.sessions[documentID]; open {
		return domainError(CodeSessionOpen, "document has an open session", map[string]any{"documentId": documentID})
	}
	if s.syncing[documentID] {
		return domainError(CodeSyncInProgress, "document is being synced", map[string]any{"documentId": documentID})
	}
	s.syncing[documentID] = true
	return nil
}

func (s *Service) releaseSync(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.syncing, documentID)
}

// SearchComments queries the open comments in the search index.
func (s *Service) SearchComments(q search.Query) ([]search.Result, int, error) {
	if s.index == nil {
		return nil, 0, fmt.Errorf("search comments: %w", search.ErrUnavailable)
	}
	return s.index.Search(q)
}

// History lists the committed revisions of documentID, newest first.
func (s *Service) History(documentID string, limit int) ([]gitrepo.Revision, error) {
	if s.git == nil {
		return nil, errors.New("history: no revision source configured")
	}
	revisions, err := s.git.History(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return revisions, nil
}

// loadAnchors reads the open anchors from the comment store and overlays
// the cached version of each one. Anchors missing from the cache are
// written back; cached anchors the store no longer lists are evicted.
func (s *Service) loadAnchors(ctx context.Context, documentID string) ([]anchor.Anchor, error) {
	anchors, err := s.comments.ListOpenAnchors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if s.cache == nil {
		return anchors, nil
	}

	cached, err := s.cache.ListOpenAnchors(ctx, documentID)
	if err != nil {
		s.logger.Warn("app: load cached anchors failed", "document_id", documentID, "error", err)
		return anchors, nil
	}
	byID := make(map[string]anchor.Anchor, len(cached))
	for _, a := range cached {
		byID[a.ID] = a
	}

	warm := true
	for i, a := range anchors {
		if c, ok := byID[a.ID]; ok {
			anchors[i] = c
			delete(byID, a.ID)
			continue
		}
		if !warm {
			continue
		}
		if err := s.cache.SaveAnchor(ctx, documentID, a); err != nil {
			s.logger.Warn("app: warm anchor cache failed", "anchor_id", a.ID, "error", err)
			warm = false
		}
	}
	for id := range byID {
		if err := s.cache.RemoveAnchor(ctx, id); err != nil {
			s.logger.Warn("app: evict cached anchor failed", "anchor_id", id, "error", err)
		}
	}
	return anchors, nil
}

// persister writes to the comment store first; the cache and index are
// best-effort mirrors.
func (s *Service) persister() coordinator.Persister {
	sinks := coordinator.Fanout{s.comments}
	if s.cache != nil {
		sinks = append(sinks, ignoreNotFound(s.cache))
	}
	if s.index != nil {
		sinks = append(sinks, s.index)
	}
	return sinks
}

// ignoreNotFound drops writes for anchors that were evicted from a mirror.
func ignoreNotFound(p coordinator.Persister) coordinator.Persister {
	return coordinator.PersisterFunc(func(ctx context.Context, id string, patch anchor.Patch) error {
		if err := p.UpdateAnchor(ctx, id, patch); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
}

func quoteRange(plain string, r anchor.Range) (string, error) {
	length := utf8.RuneCountInString(plain)
	if r.Start < 0 || r.Start > r.End || r.End > length {
		return "", domainError(CodeInvalidRange, "range is outside the document", map[string]any{
			"start":  r.Start,
			"end":    r.End,
			"length": length,
		})
	}
	runes := []rune(plain)
	return string(runes[r.Start:r.End]), nil
}

func commentRecord(c store.Comment) search.CommentRecord {
	return search.CommentRecord{
		ID:                 c.ID,
		DocumentID:         c.DocumentID,
		Kind:               string(c.Kind),
		Body:               c.Body,
		QuotedText:         c.QuotedText,
		OriginalQuotedText: c.OriginalQuotedText,
		IsStale:            c.IsStale,
		Status:             c.Status,
	}
}

// Session is one open editor on a document.
type Session struct {
	documentID string
	coord      *coordinator.Coordinator

	mu       sync.Mutex
	markdown string
	changed  bool
}

func (s *Session) DocumentID() string {
	return s.documentID
}

// OnTextChange feeds one edit through the anchor pipeline and records
// newMarkdown as the session's current text.
func (s *Session) OnTextChange(oldMarkdown, newMarkdown string) anchor.Batch {
	s.mu.Lock()
	if newMarkdown != s.markdown {
		s.changed = true
	}
	s.markdown = newMarkdown
	s.mu.Unlock()
	return s.coord.OnTextChange(oldMarkdown, newMarkdown)
}

func (s *Session) OnSelectionChange(r *anchor.Range) {
	s.coord.OnSelectionChange(r)
}

func (s *Session) Anchors() []anchor.Anchor {
	return s.coord.Anchors()
}

func (s *Session) Markdown() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markdown
}

// PlainText is the projection anchors are measured against.
func (s *Session) PlainText() string {
	return markdown.Normalize(s.Markdown())
}

// Flush writes pending anchor updates now.
func (s *Session) Flush(ctx context.Context) error {
	return s.coord.Flush(ctx)
}

func (s *Session) edited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

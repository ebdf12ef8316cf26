package store

import (
	"time"

	"chronicle/anchors/internal/anchor"
)

const (
	StatusOpen     = "OPEN"
	StatusResolved = "RESOLVED"

	SourceHuman = "HUMAN"
	SourceAI    = "AI"
)

type Comment struct {
	ID                 string
	DocumentID         string
	Author             string
	Body               string
	Kind               anchor.Kind
	StartOffset        *int
	EndOffset          *int
	QuotedText         string
	OriginalQuotedText string
	IsStale            bool
	Status             string
	Source             string
	SuggestionID       string
	ResolvedBy         string
	ResolvedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Anchor returns the anchor tracked for the comment.
func (c Comment) Anchor() anchor.Anchor {
	a := anchor.Anchor{
		ID:                 c.ID,
		Kind:               c.Kind,
		QuotedText:         c.QuotedText,
		OriginalQuotedText: c.OriginalQuotedText,
		IsStale:            c.IsStale,
	}
	if c.StartOffset != nil && c.EndOffset != nil {
		a.Range = &anchor.Range{Start: *c.StartOffset, End: *c.EndOffset}
	}
	return a
}

type SyncedRevision struct {
	DocumentID string
	CommitHash string
	SyncedAt   time.Time
}

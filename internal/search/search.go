// Package search mirrors comment anchors into Meilisearch so quoted text can
// be searched and stale anchors listed per document.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	QuotedText string `json:"quotedText"`
	Snippet    string `json:"snippet"`
	IsStale    bool   `json:"isStale"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string // empty = all documents
	StaleOnly  bool
	Limit      int
	Offset     int
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID                 string `json:"id"`
	DocumentID         string `json:"documentId"`
	Kind               string `json:"kind"`
	Body               string `json:"body"`
	QuotedText         string `json:"quotedText"`
	OriginalQuotedText string `json:"originalQuotedText"`
	IsStale            bool   `json:"isStale"`
	Status             string `json:"status"`
}

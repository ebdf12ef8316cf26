package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"chronicle/anchors/internal/anchor"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxComments = "anchor_comments"

	healthInterval = 10 * time.Second
)

var ErrUnavailable = errors.New("meilisearch unavailable")

// Index keeps comment anchors in a Meilisearch index.
type Index struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewIndex creates a Meilisearch client and configures the comment index.
// An unreachable server is not an error: writes are skipped until the
// health loop sees it recover.
func NewIndex(url, apiKey string, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Index{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Index) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxComments,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("search: create index (may already exist)", "index", idxComments, "error", err)
	}

	index := m.client.Index(idxComments)
	filterable := []interface{}{"documentId", "isStale", "status", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attrs", "index", idxComments, "error", err)
	}
	searchable := []string{"quotedText", "originalQuotedText", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attrs", "index", idxComments, "error", err)
	}
}

func (m *Index) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Index) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Index) Healthy() bool {
	return m.healthy.Load()
}

// IndexComment adds or replaces a comment in the index.
func (m *Index) IndexComment(rec CommentRecord) error {
	if !m.healthy.Load() {
		return nil
	}
	if _, err := m.client.Index(idxComments).AddDocuments([]CommentRecord{rec}, nil); err != nil {
		return fmt.Errorf("index comment %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateAnchor merges the anchor fields of patch into the indexed comment.
// Offsets are not indexed. While Meilisearch is unhealthy the write is
// dropped; the next full IndexComment restores it.
func (m *Index) UpdateAnchor(_ context.Context, id string, patch anchor.Patch) error {
	if !m.healthy.Load() {
		m.logger.Debug("search: skipping anchor update while unhealthy", "anchor_id", id)
		return nil
	}
	doc := map[string]any{"id": id}
	if patch.QuotedText != nil {
		doc["quotedText"] = *patch.QuotedText
	}
	if patch.IsStale != nil {
		doc["isStale"] = *patch.IsStale
	}
	if patch.OriginalQuotedText != nil {
		doc["originalQuotedText"] = *patch.OriginalQuotedText
	}
	if len(doc) == 1 {
		return nil
	}
	if _, err := m.client.Index(idxComments).UpdateDocuments([]map[string]any{doc}, nil); err != nil {
		return fmt.Errorf("update indexed anchor %s: %w", id, err)
	}
	return nil
}

// DeleteComment removes a comment from the index.
func (m *Index) DeleteComment(id string) error {
	if !m.healthy.Load() {
		return nil
	}
	if _, err := m.client.Index(idxComments).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("delete indexed comment %s: %w", id, err)
	}
	return nil
}

// Search queries the comment index.
func (m *Index) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, ErrUnavailable
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxComments,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"quotedText"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := searchFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0)
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func searchFilters(q Query) []string {
	filters := []string{`status = "OPEN"`}
	if q.DocumentID != "" {
		filters = append(filters, fmt.Sprintf("documentId = %q", q.DocumentID))
	}
	if q.StaleOnly {
		filters = append(filters, "isStale = true")
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:         decodeString(hit, "id"),
		DocumentID: decodeString(hit, "documentId"),
		QuotedText: decodeString(hit, "quotedText"),
	}
	if raw, ok := hit["isStale"]; ok {
		_ = json.Unmarshal(raw, &r.IsStale)
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "quotedText"), r.QuotedText)
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

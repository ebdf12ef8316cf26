package search

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chronicle/anchors/internal/anchor"

	"github.com/google/go-cmp/cmp"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type fakeMeili struct {
	mu       sync.Mutex
	requests []recordedRequest
	search   string
}

func (f *fakeMeili) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	searchBody := f.search
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/health":
		_, _ = io.WriteString(w, `{"status":"available"}`)
	case "/multi-search":
		_, _ = io.WriteString(w, searchBody)
	default:
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"taskUid":1,"indexUid":"anchor_comments","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2024-01-01T00:00:00Z"}`)
	}
}

func (f *fakeMeili) find(method, path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func newTestIndex(t *testing.T) (*Index, *fakeMeili) {
	t.Helper()
	fake := &fakeMeili{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	idx := NewIndex(srv.URL, "test-key", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(idx.Close)
	return idx, fake
}

func TestNewIndexConfiguresCommentIndex(t *testing.T) {
	idx, fake := newTestIndex(t)

	if !idx.Healthy() {
		t.Fatal("Healthy() = false, want true")
	}
	if got := fake.find(http.MethodPost, "/indexes"); len(got) != 1 {
		t.Fatalf("create index requests = %d, want 1", len(got))
	}
}

func TestUpdateAnchorSendsPartialDocument(t *testing.T) {
	idx, fake := newTestIndex(t)

	stale := anchor.Anchor{
		ID: "c1", Kind: anchor.KindSelectedText, Range: &anchor.Range{Start: 0, End: 5},
		QuotedText: "Xyzzy", OriginalQuotedText: "Hello", IsStale: true,
	}
	if err := idx.UpdateAnchor(context.Background(), "c1", anchor.PatchOf(stale)); err != nil {
		t.Fatalf("UpdateAnchor() error = %v", err)
	}

	reqs := fake.find(http.MethodPut, "/indexes/anchor_comments/documents")
	if len(reqs) != 1 {
		t.Fatalf("update requests = %d, want 1", len(reqs))
	}
	var docs []map[string]any
	if err := json.Unmarshal([]byte(reqs[0].Body), &docs); err != nil {
		t.Fatalf("decode body %q: %v", reqs[0].Body, err)
	}
	want := []map[string]any{{
		"id":                 "c1",
		"quotedText":         "Xyzzy",
		"originalQuotedText": "Hello",
		"isStale":            true,
	}}
	if diff := cmp.Diff(want, docs); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexComment(t *testing.T) {
	idx, fake := newTestIndex(t)

	rec := CommentRecord{ID: "c1", DocumentID: "doc-1", Kind: "selected_text", Body: "typo?", QuotedText: "teh", Status: "OPEN"}
	if err := idx.IndexComment(rec); err != nil {
		t.Fatalf("IndexComment() error = %v", err)
	}
	reqs := fake.find(http.MethodPost, "/indexes/anchor_comments/documents")
	if len(reqs) != 1 || !strings.Contains(reqs[0].Body, `"quotedText":"teh"`) {
		t.Fatalf("add document requests = %+v", reqs)
	}
}

func TestSearchDecodesHits(t *testing.T) {
	idx, fake := newTestIndex(t)
	fake.search = `{"results":[{"indexUid":"anchor_comments","hits":[{"id":"c1","documentId":"doc-1","quotedText":"teh cat","isStale":true,"_formatted":{"quotedText":"<mark>teh</mark> cat","isStale":"true"}}],"estimatedTotalHits":1,"query":"teh","limit":20,"offset":0,"processingTimeMs":1}]}`

	results, total, err := idx.Search(Query{Text: "teh", DocumentID: "doc-1", StaleOnly: true})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	want := []Result{{ID: "c1", DocumentID: "doc-1", QuotedText: "teh cat", Snippet: "<mark>teh</mark> cat", IsStale: true}}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Fatalf("Search() mismatch (-want +got):\n%s", diff)
	}

	reqs := fake.find(http.MethodPost, "/multi-search")
	if len(reqs) != 1 {
		t.Fatalf("multi-search requests = %d, want 1", len(reqs))
	}
	for _, want := range []string{`documentId = \"doc-1\"`, `isStale = true`, `"q":"teh"`} {
		if !strings.Contains(reqs[0].Body, want) {
			t.Errorf("search body %s missing %s", reqs[0].Body, want)
		}
	}
}

func TestUnavailableIndexSkipsWrites(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	idx := NewIndex(url, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer idx.Close()

	if idx.Healthy() {
		t.Fatal("Healthy() = true for closed server")
	}
	quoted := "x"
	if err := idx.UpdateAnchor(context.Background(), "c1", anchor.Patch{QuotedText: &quoted}); err != nil {
		t.Fatalf("UpdateAnchor() error = %v, want nil while unhealthy", err)
	}
	if _, _, err := idx.Search(Query{Text: "x"}); err == nil {
		t.Fatal("Search() error = nil, want ErrUnavailable")
	}
}

func TestSearchFilters(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{name: "open only", q: Query{}, want: []string{`status = "OPEN"`}},
		{name: "document", q: Query{DocumentID: "d1"}, want: []string{`status = "OPEN"`, `documentId = "d1"`}},
		{name: "stale", q: Query{StaleOnly: true}, want: []string{`status = "OPEN"`, "isStale = true"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, searchFilters(tc.q)); diff != "" {
				t.Fatalf("searchFilters() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

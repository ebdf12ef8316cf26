package store

import (
	"testing"

	"chronicle/anchors/internal/anchor"

	"github.com/google/go-cmp/cmp"
)

func TestCommentAnchor(t *testing.T) {
	tests := []struct {
		name    string
		comment Comment
		want    anchor.Anchor
	}{
		{
			name: "selected text",
			comment: Comment{
				ID: "c1", Kind: anchor.KindSelectedText,
				StartOffset: intPtr(2), EndOffset: intPtr(7),
				QuotedText: "llo w", OriginalQuotedText: "llo W", IsStale: true,
			},
			want: anchor.Anchor{
				ID: "c1", Kind: anchor.KindSelectedText,
				Range:      &anchor.Range{Start: 2, End: 7},
				QuotedText: "llo w", OriginalQuotedText: "llo W", IsStale: true,
			},
		},
		{
			name:    "general comment has no range",
			comment: Comment{ID: "c2", Kind: anchor.KindGeneral},
			want:    anchor.Anchor{ID: "c2", Kind: anchor.KindGeneral},
		},
		{
			name:    "half-recorded offsets are treated as missing",
			comment: Comment{ID: "c3", Kind: anchor.KindSelectedText, StartOffset: intPtr(4)},
			want:    anchor.Anchor{ID: "c3", Kind: anchor.KindSelectedText},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, tc.comment.Anchor()); diff != "" {
				t.Fatalf("Anchor() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

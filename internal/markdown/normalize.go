// Package markdown projects markdown source onto the plain text that comment
// anchors are expressed in. Formatting-only edits leave the projection, and
// therefore every anchor offset, unchanged.
package markdown

import (
	"regexp"
	"strings"
)

var (
	fenceLine      = regexp.MustCompile("(?m)^[ \t]*(?:```|~~~)[^\n]*$")
	horizontalRule = regexp.MustCompile(`(?m)^[ \t]*(?:(?:-[ \t]*){3,}|(?:\*[ \t]*){3,}|(?:_[ \t]*){3,})$`)
	boldStars      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderscore = regexp.MustCompile(`__(.+?)__`)
	italicStar     = regexp.MustCompile(`\*([^*\s][^*\n]*)\*`)
	italicUnder    = regexp.MustCompile(`\b_([^_\n]+)_\b`)
	strikethrough  = regexp.MustCompile(`~~(.+?)~~`)
	image          = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	link           = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	heading        = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	blockquote     = regexp.MustCompile(`(?m)^[ \t]*(?:>[ \t]?)+`)
	bulletMarker   = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	numberMarker   = regexp.MustCompile(`(?m)^[ \t]*\d+[.)][ \t]+`)
	spaceRun       = regexp.MustCompile(` {2,}`)
	newlineRun     = regexp.MustCompile(`\n{3,}`)
)

// Normalize strips markdown syntax from text and collapses whitespace.
// Fenced code blocks lose their fence lines but keep their contents, so
// comments can anchor inside code. It never fails: input that contains no
// markdown comes back unchanged apart from whitespace collapsing.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	out := strings.ReplaceAll(text, "\r\n", "\n")

	out = fenceLine.ReplaceAllString(out, "")
	out = horizontalRule.ReplaceAllString(out, "")
	out = stripInlineCode(out)
	out = boldStars.ReplaceAllString(out, "$1")
	out = boldUnderscore.ReplaceAllString(out, "$1")
	// Italic runs after bold so `**x**` is never read as `*` + `*x*` + `*`.
	out = italicStar.ReplaceAllString(out, "$1")
	out = italicUnder.ReplaceAllString(out, "$1")
	out = strikethrough.ReplaceAllString(out, "$1")
	out = image.ReplaceAllString(out, "$1")
	out = link.ReplaceAllString(out, "$1")
	out = heading.ReplaceAllString(out, "")
	out = blockquote.ReplaceAllString(out, "")
	out = bulletMarker.ReplaceAllString(out, "")
	out = numberMarker.ReplaceAllString(out, "")

	return collapseWhitespace(out)
}

func collapseWhitespace(text string) string {
	text = spaceRun.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// stripInlineCode removes backtick fences of any length, keeping the code.
// A span opened by N backticks closes at the next run of exactly N.
func stripInlineCode(text string) string {
	if !strings.Contains(text, "`") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if text[i] != '`' {
			b.WriteByte(text[i])
			i++
			continue
		}
		n := backtickRun(text, i)
		closing := findBacktickRun(text, i+n, n)
		if closing < 0 {
			b.WriteString(text[i : i+n])
			i += n
			continue
		}
		code := text[i+n : closing]
		if len(code) >= 2 && code[0] == ' ' && code[len(code)-1] == ' ' && strings.TrimSpace(code) != "" {
			code = code[1 : len(code)-1]
		}
		b.WriteString(code)
		i = closing + n
	}
	return b.String()
}

func backtickRun(text string, at int) int {
	n := 0
	for at+n < len(text) && text[at+n] == '`' {
		n++
	}
	return n
}

func findBacktickRun(text string, from, n int) int {
	for j := from; j < len(text); {
		if text[j] == '\n' && j+1 < len(text) && text[j+1] == '\n' {
			return -1
		}
		if text[j] != '`' {
			j++
			continue
		}
		m := backtickRun(text, j)
		if m == n {
			return j
		}
		j += m
	}
	return -1
}

// Package segment partitions long text into parts small enough for a single
// synthesis run.
package segment

import "unicode"

// Split cuts text into ordered segments of at most limit runes each.
//
// Each window of limit runes is searched backwards for the right-most boundary:
// a sentence terminator followed by whitespace, a newline, or "; ". The cut is
// placed right after the boundary; without one the window is hard-cut at limit.
// Segments and the remainder are trimmed of surrounding whitespace. Blank text
// yields nil. A non-positive limit disables cutting.
func Split(text string, limit int) []string {
	remaining := trim([]rune(text))
	if len(remaining) == 0 {
		return nil
	}
	if limit <= 0 {
		return []string{string(remaining)}
	}

	var segments []string
	for len(remaining) > limit {
		cut := boundary(remaining, limit)
		if cut <= 0 {
			cut = limit
		}
		if piece := trim(remaining[:cut]); len(piece) > 0 {
			segments = append(segments, string(piece))
		}
		remaining = trim(remaining[cut:])
	}
	if len(remaining) > 0 {
		segments = append(segments, string(remaining))
	}
	return segments
}

// boundary returns the cut index after the right-most boundary inside the
// first limit runes of text, or 0 when there is none. len(text) > limit.
func boundary(text []rune, limit int) int {
	for i := limit - 1; i >= 0; i-- {
		r := text[i]
		switch {
		case r == '\n':
			return i + 1
		case isTerminator(r) && unicode.IsSpace(text[i+1]):
			return i + 1
		case r == ';' && text[i+1] == ' ':
			return i + 1
		}
	}
	return 0
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func trim(r []rune) []rune {
	start, end := 0, len(r)
	for start < end && unicode.IsSpace(r[start]) {
		start++
	}
	for end > start && unicode.IsSpace(r[end-1]) {
		end--
	}
	return r[start:end]
}

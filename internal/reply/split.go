package reply

import (
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// Split cuts text into chunks of at most max characters. It breaks after the
// last whitespace that fits and falls back to a hard cut at a grapheme
// boundary for words longer than max. Nothing is trimmed, so the chunks
// concatenate back to text. A single grapheme wider than max gets its own chunk.
func Split(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var (
		chunks    []string
		start     int // byte offset of the current chunk
		count     int // runes in text[start:from]
		lastBreak = -1
	)

	g := uniseg.NewGraphemes(text)
	for g.Next() {
		from, to := g.Positions()
		n := utf8.RuneCountInString(text[from:to])

		for count > 0 && count+n > max {
			cut := from
			if lastBreak > start {
				cut = lastBreak
			}
			chunks = append(chunks, text[start:cut])
			start = cut
			count = utf8.RuneCountInString(text[start:from])
			lastBreak = -1
		}

		count += n
		if r, _ := utf8.DecodeRuneInString(text[from:to]); unicode.IsSpace(r) {
			lastBreak = to
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

// Package reply renders replies for WhatsApp: Markdown is normalized to
// WhatsApp markup once, then split into delivery-sized chunks.
package reply

import "strings"

// DefaultMaxChunk is Twilio's WhatsApp body limit.
const DefaultMaxChunk = 1600

// Formatter turns reply text into ordered chunks.
type Formatter struct {
	maxChunk int
}

func NewFormatter(maxChunk int) *Formatter {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	return &Formatter{maxChunk: maxChunk}
}

// MaxChunk returns the chunk limit in characters.
func (f *Formatter) MaxChunk() int { return f.maxChunk }

// Format normalizes text as a whole and splits the result.
func (f *Formatter) Format(text string) []string {
	return Split(Normalize(text), f.maxChunk)
}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`~`, `\~`,
	`[`, `\[`,
	`]`, `\]`,
	`<`, `\<`,
	`>`, `\>`,
	`#`, `\#`,
)

// Escape quotes s so it survives Normalize unchanged.
func Escape(s string) string {
	return mdEscaper.Replace(s)
}

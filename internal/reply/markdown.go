package reply

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Normalize renders Markdown as WhatsApp markup:
// **bold** → *bold*, *em* / _em_ → _em_, ~~del~~ → ~del~, headings → *Heading*,
// bullets → "• ", links → "text (url)". Code keeps its backticks.
func Normalize(src string) string {
	if strings.TrimSpace(src) == "" {
		return src
	}
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	walkBlock(doc, source, &buf)
	return strings.TrimRight(buf.String(), "\n")
}

func walkBlock(node ast.Node, source []byte, buf *bytes.Buffer) {
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		renderBlock(c, source, buf)
	}
}

func renderBlock(node ast.Node, source []byte, buf *bytes.Buffer) {
	switch n := node.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		buf.WriteString(collectInline(n, source))
		buf.WriteString("\n")

	case *ast.Heading:
		inline := collectInline(n, source)
		if inline != "" {
			buf.WriteString("*" + inline + "*")
		}
		buf.WriteString("\n")

	case *ast.FencedCodeBlock:
		buf.WriteString("```")
		buf.Write(n.Language(source))
		buf.WriteString("\n")
		writeLines(n.Lines(), source, buf)
		endLine(buf)
		buf.WriteString("```\n")

	case *ast.CodeBlock:
		buf.WriteString("```\n")
		writeLines(n.Lines(), source, buf)
		endLine(buf)
		buf.WriteString("```\n")

	case *ast.List:
		renderList(n, source, buf, 0)

	case *ast.Blockquote:
		var inner bytes.Buffer
		walkBlock(n, source, &inner)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			buf.WriteString("> " + line + "\n")
		}

	case *ast.ThematicBreak:
		buf.WriteString("---\n")

	case *ast.HTMLBlock:
		writeLines(n.Lines(), source, buf)
		if n.HasClosure() {
			buf.Write(n.ClosureLine.Value(source))
		}

	default:
		walkBlock(node, source, buf)
		return
	}

	if node.NextSibling() != nil {
		buf.WriteString("\n")
	}
}

func writeLines(lines *text.Segments, source []byte, buf *bytes.Buffer) {
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		buf.Write(line.Value(source))
	}
}

func endLine(buf *bytes.Buffer) {
	if b := buf.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
		buf.WriteByte('\n')
	}
}

func renderList(list *ast.List, source []byte, buf *bytes.Buffer, depth int) {
	indent := strings.Repeat("  ", depth)
	num := list.Start

	for c := list.FirstChild(); c != nil; c = c.NextSibling() {
		item, ok := c.(*ast.ListItem)
		if !ok {
			continue
		}
		marker := "• "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}

		var content bytes.Buffer
		for ic := item.FirstChild(); ic != nil; ic = ic.NextSibling() {
			switch in := ic.(type) {
			case *ast.Paragraph, *ast.TextBlock:
				if content.Len() > 0 {
					content.WriteString("\n")
				}
				content.WriteString(collectInline(in, source))
			case *ast.List:
				if content.Len() > 0 {
					writeListItem(buf, indent, marker, content.String())
					content.Reset()
				}
				renderList(in, source, buf, depth+1)
				marker = strings.Repeat(" ", utf8.RuneCountInString(marker))
			default:
				var block bytes.Buffer
				renderBlock(ic, source, &block)
				content.WriteString(strings.TrimRight(block.String(), "\n"))
			}
		}
		if content.Len() > 0 {
			writeListItem(buf, indent, marker, content.String())
		}
		if !list.IsTight && item.NextSibling() != nil {
			buf.WriteString("\n")
		}
	}
}

// writeListItem prefixes the first line with the marker and aligns the rest under it.
func writeListItem(buf *bytes.Buffer, indent, marker, content string) {
	continuation := indent + strings.Repeat(" ", utf8.RuneCountInString(marker))
	for i, line := range strings.Split(content, "\n") {
		if i == 0 {
			buf.WriteString(indent + marker + line + "\n")
			continue
		}
		buf.WriteString(continuation + line + "\n")
	}
}

func collectInline(node ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		renderInline(c, source, &buf)
	}
	return buf.String()
}

func renderInline(node ast.Node, source []byte, buf *bytes.Buffer) {
	switch n := node.(type) {
	case *ast.Text:
		buf.Write(util.UnescapePunctuations(n.Segment.Value(source)))
		if n.HardLineBreak() || n.SoftLineBreak() {
			buf.WriteByte('\n')
		}

	case *ast.String:
		buf.Write(n.Value)

	case *ast.Emphasis:
		inner := collectInline(n, source)
		if n.Level >= 2 {
			buf.WriteString("*" + inner + "*")
		} else {
			buf.WriteString("_" + inner + "_")
		}

	case *extast.Strikethrough:
		buf.WriteString("~" + collectInline(n, source) + "~")

	case *ast.CodeSpan:
		buf.WriteString("`")
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch t := c.(type) {
			case *ast.Text:
				buf.Write(t.Segment.Value(source))
				if t.SoftLineBreak() {
					buf.WriteByte(' ')
				}
			case *ast.String:
				buf.Write(t.Value)
			}
		}
		buf.WriteString("`")

	case *ast.Link:
		label := collectInline(n, source)
		url := string(n.Destination)
		if label == "" || label == url {
			buf.WriteString(url)
		} else {
			buf.WriteString(label + " (" + url + ")")
		}

	case *ast.AutoLink:
		buf.Write(n.URL(source))

	case *ast.Image:
		alt := collectInline(n, source)
		if alt != "" {
			buf.WriteString(alt + " ")
		}
		buf.WriteString("(" + string(n.Destination) + ")")

	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			buf.Write(seg.Value(source))
		}

	default:
		buf.WriteString(collectInline(n, source))
	}
}

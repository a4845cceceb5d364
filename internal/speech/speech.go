// Package speech flattens assistant markdown into plain text a voice
// client can read aloud.
package speech

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements that end a spoken line.
var lineBreakAfter = map[atom.Atom]bool{
	atom.P:          true,
	atom.Li:         true,
	atom.Br:         true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Blockquote: true,
	atom.Tr:         true,
}

// Flatten renders markdown and strips the markup. Link text survives
// without its URL, emphasis loses its asterisks, and fenced code
// blocks collapse to a placeholder since reading code aloud helps
// nobody.
func Flatten(markdown string) string {
	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &rendered); err != nil {
		return strings.TrimSpace(markdown)
	}
	doc, err := html.Parse(&rendered)
	if err != nil {
		return strings.TrimSpace(markdown)
	}
	var b strings.Builder
	speak(&b, doc)
	return collapse(b.String())
}

func speak(b *strings.Builder, n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Pre:
			b.WriteString("code omitted.\n")
			return
		case atom.Img:
			for _, a := range n.Attr {
				if a.Key == "alt" && a.Val != "" {
					b.WriteString(a.Val)
				}
			}
			return
		}
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		speak(b, c)
	}
	if n.Type == html.ElementNode && lineBreakAfter[n.DataAtom] {
		b.WriteByte('\n')
	}
}

func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

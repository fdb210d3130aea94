package engine

import (
	"strings"

	"golang.org/x/net/html"
)

// skipElements is the set of HTML elements whose subtrees carry no
// readable text for an inlined attachment body. head is included since
// html.Parse synthesizes one for a bare document fragment.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"footer":   true,
	"aside":    true,
	"svg":      true,
	"iframe":   true,
	"head":     true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "blockquote": true, "pre": true,
	"section": true, "article": true, "header": true, "main": true,
}

// stripHTML extracts visible text from an HTML attachment body so the
// content read by the model is prose, not markup. It walks the parsed DOM
// rather than the raw token stream, which lets it fold an anchor's href
// into the output next to its link text instead of discarding it — a
// reader following up on an inlined document still needs to know what a
// link pointed to.
func stripHTML(body []byte) string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}
	var sb strings.Builder
	walkNode(doc, &sb)
	return strings.TrimSpace(collapseWhitespace(sb.String()))
}

func walkNode(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skipElements[n.Data] {
		return
	}

	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteByte(' ')
		}
		return
	}

	if n.Type == html.ElementNode && n.Data == "a" {
		if href, text := attrValue(n, "href"), collectText(n); href != "" && text != "" {
			sb.WriteString(text)
			sb.WriteString(" (")
			sb.WriteString(href)
			sb.WriteString(") ")
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNode(c, sb)
	}

	if n.Type == html.ElementNode && blockElements[n.Data] {
		sb.WriteByte('\n')
	}
}

// collectText flattens an element's text nodes, ignoring any further
// nested structure — used to render an anchor's visible label.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapseWhitespace reduces runs of whitespace to a single space per line
// and collapses multiple blank lines into at most one.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var result []string
	blankCount := 0
	for _, line := range lines {
		trimmed := strings.Join(strings.Fields(line), " ")
		if trimmed == "" {
			blankCount++
			if blankCount <= 1 {
				result = append(result, "")
			}
			continue
		}
		blankCount = 0
		result = append(result, trimmed)
	}
	return strings.Join(result, "\n")
}

package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/width"
)

// Elements whose content is never visible to the reader. They are dropped with
// everything inside before any text is collected, so a <title> order number,
// CSS colours like #4138 or digits inside scripts never surface as candidates.
const hiddenElements = "head, script, style, noscript, template"

var invisibleRunes = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
	"<", " ",
	">", " ",
)

// VisibleText returns the normalized subject followed by the normalized body
func VisibleText(subject, body string) string {
	return strings.TrimSpace(Normalize(subject) + " " + Normalize(body))
}

// Normalize turns an HTML or plain-text body into a single line of visible text.
// It never fails: markup the parser cannot make sense of is treated as text.
func Normalize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	text := raw
	if looksLikeMarkup(raw) {
		text = visibleMarkupText(raw)
	}

	return collapse(text)
}

func looksLikeMarkup(s string) bool {
	return strings.ContainsRune(s, '<') || strings.ContainsRune(s, '&')
}

func visibleMarkupText(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	doc.Find(hiddenElements).Remove()

	var b strings.Builder
	for _, n := range doc.Nodes {
		collectText(&b, n)
	}
	return b.String()
}

// collectText walks the tree and separates text nodes with a space so that
// "<td>12</td><td>3456</td>" never fuses into one digit run.
func collectText(b *strings.Builder, n *html.Node) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c)
	}
}

func collapse(s string) string {
	s = width.Narrow.String(s)
	s = invisibleRunes.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

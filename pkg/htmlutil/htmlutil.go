package htmlutil

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("authcrawl.pkg.htmlutil")

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer, false)
	return buffer.String()
}

// elements whose text never renders
var invisibleElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// blockElements get a line break after them so paragraphs don't run together
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "table": true,
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer, visibleOnly bool) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		if visibleOnly {
			buffer.WriteString(anyWhitespace.ReplaceAllString(node.Data, " "))
			return
		}
		buffer.WriteString(node.Data)
		return
	}
	if visibleOnly && node.Type == html.ElementNode && invisibleElements[node.Data] {
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer, visibleOnly)
		child = child.NextSibling
	}
	if visibleOnly && node.Type == html.ElementNode && blockElements[node.Data] {
		buffer.WriteByte('\n')
	}
}

var (
	anyWhitespace   = regexp.MustCompile(`\s+`)
	innerWhitespace = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines      = regexp.MustCompile(`\n\s*\n+`)
)

// VisibleText returns the rendered text of a document, skipping scripts and styles and collapsing whitespace.
// This is what gets handed to extraction providers as page content.
func VisibleText(doc *goquery.Document) string {
	var buffer bytes.Buffer
	for _, n := range doc.Nodes {
		getTextRecursive(n, &buffer, true)
	}
	text := innerWhitespace.ReplaceAllString(buffer.String(), " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

type Anchor struct {
	Name string
	Href string
}

var anchorWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// GetAnchors collects the anchors in a selection, resolving hrefs against base when it is not nil.
func GetAnchors(ctx context.Context, sel *goquery.Selection, base *url.URL) []Anchor {
	_, span := tracer.Start(ctx, "GetAnchors")
	defer span.End()

	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		href := ""
		for _, a := range n.Attr {
			if a.Key == "href" {
				href = a.Val
				break
			}
		}
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			continue
		}

		link, err := url.Parse(href)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			continue
		}
		if base != nil {
			link = base.ResolveReference(link)
		}

		name := GetText(n)
		name = removeNonPrintable(name)
		name = strings.Trim(name, " \t\n")
		name = anchorWhitespace.ReplaceAllString(name, " ")

		linkStr := link.String()
		anchors = append(anchors, Anchor{
			Name: name,
			Href: linkStr,
		})
		span.AddEvent("anchor", trace.WithAttributes(
			attribute.String("name", name),
			attribute.String("url", linkStr),
		))
	}

	return anchors
}

package extractor

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeText returns data as UTF-8. A byte-order mark selects UTF-8 or
// UTF-16; otherwise valid UTF-8 is taken as is and anything else is read as
// Windows-1252, which accepts every byte.
func decodeText(data []byte) (string, error) {
	if hasBOM(data) {
		out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
		if err != nil {
			return "", fmt.Errorf("decode text: %w", err)
		}
		return string(out), nil
	}
	if utf8.Valid(data) {
		return string(data), nil
	}

	out, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), data)
	if err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	return string(out), nil
}

func hasBOM(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) ||
		bytes.HasPrefix(data, []byte{0xFF, 0xFE}) ||
		bytes.HasPrefix(data, []byte{0xFE, 0xFF})
}

// extractMarkdown renders markdown to HTML and keeps only the visible text,
// dropping syntax such as emphasis markers and link targets.
func extractMarkdown(data []byte) (string, error) {
	src, err := decodeText(data)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return "", fmt.Errorf("parse rendered markdown: %w", err)
	}
	return blockText(doc.Find("body")), nil
}

var contentSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".documentation",
	"#documentation",
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

func extractHTML(data []byte) (string, error) {
	src, err := decodeText(data)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	content := doc.Find("body")
	for _, selector := range contentSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.First()
			break
		}
	}

	text := blockText(content)
	for _, pattern := range noisePatterns {
		text = strings.ReplaceAll(text, pattern, "")
	}
	return text, nil
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "pre": true, "blockquote": true,
	"table": true, "tr": true, "br": true, "hr": true, "dt": true, "dd": true,
}

var inlineSpace = regexp.MustCompile(`\s+`)

// blockText flattens a selection to text, ending a line after every block
// element and separating table cells with " | ".
func blockText(sel *goquery.Selection) string {
	var sb strings.Builder
	sel.Each(func(_ int, s *goquery.Selection) {
		writeNodeText(&sb, s, false)
	})
	return sb.String()
}

func writeNodeText(sb *strings.Builder, sel *goquery.Selection, pre bool) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch name {
		case "#text":
			if pre {
				sb.WriteString(c.Text())
			} else {
				sb.WriteString(inlineSpace.ReplaceAllString(c.Text(), " "))
			}
			return
		case "#comment", "script", "style":
			return
		case "td", "th":
			if c.Prev().Length() > 0 {
				sb.WriteString(" | ")
			}
		}

		writeNodeText(sb, c, pre || name == "pre")

		if blockElements[name] {
			switch name {
			case "p", "pre", "blockquote", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteString("\n\n")
			default:
				sb.WriteByte('\n')
			}
		}
	})
}

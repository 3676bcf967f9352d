// Package markdown inspects Markdown documents for the images a conversion
// job will process.
package markdown

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Image is one image reference found in a document.
type Image struct {
	Destination string
	Alt         string
	Title       string
	// HTML is true for <img> tags embedded as raw HTML.
	HTML bool
}

// Remote reports whether the image points at an http(s) URL.
func (i Image) Remote() bool {
	d := strings.ToLower(i.Destination)
	return strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://")
}

// Summary lists the images of a document in source order.
type Summary struct {
	Images []Image
}

// Count returns the number of image references.
func (s Summary) Count() int { return len(s.Images) }

// RemoteCount returns how many images reference http(s) URLs.
func (s Summary) RemoteCount() int {
	n := 0
	for _, img := range s.Images {
		if img.Remote() {
			n++
		}
	}
	return n
}

var mdParser = goldmark.New(goldmark.WithExtensions(extension.GFM)).Parser()

// Inspect parses src as GitHub-flavoured Markdown and collects image
// references, including <img> tags in raw HTML.
func Inspect(src []byte) Summary {
	doc := mdParser.Parse(text.NewReader(src))
	var sum Summary
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Image:
			sum.Images = append(sum.Images, Image{
				Destination: string(node.Destination),
				Alt:         plainText(node, src),
				Title:       string(node.Title),
			})
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			var buf bytes.Buffer
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			sum.Images = append(sum.Images, htmlImages(buf.Bytes())...)
		case *ast.RawHTML:
			var buf bytes.Buffer
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				buf.Write(seg.Value(src))
			}
			sum.Images = append(sum.Images, htmlImages(buf.Bytes())...)
		}
		return ast.WalkContinue, nil
	})
	return sum
}

func plainText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
			continue
		}
		buf.WriteString(plainText(c, src))
	}
	return buf.String()
}

// htmlImages returns the <img> elements with a non-empty src in a raw HTML
// fragment.
func htmlImages(raw []byte) []Image {
	if !bytes.Contains(bytes.ToLower(raw), []byte("<img")) {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	var out []Image
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if strings.TrimSpace(src) == "" {
			return
		}
		alt, _ := sel.Attr("alt")
		out = append(out, Image{Destination: src, Alt: alt, HTML: true})
	})
	return out
}

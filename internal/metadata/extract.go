// Package metadata pulls title, meta tags and SEO keywords out of page markup.
package metadata

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
)

const maxValueLen = 1024

// Extract parses markup and returns its metadata. Unparseable or empty markup
// yields the default result. The markup itself is never retained.
func Extract(markup string) lead.EnrichmentResult {
	out := lead.DefaultEnrichment()
	if strings.TrimSpace(markup) == "" {
		return out
	}
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return out
	}

	var keywords []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if _, ok := out.Metadata["title"]; !ok {
					if t := collapse(textOf(n)); t != "" {
						out.Metadata["title"] = t
					}
				}
			case atom.Meta:
				key, content := metaPair(n)
				if key == "" || content == "" {
					break
				}
				if key == "keywords" {
					keywords = append(keywords, content)
				}
				if _, ok := out.Metadata[key]; !ok {
					out.Metadata[key] = content
				}
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	out.SEOKeywords = SplitKeywords(strings.Join(keywords, ","))
	return out
}

// metaPair returns the lower-cased key (name, property or http-equiv) and the
// collapsed content of a <meta> element.
func metaPair(n *html.Node) (string, string) {
	var key, content string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "name", "property", "itemprop":
			if key == "" {
				key = a.Val
			}
		case "http-equiv":
			if key == "" {
				key = "http-equiv:" + a.Val
			}
		case "content":
			content = a.Val
		}
	}
	return strings.ToLower(strings.TrimSpace(key)), truncate(collapse(content))
}

func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// SplitKeywords splits a comma separated keyword list, trimming entries,
// dropping empties and case-insensitive duplicates while keeping first-seen order.
func SplitKeywords(raw string) []string {
	out := []string{}
	seen := make(map[string]struct{})
	for _, k := range strings.Split(raw, ",") {
		k = collapse(k)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	if len(s) <= maxValueLen {
		return s
	}
	cut := maxValueLen
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

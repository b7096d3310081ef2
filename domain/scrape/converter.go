package scrape

import (
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var excessiveBlankLines = regexp.MustCompile(`\n{4,}`)

// chromeTags are layout/boilerplate elements stripped before conversion when
// the page has no <main>/<article> landmark.
var chromeTags = []string{
	"nav", "header", "footer", "aside", "script", "style", "noscript",
	"object", "embed", "form",
}

// chromeClasses catch boilerplate containers by their common class names.
var chromeClasses = []string{
	"nav", "navbar", "navigation", "sidebar", "menu", "breadcrumb",
	"footer", "header", "cookie-banner", "ad", "advertisement",
	"social", "share", "related", "comments",
}

// Page is the extraction-ready form of a scraped document.
type Page struct {
	Title    string
	Markdown string
	Links    []string
}

// Converter turns rendered HTML into markdown the chunker can section, and
// collects same-host links for crawling.
type Converter struct {
	md *md.Converter
}

func NewConverter() *Converter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Converter{md: conv}
}

// Convert extracts the page title, the main content as markdown, and the
// same-host links of the document. baseURL resolves relative hrefs.
func (c *Converter) Convert(htmlContent, baseURL string) (*Page, error) {
	doc, parseErr := html.Parse(strings.NewReader(htmlContent))

	page := &Page{}
	content := htmlContent
	if parseErr == nil {
		page.Title = documentTitle(doc)
		page.Links = sameHostLinks(doc, baseURL)
		content = mainContent(doc, htmlContent)
	}

	markdown, err := c.md.ConvertString(content)
	if err != nil {
		return nil, err
	}
	page.Markdown = tidyMarkdown(markdown)

	if page.Title == "" {
		page.Title = firstHeading(page.Markdown)
	}
	return page, nil
}

func documentTitle(doc *html.Node) string {
	node := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil
	})
	if node == nil {
		return ""
	}
	return strings.TrimSpace(node.FirstChild.Data)
}

// mainContent prefers a <main>/<article>/[role=main] landmark; without one it
// strips page chrome and uses the body.
func mainContent(doc *html.Node, fallback string) string {
	for _, matcher := range []func(*html.Node) bool{
		elementMatcher("main"),
		elementMatcher("article"),
		attrMatcher("role", "main"),
	} {
		if node := findNode(doc, matcher); node != nil {
			return renderNode(node)
		}
	}

	removeNodes(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, tag := range chromeTags {
			if n.Data == tag {
				return true
			}
		}
		return hasChromeClass(n)
	})

	if body := findNode(doc, elementMatcher("body")); body != nil {
		return renderNode(body)
	}
	return fallback
}

func elementMatcher(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func attrMatcher(key, val string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, a := range n.Attr {
			if a.Key == key && a.Val == val {
				return true
			}
		}
		return false
	}
}

func hasChromeClass(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, cls := range strings.Fields(strings.ToLower(a.Val)) {
			for _, chrome := range chromeClasses {
				if cls == chrome {
					return true
				}
			}
		}
	}
	return false
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func removeNodes(root *html.Node, match func(*html.Node) bool) {
	var doomed []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			doomed = append(doomed, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	for _, n := range doomed {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func renderNode(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}

// sameHostLinks collects absolute same-host hrefs, deduplicated in document
// order, fragments stripped. Cross-host and non-http links are crawl
// boundaries.
func sameHostLinks(doc *html.Node, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(a.Val))
				if err != nil {
					continue
				}
				resolved := base.ResolveReference(ref)
				if resolved.Scheme != "http" && resolved.Scheme != "https" {
					continue
				}
				if resolved.Host != base.Host {
					continue
				}
				resolved.Fragment = ""
				link := resolved.String()
				if link == baseURL {
					continue
				}
				if _, dup := seen[link]; dup {
					continue
				}
				seen[link] = struct{}{}
				links = append(links, link)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func tidyMarkdown(content string) string {
	content = excessiveBlankLines.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstHeading(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

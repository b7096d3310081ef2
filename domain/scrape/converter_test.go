package scrape

import (
	"strings"
	"testing"
)

func TestConvertUsesMainLandmark(t *testing.T) {
	page, err := NewConverter().Convert(`<html>
<head><title>Acme Pricing</title></head>
<body>
	<nav><a href="/about">About</a></nav>
	<main><h1>Plans</h1><p>Starter is free.</p></main>
	<footer>Copyright</footer>
</body></html>`, "https://acme.example/pricing")
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if page.Title != "Acme Pricing" {
		t.Errorf("Title = %q, want Acme Pricing", page.Title)
	}
	if !strings.Contains(page.Markdown, "# Plans") {
		t.Errorf("Markdown missing heading: %q", page.Markdown)
	}
	if !strings.Contains(page.Markdown, "Starter is free.") {
		t.Errorf("Markdown missing body text: %q", page.Markdown)
	}
	if strings.Contains(page.Markdown, "Copyright") {
		t.Errorf("Markdown contains footer chrome: %q", page.Markdown)
	}
}

func TestConvertStripsChromeWithoutLandmark(t *testing.T) {
	page, err := NewConverter().Convert(`<html><body>
	<div class="navbar dark">Home | Docs</div>
	<h1>Install</h1>
	<p>Run the installer.</p>
	<div class="cookie-banner">We use cookies</div>
</body></html>`, "https://acme.example/docs")
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if strings.Contains(page.Markdown, "Home | Docs") {
		t.Errorf("Markdown contains navbar: %q", page.Markdown)
	}
	if strings.Contains(page.Markdown, "cookies") {
		t.Errorf("Markdown contains cookie banner: %q", page.Markdown)
	}
	if !strings.Contains(page.Markdown, "Run the installer.") {
		t.Errorf("Markdown missing content: %q", page.Markdown)
	}
	// no <title>: first heading becomes the title
	if page.Title != "Install" {
		t.Errorf("Title = %q, want Install", page.Title)
	}
}

func TestConvertCollectsSameHostLinks(t *testing.T) {
	page, err := NewConverter().Convert(`<html><body><main>
	<a href="/pricing">Pricing</a>
	<a href="/pricing#faq">Pricing FAQ</a>
	<a href="https://acme.example/docs">Docs</a>
	<a href="https://other.example/elsewhere">Elsewhere</a>
	<a href="mailto:sales@acme.example">Sales</a>
	<a href="/pricing">Pricing again</a>
</main></body></html>`, "https://acme.example/")
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	want := []string{
		"https://acme.example/pricing",
		"https://acme.example/docs",
	}
	if len(page.Links) != len(want) {
		t.Fatalf("Links = %v, want %v", page.Links, want)
	}
	for i, link := range want {
		if page.Links[i] != link {
			t.Errorf("Links[%d] = %q, want %q", i, page.Links[i], link)
		}
	}
}

func TestConvertSkipsBaseURLSelfLink(t *testing.T) {
	page, err := NewConverter().Convert(
		`<html><body><a href="/pricing">here</a><a href="#top">top</a></body></html>`,
		"https://acme.example/pricing")
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if len(page.Links) != 0 {
		t.Errorf("Links = %v, want none (self links only)", page.Links)
	}
}

func TestConvertTablesSurvive(t *testing.T) {
	page, err := NewConverter().Convert(`<html><body><main>
	<table><tr><th>Plan</th><th>Price</th></tr><tr><td>Pro</td><td>$20</td></tr></table>
</main></body></html>`, "https://acme.example/pricing")
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if !strings.Contains(page.Markdown, "| Plan | Price |") {
		t.Errorf("Markdown missing GFM table: %q", page.Markdown)
	}
}

func TestTidyMarkdownCollapsesBlankRuns(t *testing.T) {
	got := tidyMarkdown("a\n\n\n\n\n\nb\n\n")
	if strings.Contains(got, "\n\n\n\n") {
		t.Errorf("blank run not collapsed: %q", got)
	}
	if !strings.HasSuffix(got, "b") {
		t.Errorf("trailing whitespace kept: %q", got)
	}
}

package scraper

import (
	"fmt"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/htmlindex"
)

// standardHeaders are sent on every scrape. User-Agent, Accept-Language and
// Accept-Encoding are deliberately absent: the browser supplies those and a
// mismatch is an easy fingerprint.
var standardHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"Upgrade-Insecure-Requests": "1",
}

// fingerprintHeaders are stripped from caller-supplied header maps.
var fingerprintHeaders = map[string]struct{}{
	"user-agent":      {},
	"accept-language": {},
	"accept-encoding": {},
}

// blockedAdDomains are aborted at the network layer. Ad and tracking calls
// slow page settle and occasionally hijack navigation.
var blockedAdDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"google-analytics.com",
	"googletagmanager.com",
	"adnxs.com",
	"adsrvr.org",
	"amazon-adsystem.com",
	"criteo.com",
	"taboola.com",
	"outbrain.com",
	"scorecardresearch.com",
	"quantserve.com",
	"facebook.net",
	"hotjar.com",
}

// mergeHeaders flattens standard + caller headers into the key/value pair
// list the devtools protocol expects, dropping fingerprint headers.
func mergeHeaders(caller map[string]string) []string {
	merged := make(map[string]string, len(standardHeaders)+len(caller))
	for k, v := range standardHeaders {
		merged[k] = v
	}
	for k, v := range caller {
		if _, drop := fingerprintHeaders[strings.ToLower(k)]; drop {
			continue
		}
		merged[k] = v
	}

	pairs := make([]string, 0, len(merged)*2)
	for k, v := range merged {
		pairs = append(pairs, k, v)
	}
	return pairs
}

// isAdURL reports whether the URL's host belongs to the blocked ad list.
func isAdURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range blockedAdDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// pageErrors maps common failure statuses to operator-readable text.
var pageErrors = map[int]string{
	301: "Moved permanently",
	302: "Found (redirect)",
	400: "Bad request",
	401: "Unauthorized",
	403: "Forbidden - site may be blocking automated access",
	404: "Page not found",
	405: "Method not allowed",
	408: "Request timeout",
	410: "Gone",
	429: "Too many requests - rate limited",
	500: "Internal server error",
	502: "Bad gateway",
	503: "Service unavailable",
	504: "Gateway timeout",
}

// pageError returns human-readable text for any status >= 300, empty
// otherwise.
func pageError(status int) string {
	if status < 300 {
		return ""
	}
	if msg, ok := pageErrors[status]; ok {
		return msg
	}
	switch {
	case status < 400:
		return fmt.Sprintf("Redirect (%d)", status)
	case status < 500:
		return fmt.Sprintf("Client error (%d)", status)
	default:
		return fmt.Sprintf("Server error (%d)", status)
	}
}

// isTextualContent reports whether the response should be returned as a
// decoded body instead of rendered DOM.
func isTextualContent(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if mt == "text/plain" || mt == "application/json" {
		return true
	}
	return strings.HasSuffix(mt, "+json")
}

// decodeBody decodes raw bytes per the content-type charset parameter.
// Unknown or missing charsets fall back to UTF-8 with replacement of
// invalid sequences.
func decodeBody(raw []byte, contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
			if enc, err := htmlindex.Get(cs); err == nil {
				if decoded, err := enc.NewDecoder().Bytes(raw); err == nil {
					return string(decoded)
				}
			}
		}
	}
	return strings.ToValidUTF8(string(raw), "�")
}

// extractBody returns the inner HTML of the document's <body>, or the whole
// input when no body element parses out. Used when inlining iframe content.
func extractBody(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}

	body := findElement(root, "body")
	if body == nil {
		return doc
	}

	var sb strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return doc
		}
	}
	return sb.String()
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// sameDocumentURL reports whether a discovered URL is just the base page
// (ignoring fragments), which is never worth following.
func sameDocumentURL(raw, base string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	u.Fragment, b.Fragment = "", ""
	return u.String() == b.String()
}

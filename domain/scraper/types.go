// Package scraper renders pages with anti-bot evasion, multiplexing many
// concurrent scrapes across a small pool of long-lived browser instances.
package scraper

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Request describes one page render.
type Request struct {
	URL string `json:"url"`

	// Timeout in seconds for the whole scrape; 0 uses the service default.
	Timeout int `json:"timeout,omitempty"`

	// WaitAfterLoad is an extra settle delay in milliseconds applied after
	// the readiness tiers complete.
	WaitAfterLoad int `json:"wait_after_load,omitempty"`

	// Headers are merged over the standard set. User-Agent, Accept-Language
	// and Accept-Encoding are dropped: those belong to the browser
	// fingerprint.
	Headers map[string]string `json:"headers,omitempty"`

	// CheckSelector, when set, must appear in the DOM before content is
	// captured.
	CheckSelector string `json:"check_selector,omitempty"`

	SkipTLSVerification bool `json:"skip_tls_verification,omitempty"`

	// DiscoverAjax clicks a curated selector set and records XHR/fetch URLs
	// triggered by the clicks.
	DiscoverAjax bool `json:"discover_ajax,omitempty"`
}

// Result is the outcome of a scrape. PageStatusCode is 0 when the navigation
// produced no response object.
type Result struct {
	Content        string   `json:"content"`
	PageStatusCode int      `json:"pageStatusCode"`
	PageError      string   `json:"pageError,omitempty"`
	ContentType    string   `json:"contentType,omitempty"`
	DiscoveredURLs []string `json:"discoveredUrls,omitempty"`
}

// Validate rejects anything but absolute http/https URLs. Other schemes
// (file, gopher, chrome, ...) would let callers reach into the host.
func (r *Request) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// EffectiveTimeout resolves the caller timeout against the service default.
func (r *Request) EffectiveTimeout(def time.Duration) time.Duration {
	if r.Timeout > 0 {
		return time.Duration(r.Timeout) * time.Second
	}
	return def
}

// Browser is one pool slot. The production implementation drives a rod
// browser; pool tests substitute fakes.
type Browser interface {
	// Scrape renders one page in a fresh browsing context.
	Scrape(ctx context.Context, req *Request) (*Result, error)

	// Healthy reports whether the underlying browser connection is alive.
	Healthy() bool

	Close() error
}

// Factory launches a new Browser for a pool slot.
type Factory func(ctx context.Context) (Browser, error)

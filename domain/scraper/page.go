package scraper

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// ErrSelectorNotFound is returned when a caller-supplied check_selector never
// appears in the DOM.
var ErrSelectorNotFound = errors.New("Required selector not found")

const (
	domStableWindow    = 300 * time.Millisecond
	domStableTimeout   = 5 * time.Second
	networkIdleWindow  = 500 * time.Millisecond
	networkIdleTimeout = 10 * time.Second
	selectorTimeout    = 10 * time.Second
	maxStabilityRounds = 20
	maxClicksPerRule   = 5
)

// ajaxClickSelectors are interaction points likely to trigger XHR/fetch data
// loads without navigating away.
var ajaxClickSelectors = []string{
	`[role="tab"]`,
	`button[aria-expanded="false"]`,
	`.load-more`,
	`button.load-more`,
	`[data-toggle]`,
	`.accordion-header`,
	`.show-more`,
}

type navResponse struct {
	status      int
	contentType string
	requestID   proto.NetworkRequestID
}

// Scrape renders one page in a fresh incognito context. The page and its
// browsing context are torn down before returning.
func (b *rodBrowser) Scrape(ctx context.Context, req *Request) (res *Result, err error) {
	// rod occasionally panics when the devtools connection dies mid-call.
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("browser closed during scrape: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, req.EffectiveTimeout(b.cfg.DefaultTimeout()))
	defer cancel()

	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("creating browsing context: %w", err)
	}
	defer func() {
		_ = proto.TargetDisposeBrowserContext{
			BrowserContextID: incognito.BrowserContextID,
		}.Call(b.browser)
	}()

	page, err := stealth.Page(incognito)
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	page = page.Context(ctx)
	defer page.Close()

	if req.SkipTLSVerification {
		if err := (proto.SecuritySetIgnoreCertificateErrors{Ignore: true}).Call(page); err != nil {
			b.log.Warn("could not disable certificate checks", logger.Error(err))
		}
	}

	if _, err := page.SetExtraHeaders(mergeHeaders(req.Headers)); err != nil {
		return nil, fmt.Errorf("setting headers: %w", err)
	}

	router := page.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		if isAdURL(h.Request.URL().String()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}); err != nil {
		return nil, fmt.Errorf("installing request router: %w", err)
	}
	go router.Run()
	defer router.Stop() //nolint:errcheck

	// The document response event carries the status code and content type;
	// it has to be subscribed before navigation starts.
	respCh := make(chan navResponse, 1)
	go page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		nr := navResponse{status: e.Response.Status, requestID: e.RequestID}
		nr.contentType = e.Response.MIMEType
		for k, v := range e.Response.Headers {
			if strings.EqualFold(k, "content-type") {
				nr.contentType = v.Str()
			}
		}
		select {
		case respCh <- nr:
		default:
		}
		return true
	})()

	if err := page.Navigate(req.URL); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	b.waitReady(ctx, page)

	if req.WaitAfterLoad > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(req.WaitAfterLoad) * time.Millisecond):
		}
	}

	if req.CheckSelector != "" {
		if _, err := page.Timeout(selectorTimeout).Element(req.CheckSelector); err != nil {
			return nil, ErrSelectorNotFound
		}
	}

	var nav navResponse
	select {
	case nav = <-respCh:
	default:
		// No response object; reported as status 0.
	}

	result := &Result{
		PageStatusCode: nav.status,
		PageError:      pageError(nav.status),
		ContentType:    nav.contentType,
	}

	if req.DiscoverAjax {
		result.DiscoveredURLs = b.discoverAjax(ctx, page, req.URL)
	}

	if isTextualContent(nav.contentType) && nav.requestID != "" {
		body, err := proto.NetworkGetResponseBody{RequestID: nav.requestID}.Call(page)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		raw := []byte(body.Body)
		if body.Base64Encoded {
			if decoded, err := base64.StdEncoding.DecodeString(body.Body); err == nil {
				raw = decoded
			}
		}
		result.Content = decodeBody(raw, nav.contentType)
		return result, nil
	}

	b.inlineIframes(page)

	content, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("capturing page content: %w", err)
	}
	result.Content = content
	return result, nil
}

// waitReady runs the tiered readiness wait: a short DOM-stability window,
// then bounded network idle, then body-length stability sampling. All tiers
// are best-effort; a page that never settles is captured as-is.
func (b *rodBrowser) waitReady(ctx context.Context, page *rod.Page) {
	if err := page.Timeout(domStableTimeout).WaitDOMStable(domStableWindow, 0.1); err != nil {
		b.log.Debug("dom never stabilised", logger.Error(err))
	}

	wait := page.Timeout(networkIdleTimeout).WaitRequestIdle(networkIdleWindow, nil, nil, nil)
	wait()

	stable := 0
	lastLen := -1
	for round := 0; round < maxStabilityRounds && stable < b.cfg.StabilityChecks; round++ {
		if ctx.Err() != nil {
			return
		}
		obj, err := page.Eval(`() => document.body ? document.body.innerHTML.length : 0`)
		if err != nil {
			return
		}
		if n := obj.Value.Int(); n == lastLen {
			stable++
		} else {
			stable = 1
			lastLen = n
		}
		if stable >= b.cfg.StabilityChecks {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.StabilityInterval()):
		}
	}
}

// discoverAjax clicks the curated selector set and collects XHR/fetch URLs
// the clicks trigger, skipping the base document and ad calls.
func (b *rodBrowser) discoverAjax(ctx context.Context, page *rod.Page, baseURL string) []string {
	var mu sync.Mutex
	seen := make(map[string]struct{})

	go page.EachEvent(func(e *proto.NetworkRequestWillBeSent) bool {
		if e.Type != proto.NetworkResourceTypeXHR && e.Type != proto.NetworkResourceTypeFetch {
			return false
		}
		u := e.Request.URL
		if isAdURL(u) || sameDocumentURL(u, baseURL) {
			return false
		}
		mu.Lock()
		seen[u] = struct{}{}
		mu.Unlock()
		return false
	})()

	for _, sel := range ajaxClickSelectors {
		if ctx.Err() != nil {
			break
		}
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for i, el := range els {
			if i >= maxClicksPerRule || ctx.Err() != nil {
				break
			}
			if isNavigationLink(el) {
				continue
			}
			if err := el.Timeout(2 * time.Second).Click(proto.InputMouseButtonLeft, 1); err != nil {
				continue
			}
			select {
			case <-ctx.Done():
			case <-time.After(250 * time.Millisecond):
			}
		}
	}

	// Grace period for late responses to in-flight fetches.
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// isNavigationLink reports whether the element is a plain anchor that would
// navigate away rather than trigger an in-page data load.
func isNavigationLink(el *rod.Element) bool {
	obj, err := el.Eval(`() => this.tagName.toLowerCase()`)
	if err != nil || obj.Value.Str() != "a" {
		return false
	}
	href, err := el.Attribute("href")
	if err != nil || href == nil {
		return false
	}
	h := strings.TrimSpace(*href)
	return h != "" && !strings.HasPrefix(h, "#") && !strings.HasPrefix(h, "javascript:")
}

// inlineIframes replaces accessible same-origin iframes with their body
// content so the captured HTML is self-contained. Cross-origin frames are
// left untouched.
func (b *rodBrowser) inlineIframes(page *rod.Page) {
	els, err := page.Elements("iframe")
	if err != nil {
		return
	}
	for _, el := range els {
		frame, err := el.Frame()
		if err != nil {
			continue
		}
		frameHTML, err := frame.HTML()
		if err != nil {
			continue
		}
		if _, err := el.Eval(`(content) => {
			const div = document.createElement('div');
			div.setAttribute('data-inlined-iframe', this.src || '');
			div.innerHTML = content;
			this.replaceWith(div);
		}`, extractBody(frameHTML)); err != nil {
			b.log.Debug("iframe inline failed", logger.Error(err))
		}
	}
}

// Package discovery implements the five-step entry-point discovery
// fallback: given a bare Source URI, find the sitemap
// that kicks off processing, trying well-known, direct capability list,
// HTML link, HTTP Link header, and robots.txt in that order.
package discovery

import (
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/sitemap"
)

// Result is the outcome of a successful discovery: the sitemap document
// that was found plus the URI it was fetched from, so the caller can build
// the right root Processor around it.
type Result struct {
	URI        string
	Capability sitemap.Capability
	Document   *sitemap.Document
}

// Discoverer runs the five-step fallback against a single Source.
type Discoverer struct {
	fetcher *fetch.Fetcher
	log     *zap.SugaredLogger
}

// New returns a Discoverer that uses f to issue requests.
func New(f *fetch.Fetcher, log *zap.SugaredLogger) *Discoverer {
	return &Discoverer{fetcher: f, log: log.With("component", "discovery")}
}

// Discover attempts the five steps in order against the bare Source URI
// u, returning the first successful result. If all five
// fail, ok is false and the Runner should record a discovery failure.
func (d *Discoverer) Discover(u string) (res Result, ok bool) {
	if r, found := d.wellKnown(u); found {
		return r, true
	}
	if r, found := d.directCapabilityList(u); found {
		return r, true
	}
	if r, found := d.htmlLink(u); found {
		return r, true
	}
	if r, found := d.linkHeader(u); found {
		return r, true
	}
	if r, found := d.robotsTxt(u); found {
		return r, true
	}
	d.log.Infow("discovery exhausted all steps", "uri", u)
	return Result{}, false
}

// wellKnown is step 1: GET U/.well-known/resourcesync; success only if it
// parses as a description sitemap.
func (d *Discoverer) wellKnown(u string) (Result, bool) {
	target := strings.TrimSuffix(u, "/") + "/.well-known/resourcesync"
	_, body, err := d.fetcher.GetText(target)
	if err != nil {
		d.log.Debugw("well-known step failed", "uri", target, "err", err)
		return Result{}, false
	}
	doc, err := sitemap.Parse(body, sitemap.CapabilityDescription)
	if err != nil {
		d.log.Debugw("well-known step did not yield a description", "uri", target, "err", err)
		return Result{}, false
	}
	return Result{URI: target, Capability: sitemap.CapabilityDescription, Document: doc}, true
}

// directCapabilityList is step 2: GET U; success only if it parses as a
// capability list sitemap.
func (d *Discoverer) directCapabilityList(u string) (Result, bool) {
	_, body, err := d.fetcher.GetText(u)
	if err != nil {
		d.log.Debugw("direct capability list step failed", "uri", u, "err", err)
		return Result{}, false
	}
	doc, err := sitemap.Parse(body, sitemap.CapabilityCapabilityList)
	if err != nil {
		d.log.Debugw("direct capability list step did not match", "uri", u, "err", err)
		return Result{}, false
	}
	return Result{URI: u, Capability: sitemap.CapabilityCapabilityList, Document: doc}, true
}

// htmlLink is step 3: GET U, parse as HTML, find
// <link rel="resourcesync" href="..."> and fetch+parse that href as a
// capability list.
func (d *Discoverer) htmlLink(u string) (Result, bool) {
	_, body, err := d.fetcher.GetText(u)
	if err != nil {
		d.log.Debugw("HTML link step failed to fetch root", "uri", u, "err", err)
		return Result{}, false
	}

	href, found := findResourceSyncLink(body)
	if !found {
		return Result{}, false
	}

	_, capaBody, err := d.fetcher.GetText(href)
	if err != nil {
		d.log.Debugw("HTML link step failed to fetch href", "href", href, "err", err)
		return Result{}, false
	}
	doc, err := sitemap.Parse(capaBody, sitemap.CapabilityCapabilityList)
	if err != nil {
		d.log.Debugw("HTML link href did not parse as capability list", "href", href, "err", err)
		return Result{}, false
	}
	return Result{URI: href, Capability: sitemap.CapabilityCapabilityList, Document: doc}, true
}

// findResourceSyncLink walks the parsed HTML tree for the first
// <link rel="resourcesync" href="...">.
func findResourceSyncLink(body []byte) (href string, found bool) {
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", false
	}

	var walk func(*html.Node) (string, bool)
	walk = func(n *html.Node) (string, bool) {
		if n.Type == html.ElementNode && n.Data == "link" {
			var rel, h string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case "rel":
					rel = a.Val
				case "href":
					h = a.Val
				}
			}
			if strings.EqualFold(rel, "resourcesync") && h != "" {
				return h, true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if h, ok := walk(c); ok {
				return h, true
			}
		}
		return "", false
	}

	return walk(root)
}

// linkHeader is step 4: issue a fresh GET of U via Fetcher.GetWithHeader
// and inspect the Link header of that response. The response fetched in
// step 2 is not reused.
func (d *Discoverer) linkHeader(u string) (Result, bool) {
	_, _, header, err := d.fetcher.GetWithHeader(u)
	if err != nil {
		d.log.Debugw("Link header step failed to fetch root", "uri", u, "err", err)
		return Result{}, false
	}

	href, found := parseLinkHeader(header.Values("Link"))
	if !found {
		return Result{}, false
	}

	_, capaBody, err := d.fetcher.GetText(href)
	if err != nil {
		d.log.Debugw("Link header step failed to fetch href", "href", href, "err", err)
		return Result{}, false
	}
	doc, err := sitemap.Parse(capaBody, sitemap.CapabilityCapabilityList)
	if err != nil {
		d.log.Debugw("Link header href did not parse as capability list", "href", href, "err", err)
		return Result{}, false
	}
	return Result{URI: href, Capability: sitemap.CapabilityCapabilityList, Document: doc}, true
}

// parseLinkHeader finds rel="resourcesync" among one or more RFC 8288
// Link header values, each holding comma-separated "<uri>; param=value"
// entries.
func parseLinkHeader(values []string) (href string, found bool) {
	for _, v := range values {
		for _, entry := range splitLinkEntries(v) {
			uri, params := parseLinkEntry(entry)
			if uri == "" {
				continue
			}
			if strings.EqualFold(params["rel"], "resourcesync") {
				return uri, true
			}
		}
	}
	return "", false
}

// splitLinkEntries splits a Link header value on commas that separate
// distinct link-entries (not commas inside quoted parameter values).
func splitLinkEntries(v string) []string {
	var entries []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range v {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				entries = append(entries, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		entries = append(entries, cur.String())
	}
	return entries
}

// parseLinkEntry parses one "<uri>; rel=\"x\"; param=y" entry.
func parseLinkEntry(entry string) (uri string, params map[string]string) {
	params = make(map[string]string)
	parts := strings.Split(entry, ";")
	if len(parts) == 0 {
		return "", params
	}
	u := strings.TrimSpace(parts[0])
	u = strings.TrimPrefix(u, "<")
	u = strings.TrimSuffix(u, ">")
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[key] = val
	}
	return u, params
}

// robotsTxt is step 5: GET U/robots.txt, find the first "Sitemap:" line,
// fetch+parse it as a resource list sitemap.
func (d *Discoverer) robotsTxt(u string) (Result, bool) {
	target := strings.TrimSuffix(u, "/") + "/robots.txt"
	_, body, err := d.fetcher.GetText(target)
	if err != nil {
		d.log.Debugw("robots.txt step failed", "uri", target, "err", err)
		return Result{}, false
	}

	sitemapURI, found := firstSitemapLine(body)
	if !found {
		return Result{}, false
	}

	_, resBody, err := d.fetcher.GetText(sitemapURI)
	if err != nil {
		d.log.Debugw("robots.txt step failed to fetch sitemap", "uri", sitemapURI, "err", err)
		return Result{}, false
	}
	doc, err := sitemap.Parse(resBody, sitemap.CapabilityResourceList)
	if err != nil {
		d.log.Debugw("robots.txt sitemap did not parse as resource list", "uri", sitemapURI, "err", err)
		return Result{}, false
	}
	return Result{URI: sitemapURI, Capability: sitemap.CapabilityResourceList, Document: doc}, true
}

func firstSitemapLine(body []byte) (uri string, found bool) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "sitemap:") {
			continue
		}
		uri = strings.TrimSpace(line[len("sitemap:"):])
		if uri != "" {
			return uri, true
		}
	}
	return "", false
}

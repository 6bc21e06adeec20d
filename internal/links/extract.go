// Package links finds the canonical payment-platform landing URL in a
// solicitation, following tracking redirects where needed.
package links

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

var (
	urlRe     = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'\x60]+`)
	bareWWWRe = regexp.MustCompile(`(?i)(?:^|[\s(<])(www\.[^\s<>"'\x60]+)`)
)

const trailingPunct = ".,;:!?)]}'\""

// Options configures URL classification.
type Options struct {
	// PlatformDomains are accepted directly, including subdomains.
	PlatformDomains []string
	// TrackingPatterns are substrings that mark a URL as a redirect candidate
	// (host prefixes like "click." or path fragments like "/l/").
	TrackingPatterns []string
	// ExcludeKeywords disqualify a redirect candidate (unsubscribe links).
	ExcludeKeywords []string
	// ResolveConcurrency bounds parallel redirect resolution.
	ResolveConcurrency int
}

// Resolver follows a redirect chain and returns the final URL.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Extractor identifies the canonical landing URL for a message.
type Extractor struct {
	opts     Options
	resolver Resolver
}

// NewExtractor creates an Extractor. A nil resolver disables redirect
// resolution so only direct platform links are considered.
func NewExtractor(opts Options, resolver Resolver) *Extractor {
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = 4
	}
	return &Extractor{opts: opts, resolver: resolver}
}

// ExtractCanonicalLandingURL scans text and optional HTML for links and
// returns the query-stripped landing URL, or "" when none is found.
// Redirect failures are treated as non-matches; the only error returned is
// context cancellation.
func (e *Extractor) ExtractCanonicalLandingURL(ctx context.Context, text, htmlBody string) (string, error) {
	found := ScanText(text)
	if htmlBody != "" {
		found = append(found, ScanHTML(htmlBody)...)
		found = append(found, ScanText(VisibleText(htmlBody))...)
	}
	if len(found) == 0 {
		return "", nil
	}

	var landings []string
	var candidates []string
	for _, raw := range found {
		switch {
		case e.IsPlatformURL(raw):
			landings = append(landings, raw)
		case e.isTrackingCandidate(raw):
			candidates = append(candidates, raw)
		}
	}

	resolved, err := e.resolveAll(ctx, candidates)
	if err != nil {
		return "", err
	}
	for _, raw := range candidates {
		if final := resolved[raw]; final != "" && e.IsPlatformURL(final) {
			landings = append(landings, final)
		}
	}

	return pickCanonical(landings), nil
}

// resolveAll resolves each distinct candidate once.
func (e *Extractor) resolveAll(ctx context.Context, candidates []string) (map[string]string, error) {
	out := make(map[string]string)
	if e.resolver == nil || len(candidates) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ResolveConcurrency)
	for _, raw := range candidates {
		if seen[raw] {
			continue
		}
		seen[raw] = true
		g.Go(func() error {
			final, err := e.resolver.Resolve(gctx, raw)
			if err != nil {
				zap.L().Debug("links: redirect resolution failed",
					zap.String("url", raw),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			out[raw] = final
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsPlatformURL reports whether raw points at a configured platform domain
// or one of its subdomains.
func (e *Extractor) IsPlatformURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return hostMatches(u.Hostname(), e.opts.PlatformDomains)
}

func (e *Extractor) isTrackingCandidate(raw string) bool {
	lower := strings.ToLower(raw)
	for _, kw := range e.opts.ExcludeKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.EscapedPath())
	for _, p := range e.opts.TrackingPatterns {
		p = strings.ToLower(p)
		if strings.HasPrefix(p, "/") {
			if strings.Contains(path, p) {
				return true
			}
			continue
		}
		if strings.HasSuffix(p, ".") {
			if strings.HasPrefix(host, p) || strings.Contains(host, "."+p) {
				return true
			}
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

func hostMatches(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ScanText returns every URL-shaped substring in text, trailing punctuation
// trimmed. Bare www. links are returned with an https scheme.
func ScanText(text string) []string {
	var out []string
	for _, m := range urlRe.FindAllString(text, -1) {
		if m = strings.TrimRight(m, trailingPunct); m != "" {
			out = append(out, m)
		}
	}
	for _, sub := range bareWWWRe.FindAllStringSubmatch(text, -1) {
		if m := strings.TrimRight(sub[1], trailingPunct); m != "" {
			out = append(out, "https://"+m)
		}
	}
	return out
}

// ScanHTML returns the http(s) href targets of anchor and area elements.
func ScanHTML(body string) []string {
	var out []string
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if !hasAttr || (string(name) != "a" && string(name) != "area") {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			if string(key) == "href" {
				href := strings.TrimSpace(string(val))
				lower := strings.ToLower(href)
				if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
					out = append(out, href)
				}
			}
			if !more {
				break
			}
		}
	}
}

// VisibleText returns the visible text of an HTML body, skipping script
// and style contents. Block-level tags become line breaks.
func VisibleText(body string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(body))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
			case "br", "p", "div", "tr", "li", "h1", "h2", "h3", "table":
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// StripQuery returns raw without its query string or fragment.
func StripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

type group struct {
	base     string
	count    int
	pathLen  int
	hasQuery bool
}

// pickCanonical groups landing URLs by base (query stripped) and picks the
// most frequent. Ties go to the longer path, then to a group containing a
// query string, then lexicographic order.
func pickCanonical(landings []string) string {
	if len(landings) == 0 {
		return ""
	}

	groups := make(map[string]*group)
	for _, raw := range landings {
		base := StripQuery(raw)
		g, ok := groups[base]
		if !ok {
			g = &group{base: base}
			if u, err := url.Parse(base); err == nil {
				g.pathLen = len(strings.TrimSuffix(u.Path, "/"))
			}
			groups[base] = g
		}
		g.count++
		if strings.Contains(raw, "?") {
			g.hasQuery = true
		}
	}

	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.count != b.count {
			return a.count > b.count
		}
		if a.pathLen != b.pathLen {
			return a.pathLen > b.pathLen
		}
		if a.hasQuery != b.hasQuery {
			return a.hasQuery
		}
		return a.base < b.base
	})
	return ranked[0].base
}

package links

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrTooManyHops is returned when a redirect chain exceeds the hop limit.
var ErrTooManyHops = eris.New("links: too many redirect hops")

const defaultUserAgent = "Mozilla/5.0 (compatible; solwatch/1.0; +https://github.com/sells-group/solicitation-watch)"

// ResolverOptions configures an HTTPResolver.
type ResolverOptions struct {
	MaxHops    int
	HopTimeout time.Duration
	// RatePerSec and Burst throttle outbound HEAD requests. Zero disables.
	RatePerSec float64
	Burst      int
	UserAgent  string
	Client     *http.Client
}

// HTTPResolver follows Location headers with HEAD requests, one hop at a
// time, so every hop gets its own timeout and the chain length is bounded.
type HTTPResolver struct {
	client    *http.Client
	limiter   *rate.Limiter
	maxHops   int
	hopTO     time.Duration
	userAgent string
}

// NewResolver creates an HTTPResolver.
func NewResolver(opts ResolverOptions) *HTTPResolver {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 5
	}
	if opts.HopTimeout <= 0 {
		opts.HopTimeout = 3 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	// Redirects are followed manually.
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	return &HTTPResolver{
		client:    &c,
		limiter:   limiter,
		maxHops:   opts.MaxHops,
		hopTO:     opts.HopTimeout,
		userAgent: opts.UserAgent,
	}
}

// Resolve returns the URL at the end of the redirect chain starting at
// rawURL. A chain longer than MaxHops returns ErrTooManyHops.
func (r *HTTPResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	current, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "links: parse %q", rawURL)
	}

	for hop := 0; ; hop++ {
		next, err := r.hop(ctx, current)
		if err != nil {
			return "", err
		}
		if next == nil {
			return current.String(), nil
		}
		if hop >= r.maxHops {
			return "", eris.Wrapf(ErrTooManyHops, "links: resolve %s", rawURL)
		}
		current = next
	}
}

// hop issues one HEAD request and returns the redirect target, or nil when
// the response is not a redirect.
func (r *HTTPResolver) hop(ctx context.Context, u *url.URL) (*url.URL, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "links: rate limit wait")
		}
	}

	hctx, cancel := context.WithTimeout(ctx, r.hopTO)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return nil, eris.Wrapf(err, "links: build request %s", u)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "links: head %s", u)
	}
	resp.Body.Close() //nolint:errcheck

	if !isRedirect(resp.StatusCode) {
		return nil, nil
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, nil
	}
	next, err := u.Parse(loc)
	if err != nil {
		return nil, eris.Wrapf(err, "links: parse location %q", loc)
	}
	return next, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

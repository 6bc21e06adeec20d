// Package browser captures full-page screenshots of landing pages with a
// headless Chrome.
package browser

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Viewport is the emulated window size.
type Viewport struct {
	Width  int
	Height int
}

// Options configures a Client.
type Options struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string
	Viewport Viewport
	// LoadingMarkers is page text that means content has not rendered yet.
	LoadingMarkers []string
	// Quiet is how long the network must be idle before capture.
	Quiet time.Duration
	// Reserve is kept back from the deadline for the screenshot itself.
	Reserve time.Duration
	Quality int
}

// Client launches one browser per capture so a hung page cannot leak into
// the next request.
type Client struct {
	opts Options
}

// New creates a Client with defaults applied.
func New(opts Options) *Client {
	if opts.Viewport.Width <= 0 {
		opts.Viewport.Width = 1280
	}
	if opts.Viewport.Height <= 0 {
		opts.Viewport.Height = 2000
	}
	if opts.Quiet <= 0 {
		opts.Quiet = 500 * time.Millisecond
	}
	if opts.Reserve <= 0 {
		opts.Reserve = 3 * time.Second
	}
	if opts.Quality <= 0 {
		opts.Quality = 85
	}
	if len(opts.LoadingMarkers) == 0 {
		opts.LoadingMarkers = []string{"Loading...", "Please wait"}
	}
	return &Client{opts: opts}
}

// Capture navigates to url and returns a full-page PNG or JPEG. Launch,
// navigation, readiness polling and the screenshot all share ctx's deadline.
func (c *Client) Capture(ctx context.Context, url string) ([]byte, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.WindowSize(c.opts.Viewport.Width, c.opts.Viewport.Height),
	)
	if c.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	bctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(zap.S().Debugf))
	defer cancel()

	var inflight atomic.Int64
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	chromedp.ListenTarget(bctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			inflight.Add(1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			inflight.Add(-1)
		default:
			return
		}
		lastActivity.Store(time.Now().UnixNano())
	})

	var buf []byte
	err := chromedp.Run(bctx,
		network.Enable(),
		chromedp.EmulateViewport(int64(c.opts.Viewport.Width), int64(c.opts.Viewport.Height)),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		c.waitForContent(func() bool {
			quiet := time.Since(time.Unix(0, lastActivity.Load())) >= c.opts.Quiet
			return inflight.Load() <= 0 && quiet
		}),
		chromedp.FullScreenshot(&buf, c.opts.Quality),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "browser: capture %s timed out", url)
		}
		return nil, eris.Wrapf(err, "browser: capture %s", url)
	}
	if len(buf) == 0 {
		return nil, eris.Errorf("browser: empty screenshot for %s", url)
	}
	return buf, nil
}

// waitForContent polls until the document is complete, the network is idle
// and no loading marker is visible. Polling stops at the deadline minus the
// reserve; the screenshot is then taken of whatever has rendered.
func (c *Client) waitForContent(networkIdle func() bool) chromedp.ActionFunc {
	script := readinessScript(c.opts.LoadingMarkers)
	return func(ctx context.Context) error {
		stopAt := time.Now().Add(10 * time.Second)
		if dl, ok := ctx.Deadline(); ok {
			stopAt = dl.Add(-c.opts.Reserve)
		}

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			var ready bool
			if err := chromedp.Evaluate(script, &ready).Do(ctx); err != nil {
				return eris.Wrap(err, "browser: readiness check")
			}
			if ready && networkIdle() {
				return nil
			}
			if !time.Now().Before(stopAt) {
				zap.L().Debug("browser: content not settled before deadline, capturing anyway")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// readinessScript returns a JS expression that is true once the document is
// complete and none of the markers appear in the body text.
func readinessScript(markers []string) string {
	encoded, _ := json.Marshal(markers)
	return `(() => {
  if (document.readyState !== "complete" || !document.body) return false;
  const text = document.body.innerText || "";
  return !` + string(encoded) + `.some(m => text.includes(m));
})()`
}

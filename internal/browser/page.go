package browser

import (
	"context"
	"time"
)

// page is the subset of browser-page behaviour the broker flow needs. Both
// engines adapt to it. Selectors prefixed with "xpath=" are XPath queries.
type page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	URL() string
	// Find waits up to timeout. A miss is (nil, false), never an error, so
	// callers can walk fallback selector lists.
	Find(ctx context.Context, selector string, timeout time.Duration) (element, bool)
	FindAll(ctx context.Context, selector string) []element
	// Screenshot captures the visible viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type element interface {
	Text() string
	Click() error
	Fill(text string) error
	Attr(name string) string
	Visible() bool
	FindAll(selector string) []element
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// firstFound tries each selector in order and returns the first hit.
func firstFound(ctx context.Context, p page, selectors []string, timeout time.Duration) (element, string, bool) {
	for _, sel := range selectors {
		if ctx.Err() != nil {
			return nil, "", false
		}
		if el, ok := p.Find(ctx, sel, timeout); ok {
			return el, sel, true
		}
	}
	return nil, "", false
}

func firstText(els []element) string {
	for _, el := range els {
		if t := el.Text(); t != "" {
			return t
		}
	}
	return ""
}

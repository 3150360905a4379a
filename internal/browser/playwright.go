package browser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// PlaywrightFactory runs one Playwright driver process shared by every
// browser it launches. The driver starts on first Open.
type PlaywrightFactory struct {
	cfg Config
	log *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightFactory(cfg Config, logger *zap.Logger) *PlaywrightFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaywrightFactory{cfg: cfg.withDefaults(), log: logger}
}

func (f *PlaywrightFactory) start() (*playwright.Playwright, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pw != nil {
		return f.pw, nil
	}
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		if ierr := playwright.Install(opts); ierr != nil {
			return nil, fmt.Errorf("install playwright: %w", ierr)
		}
		if pw, err = playwright.Run(opts); err != nil {
			return nil, fmt.Errorf("start playwright: %w", err)
		}
	}
	f.pw = pw
	return pw, nil
}

func (f *PlaywrightFactory) Open(ctx context.Context) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := f.start()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(f.cfg.Headless),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-blink-features=AutomationControlled",
			"--disable-gpu",
		},
	}
	if f.cfg.BinPath != "" {
		launch.ExecutablePath = playwright.String(f.cfg.BinPath)
	}
	b, err := pw.Chromium.Launch(launch)
	if err != nil {
		f.log.Warn("browser launch failed, retrying with minimal options", zap.Error(err))
		b, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(true),
			Args:     []string{"--no-sandbox"},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
	}

	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(f.cfg.UserAgent),
		Viewport:  &playwright.Size{Width: 1920, Height: 1080},
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: create context: %v", ErrLaunch, err)
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		f.log.Debug("stealth script not installed", zap.Error(err))
	}
	pg, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = b.Close()
		return nil, fmt.Errorf("%w: open page: %v", ErrLaunch, err)
	}
	pg.SetDefaultTimeout(float64(f.cfg.ElementTimeout.Milliseconds()))

	closeFn := func() error {
		_ = bctx.Close()
		return b.Close()
	}
	return newBrokerDriver(f.cfg, &pwPage{page: pg, navTimeout: f.cfg.NavigationTimeout}, closeFn, f.log), nil
}

// Close stops the shared Playwright driver.
func (f *PlaywrightFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pw == nil {
		return nil
	}
	err := f.pw.Stop()
	f.pw = nil
	return err
}

// millis converts the smaller of d and the time left on ctx into the
// float milliseconds Playwright expects.
func millis(ctx context.Context, d time.Duration) *float64 {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

type pwPage struct {
	page       playwright.Page
	navTimeout time.Duration
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{Timeout: millis(ctx, p.navTimeout)})
	return err
}

func (p *pwPage) Reload(ctx context.Context) error {
	_, err := p.page.Reload(playwright.PageReloadOptions{Timeout: millis(ctx, p.navTimeout)})
	return err
}

func (p *pwPage) URL() string { return p.page.URL() }

// Find passes "xpath=" selectors through unchanged; Playwright parses
// that prefix natively.
func (p *pwPage) Find(ctx context.Context, selector string, timeout time.Duration) (element, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	h, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{Timeout: millis(ctx, timeout)})
	if err != nil || h == nil {
		return nil, false
	}
	return &pwElement{h: h}, true
}

func (p *pwPage) FindAll(ctx context.Context, selector string) []element {
	if ctx.Err() != nil {
		return nil
	}
	hs, err := p.page.QuerySelectorAll(selector)
	if err != nil {
		return nil
	}
	return wrapPlaywright(hs)
}

func (p *pwPage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.page.Screenshot(playwright.PageScreenshotOptions{Timeout: millis(ctx, p.navTimeout)})
}

func (p *pwPage) Close() error { return p.page.Close() }

type pwElement struct {
	h playwright.ElementHandle
}

func wrapPlaywright(hs []playwright.ElementHandle) []element {
	out := make([]element, 0, len(hs))
	for _, h := range hs {
		out = append(out, &pwElement{h: h})
	}
	return out
}

func (e *pwElement) Text() string {
	t, err := e.h.InnerText()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(t)
}

func (e *pwElement) Click() error { return e.h.Click() }

func (e *pwElement) Fill(text string) error { return e.h.Fill(text) }

func (e *pwElement) Attr(name string) string {
	v, err := e.h.GetAttribute(name)
	if err != nil {
		return ""
	}
	return v
}

func (e *pwElement) Visible() bool {
	v, err := e.h.IsVisible()
	return err == nil && v
}

func (e *pwElement) FindAll(selector string) []element {
	hs, err := e.h.QuerySelectorAll(selector)
	if err != nil {
		return nil
	}
	return wrapPlaywright(hs)
}

package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// RodFactory launches one Chromium process per Driver through go-rod.
type RodFactory struct {
	cfg Config
	log *zap.Logger
}

func NewRodFactory(cfg Config, logger *zap.Logger) *RodFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RodFactory{cfg: cfg.withDefaults(), log: logger}
}

func (f *RodFactory) launcher(minimal bool) *launcher.Launcher {
	l := launcher.New()
	if f.cfg.BinPath != "" {
		l = l.Bin(f.cfg.BinPath)
	}
	if f.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	l = l.Set("no-sandbox").
		Set("disable-dev-shm-usage")
	if minimal {
		return l
	}
	return l.Set("disable-setuid-sandbox").
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-gpu").
		Set("disable-extensions").
		Set("window-size", "1920,1080").
		Set("user-agent", f.cfg.UserAgent)
}

// Open launches a browser. A launch with the full flag set that fails is
// retried once with a minimal one.
func (f *RodFactory) Open(ctx context.Context) (Driver, error) {
	minimal := false
	l := f.launcher(false).Context(ctx)
	u, err := l.Launch()
	if err != nil {
		f.log.Warn("browser launch failed, retrying with minimal flags", zap.Error(err))
		minimal = true
		l = f.launcher(true).Context(ctx)
		u, err = l.Launch()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: connect: %v", ErrLaunch, err)
	}
	pg, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		l.Cleanup()
		return nil, fmt.Errorf("%w: open page: %v", ErrLaunch, err)
	}
	if !minimal {
		if _, err := pg.EvalOnNewDocument(stealthScript); err != nil {
			f.log.Debug("stealth script not installed", zap.Error(err))
		}
		_ = pg.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: 1920, Height: 1080})
	}

	closeFn := func() error {
		err := b.Close()
		l.Cleanup()
		return err
	}
	return newBrokerDriver(f.cfg, &rodPage{page: pg}, closeFn, f.log), nil
}

func (f *RodFactory) Close() error { return nil }

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *rodPage) Reload(ctx context.Context) error {
	pg := p.page.Context(ctx)
	if err := pg.Reload(); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Find(ctx context.Context, selector string, timeout time.Duration) (element, bool) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	pg := p.page.Context(ctx).Timeout(timeout)
	var (
		el  *rod.Element
		err error
	)
	if xp, ok := strings.CutPrefix(selector, "xpath="); ok {
		el, err = pg.ElementX(xp)
	} else {
		el, err = pg.Element(selector)
	}
	if err != nil {
		return nil, false
	}
	return &rodElement{el: el.CancelTimeout()}, true
}

func (p *rodPage) FindAll(ctx context.Context, selector string) []element {
	pg := p.page.Context(ctx)
	var (
		els rod.Elements
		err error
	)
	if xp, ok := strings.CutPrefix(selector, "xpath="); ok {
		els, err = pg.ElementsX(xp)
	} else {
		els, err = pg.Elements(selector)
	}
	if err != nil {
		return nil
	}
	return wrapRod(els)
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

func (p *rodPage) Close() error { return p.page.Close() }

type rodElement struct {
	el *rod.Element
}

func wrapRod(els rod.Elements) []element {
	out := make([]element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out
}

func (e *rodElement) Text() string {
	t, err := e.el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(t)
}

func (e *rodElement) Click() error {
	return e.el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) Fill(text string) error {
	if err := e.el.SelectAllText(); err != nil {
		return err
	}
	return e.el.Input(text)
}

func (e *rodElement) Attr(name string) string {
	v, err := e.el.Attribute(name)
	if err != nil || v == nil {
		return ""
	}
	return *v
}

func (e *rodElement) Visible() bool {
	v, err := e.el.Visible()
	return err == nil && v
}

func (e *rodElement) FindAll(selector string) []element {
	els, err := e.el.Elements(selector)
	if err != nil {
		return nil
	}
	return wrapRod(els)
}

// Package browser drives the brokerage web application through a headless
// browser. Each Driver owns one browser process and one page.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"portfolio-session-server/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTwoFactorRejected  = errors.New("two-factor code rejected")
	ErrLoginNotConfirmed  = errors.New("login could not be confirmed")
	ErrNotAuthenticated   = errors.New("page is not authenticated")
	ErrElementNotFound    = errors.New("element not found")
	ErrLaunch             = errors.New("browser launch failed")
)

type LoginOutcome int

const (
	LoginAuthenticated LoginOutcome = iota
	LoginNeedsTwoFactor
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginAuthenticated:
		return "authenticated"
	case LoginNeedsTwoFactor:
		return "needs_2fa"
	default:
		return fmt.Sprintf("LoginOutcome(%d)", int(o))
	}
}

// Driver is a single browser instance with one page. Callers serialize
// access; a Driver is never used by two operations at once.
type Driver interface {
	Login(ctx context.Context, creds model.Credentials) (LoginOutcome, error)
	SubmitTwoFactor(ctx context.Context, code string) error
	ScrapePortfolio(ctx context.Context) (model.PortfolioSnapshot, error)
	IsAuthenticated(ctx context.Context) (bool, error)
	// KeepWarm resets the origin's idle timer without scraping.
	KeepWarm(ctx context.Context) error
	Close() error
}

type Factory interface {
	Open(ctx context.Context) (Driver, error)
	Close() error
}

type Config struct {
	BaseURL   string
	BinPath   string
	Headless  bool
	UserAgent string

	// ScreenshotDir receives a PNG of the page whenever a login or fetch
	// step fails. Empty keeps screenshots in memory and only logs them.
	ScreenshotDir string

	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	StepTimeout       time.Duration
	TwoFactorProbe    time.Duration
	ConfirmTimeout    time.Duration
	SettleDelay       time.Duration
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://app.traderepublic.com",
		Headless:          true,
		UserAgent:         defaultUserAgent,
		NavigationTimeout: 30 * time.Second,
		ElementTimeout:    5 * time.Second,
		StepTimeout:       15 * time.Second,
		TwoFactorProbe:    8 * time.Second,
		ConfirmTimeout:    20 * time.Second,
		SettleDelay:       2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = d.NavigationTimeout
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = d.ElementTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.TwoFactorProbe <= 0 {
		c.TwoFactorProbe = d.TwoFactorProbe
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// NewFactory returns the factory for the named engine ("rod" or "playwright").
func NewFactory(engine string, cfg Config, logger *zap.Logger) (Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch engine {
	case "", "rod":
		return NewRodFactory(cfg, logger), nil
	case "playwright":
		return NewPlaywrightFactory(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", engine)
	}
}

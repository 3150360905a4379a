package server

import (
	"context"
	"sync"

	"portfolio-session-server/internal/browser"
	"portfolio-session-server/internal/model"
)

// stubDriver accepts the identifier 49123 with PIN 1234, asks for a
// two-factor code and accepts 5678.
type stubDriver struct {
	mu            sync.Mutex
	authenticated bool
}

func (d *stubDriver) Login(_ context.Context, creds model.Credentials) (browser.LoginOutcome, error) {
	if creds.Identifier != "49123" || creds.Secret != "1234" {
		return 0, browser.ErrInvalidCredentials
	}
	return browser.LoginNeedsTwoFactor, nil
}

func (d *stubDriver) SubmitTwoFactor(_ context.Context, code string) error {
	if code != "5678" {
		return browser.ErrTwoFactorRejected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authenticated = true
	return nil
}

func (d *stubDriver) ScrapePortfolio(context.Context) (model.PortfolioSnapshot, error) {
	return model.PortfolioSnapshot{
		Balance:     "1.234,56 €",
		CashBalance: "12,00 €",
		Positions:   []model.Position{{ID: "US0378331005", Name: "Apple", ShareCount: "3", Value: "500,00 €"}},
	}, nil
}

func (d *stubDriver) IsAuthenticated(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated, nil
}

func (d *stubDriver) KeepWarm(context.Context) error { return nil }
func (d *stubDriver) Close() error                   { return nil }

type stubFactory struct{}

func (stubFactory) Open(context.Context) (browser.Driver, error) { return &stubDriver{}, nil }
func (stubFactory) Close() error                                 { return nil }

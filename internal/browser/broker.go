package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"portfolio-session-server/internal/model"
)

// brokerDriver implements Driver on top of any page engine.
type brokerDriver struct {
	cfg  Config
	page page
	log  *zap.Logger
	now  func() time.Time

	// viewApplied is set once the "since buy" total-value view has been
	// selected; the app keeps it across reloads.
	viewApplied bool

	closeOnce sync.Once
	closeErr  error
	closeFn   func() error
}

func newBrokerDriver(cfg Config, p page, closeFn func() error, logger *zap.Logger) *brokerDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &brokerDriver{
		cfg:     cfg.withDefaults(),
		page:    p,
		log:     logger,
		now:     time.Now,
		closeFn: closeFn,
	}
}

func (d *brokerDriver) navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavigationTimeout)
	defer cancel()
	if err := d.page.Navigate(navCtx, url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (d *brokerDriver) Login(ctx context.Context, creds model.Credentials) (LoginOutcome, error) {
	if err := d.navigate(ctx, d.cfg.BaseURL); err != nil {
		return 0, d.fail(ctx, "initial-page", err)
	}
	d.dismissCookies(ctx)

	phone, ok := d.page.Find(ctx, phoneInputSelector, d.cfg.StepTimeout)
	if !ok {
		// A restored browser profile may land straight on the dashboard.
		if d.loggedIn(ctx, d.cfg.ElementTimeout) {
			return LoginAuthenticated, nil
		}
		return 0, d.fail(ctx, "phone-field", fmt.Errorf("%w: phone number field", ErrElementNotFound))
	}
	if err := phone.Fill(creds.Identifier); err != nil {
		return 0, fmt.Errorf("enter phone number: %w", err)
	}
	next, _, ok := firstFound(ctx, d.page, nextButtonSelectors, d.cfg.ElementTimeout)
	if !ok {
		return 0, d.fail(ctx, "next-button", fmt.Errorf("%w: next button", ErrElementNotFound))
	}
	if err := next.Click(); err != nil {
		return 0, fmt.Errorf("click next: %w", err)
	}
	if err := pause(ctx, d.cfg.SettleDelay); err != nil {
		return 0, err
	}
	if msg, bad := d.errorBanner(ctx); bad {
		return 0, d.fail(ctx, "phone-error", fmt.Errorf("%w: %s", ErrInvalidCredentials, msg))
	}

	fieldset, ok := d.page.Find(ctx, pinFieldsetSelector, d.cfg.StepTimeout)
	if !ok {
		return 0, d.fail(ctx, "pin-field", fmt.Errorf("%w: PIN field", ErrElementNotFound))
	}
	if err := fillDigits(fieldset, creds.Secret); err != nil {
		return 0, fmt.Errorf("enter PIN: %w", err)
	}
	if err := pause(ctx, d.cfg.SettleDelay*3/2); err != nil {
		return 0, err
	}
	if msg, bad := d.errorBanner(ctx); bad {
		return 0, d.fail(ctx, "pin-error", fmt.Errorf("%w: %s", ErrInvalidCredentials, msg))
	}

	if _, ok := d.page.Find(ctx, smsCodeSelector, d.cfg.TwoFactorProbe); ok {
		d.log.Debug("two-factor prompt shown")
		return LoginNeedsTwoFactor, nil
	}
	if !d.loggedIn(ctx, d.cfg.ConfirmTimeout) {
		return 0, d.fail(ctx, "login-verification", ErrLoginNotConfirmed)
	}
	return LoginAuthenticated, nil
}

func (d *brokerDriver) SubmitTwoFactor(ctx context.Context, code string) error {
	field, ok := d.page.Find(ctx, smsCodeSelector, d.cfg.ElementTimeout)
	if !ok {
		return d.fail(ctx, "two-factor-field", fmt.Errorf("%w: two-factor field", ErrElementNotFound))
	}
	if err := fillDigits(field, code); err != nil {
		return fmt.Errorf("enter two-factor code: %w", err)
	}
	if err := pause(ctx, d.cfg.SettleDelay); err != nil {
		return err
	}
	if msg, bad := d.errorBanner(ctx); bad {
		return d.fail(ctx, "two-factor-error", fmt.Errorf("%w: %s", ErrTwoFactorRejected, msg))
	}
	if d.loggedIn(ctx, d.cfg.ConfirmTimeout) {
		return nil
	}
	if _, still := d.page.Find(ctx, smsCodeSelector, 500*time.Millisecond); still {
		return d.fail(ctx, "two-factor-error", ErrTwoFactorRejected)
	}
	return d.fail(ctx, "login-verification", ErrLoginNotConfirmed)
}

func (d *brokerDriver) IsAuthenticated(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.loggedIn(ctx, time.Second), nil
}

func (d *brokerDriver) KeepWarm(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavigationTimeout)
	defer cancel()
	if err := d.page.Reload(navCtx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (d *brokerDriver) ScrapePortfolio(ctx context.Context) (model.PortfolioSnapshot, error) {
	if !d.loggedIn(ctx, d.cfg.ElementTimeout) {
		if err := d.navigate(ctx, d.cfg.BaseURL); err != nil {
			return model.PortfolioSnapshot{}, d.fail(ctx, "portfolio-page", err)
		}
		if !d.loggedIn(ctx, d.cfg.StepTimeout) {
			return model.PortfolioSnapshot{}, d.fail(ctx, "portfolio-logged-out", ErrNotAuthenticated)
		}
	}

	snap := model.PortfolioSnapshot{
		Balance:     notAvailable,
		CashBalance: notAvailable,
		Positions:   []model.Position{},
	}
	if el, _, ok := firstFound(ctx, d.page, balanceSelectors, d.cfg.ElementTimeout); ok {
		if t := el.Text(); t != "" {
			snap.Balance = t
		}
	}

	if !d.viewApplied {
		if d.applyTotalValueView(ctx) {
			d.viewApplied = true
		} else {
			d.log.Warn("total value view not applied, position values may show daily change")
		}
	}

	snap.Positions = d.positions(ctx)

	if cash, ok := d.cashBalance(ctx); ok {
		snap.CashBalance = cash
	}
	if err := ctx.Err(); err != nil {
		return model.PortfolioSnapshot{}, err
	}
	snap.CapturedAt = d.now()
	return snap, nil
}

func (d *brokerDriver) Close() error {
	d.closeOnce.Do(func() {
		if d.page != nil {
			_ = d.page.Close()
		}
		if d.closeFn != nil {
			d.closeErr = d.closeFn()
		}
	})
	return d.closeErr
}

// fail records a screenshot of the failed step and returns err. Cancelled
// work is not captured.
func (d *brokerDriver) fail(ctx context.Context, step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	d.captureFailure(ctx, step)
	return err
}

// captureFailure writes the page image to ScreenshotDir when one is set and
// otherwise only logs its size.
func (d *brokerDriver) captureFailure(ctx context.Context, step string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ElementTimeout)
	defer cancel()
	img, err := d.page.Screenshot(sctx)
	if err != nil {
		d.log.Debug("failure screenshot unavailable", zap.String("step", step), zap.Error(err))
		return
	}
	fields := []zap.Field{zap.String("step", step), zap.Int("bytes", len(img))}
	if dir := d.cfg.ScreenshotDir; dir != "" {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.png", d.now().UTC().Format("20060102T150405.000"), step))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			d.log.Warn("create screenshot directory", zap.String("dir", dir), zap.Error(err))
			return
		}
		if err := os.WriteFile(path, img, 0o600); err != nil {
			d.log.Warn("write failure screenshot", zap.String("path", path), zap.Error(err))
			return
		}
		fields = append(fields, zap.String("path", path))
	}
	d.log.Info("failure screenshot", fields...)
}

func (d *brokerDriver) dismissCookies(ctx context.Context) {
	el, sel, ok := firstFound(ctx, d.page, cookieButtonSelectors, d.cfg.ElementTimeout/2)
	if !ok {
		return
	}
	if err := el.Click(); err != nil {
		d.log.Debug("cookie banner click failed", zap.String("selector", sel), zap.Error(err))
		return
	}
	_ = pause(ctx, d.cfg.SettleDelay/2)
}

func (d *brokerDriver) loggedIn(ctx context.Context, timeout time.Duration) bool {
	el, ok := d.page.Find(ctx, loggedInSelector, timeout)
	return ok && el.Visible()
}

func (d *brokerDriver) errorBanner(ctx context.Context) (string, bool) {
	for _, el := range d.page.FindAll(ctx, errorBannerSelector) {
		if el.Visible() {
			if t := el.Text(); t != "" {
				return t, true
			}
		}
	}
	return "", false
}

func (d *brokerDriver) applyTotalValueView(ctx context.Context) bool {
	dropdown, _, ok := firstFound(ctx, d.page, viewDropdownSelectors, d.cfg.ElementTimeout)
	if !ok {
		return false
	}
	if err := dropdown.Click(); err != nil {
		return false
	}
	_ = pause(ctx, d.cfg.SettleDelay/2)

	if opt, ok := d.page.Find(ctx, sinceBuyExactSelector, d.cfg.ElementTimeout); ok {
		return d.clickOption(ctx, opt)
	}
	for _, opt := range d.page.FindAll(ctx, viewOptionNameSelector) {
		t := opt.Text()
		if strings.Contains(t, "Since buy") && strings.Contains(t, "€") {
			return d.clickOption(ctx, opt)
		}
	}
	for _, sel := range []string{sinceBuyIDSelector, sinceBuyXPath} {
		if opt, ok := d.page.Find(ctx, sel, d.cfg.ElementTimeout/2); ok {
			return d.clickOption(ctx, opt)
		}
	}
	return false
}

func (d *brokerDriver) clickOption(ctx context.Context, opt element) bool {
	if err := opt.Click(); err != nil {
		return false
	}
	_ = pause(ctx, d.cfg.SettleDelay)
	return true
}

func (d *brokerDriver) positions(ctx context.Context) []model.Position {
	list, _, ok := firstFound(ctx, d.page, positionListSelectors, d.cfg.ElementTimeout)
	if !ok {
		return []model.Position{}
	}
	out := []model.Position{}
	for _, item := range list.FindAll("li") {
		id := item.Attr("id")
		if id == "" {
			continue
		}
		out = append(out, model.Position{
			ID:         id,
			Name:       orNotAvailable(firstText(item.FindAll(positionNameSelector))),
			ShareCount: orNotAvailable(firstText(item.FindAll(positionSharesSelector))),
			Value:      orNotAvailable(firstText(item.FindAll(positionValueSelector))),
		})
	}
	return out
}

// cashBalance visits the transactions page and returns to where it started.
func (d *brokerDriver) cashBalance(ctx context.Context) (string, bool) {
	link, _, ok := firstFound(ctx, d.page, transactionLinkSelectors, d.cfg.ElementTimeout)
	if !ok {
		return "", false
	}
	home := d.page.URL()
	if err := link.Click(); err != nil {
		return "", false
	}
	_ = pause(ctx, d.cfg.SettleDelay)

	var cash string
	if el, _, ok := firstFound(ctx, d.page, cashBalanceSelectors, d.cfg.ElementTimeout); ok {
		cash = el.Text()
	}
	if home != "" {
		if err := d.navigate(ctx, home); err != nil {
			d.log.Warn("return to portfolio failed", zap.Error(err))
		}
	}
	return cash, cash != ""
}

// fillDigits types value into a single input or spreads it across
// per-digit inputs, whichever the container holds.
func fillDigits(container element, value string) error {
	inputs := container.FindAll("input")
	switch {
	case len(inputs) == 0:
		return container.Fill(value)
	case len(inputs) == 1:
		return inputs[0].Fill(value)
	}
	digits := []rune(value)
	for i := 0; i < len(digits) && i < len(inputs); i++ {
		if err := inputs[i].Fill(string(digits[i])); err != nil {
			return err
		}
	}
	return nil
}

func orNotAvailable(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"portfolio-session-server/internal/browser"
	"portfolio-session-server/internal/model"
	"portfolio-session-server/internal/store"
)

type fakeDriver struct {
	factory *fakeFactory

	mu            sync.Mutex
	outcome       browser.LoginOutcome
	loginErr      error
	loginDelay    time.Duration
	acceptCode    string
	authenticated bool
	scrapeGate    chan struct{}
	scrapeDelay   time.Duration

	lastCreds   model.Credentials
	logins      int
	submits     int
	scrapes     int
	warms       int
	closes      int
	inFlight    int
	maxInFlight int
}

func (d *fakeDriver) Login(ctx context.Context, creds model.Credentials) (browser.LoginOutcome, error) {
	d.mu.Lock()
	d.logins++
	d.lastCreds = creds
	delay, err, outcome := d.loginDelay, d.loginErr, d.outcome
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	if outcome == browser.LoginAuthenticated {
		d.mu.Lock()
		d.authenticated = true
		d.mu.Unlock()
	}
	return outcome, nil
}

func (d *fakeDriver) SubmitTwoFactor(_ context.Context, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits++
	if d.acceptCode != "" && code != d.acceptCode {
		return browser.ErrTwoFactorRejected
	}
	d.authenticated = true
	return nil
}

func (d *fakeDriver) ScrapePortfolio(ctx context.Context) (model.PortfolioSnapshot, error) {
	d.mu.Lock()
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	gate, delay := d.scrapeGate, d.scrapeDelay
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.scrapes++
		d.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.PortfolioSnapshot{}, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return model.PortfolioSnapshot{
		Balance:     "1.000,00 €",
		CashBalance: "10,00 €",
		Positions:   []model.Position{{ID: "US0378331005", Name: "Apple", ShareCount: "1", Value: "100,00 €"}},
	}, nil
}

func (d *fakeDriver) IsAuthenticated(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated, nil
}

func (d *fakeDriver) KeepWarm(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warms++
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	d.closes++
	first := d.closes == 1
	d.mu.Unlock()
	if first {
		d.factory.driverClosed()
	}
	return nil
}

func (d *fakeDriver) set(fn func(d *fakeDriver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDriver) get(fn func(d *fakeDriver) int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d)
}

func (d *fakeDriver) closeCount() int { return d.get(func(d *fakeDriver) int { return d.closes }) }
func (d *fakeDriver) scrapeCount() int { return d.get(func(d *fakeDriver) int { return d.scrapes }) }
func (d *fakeDriver) loginCount() int { return d.get(func(d *fakeDriver) int { return d.logins }) }
func (d *fakeDriver) submitCount() int { return d.get(func(d *fakeDriver) int { return d.submits }) }
func (d *fakeDriver) warmCount() int { return d.get(func(d *fakeDriver) int { return d.warms }) }
func (d *fakeDriver) inFlightNow() int { return d.get(func(d *fakeDriver) int { return d.inFlight }) }
func (d *fakeDriver) maxConcurrent() int { return d.get(func(d *fakeDriver) int { return d.maxInFlight }) }

type fakeFactory struct {
	mu        sync.Mutex
	configure func(d *fakeDriver)
	openErr   error
	drivers   []*fakeDriver
	open      int
	maxOpen   int
	closed    bool
}

func (f *fakeFactory) Open(ctx context.Context) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	d := &fakeDriver{factory: f, outcome: browser.LoginAuthenticated}
	if f.configure != nil {
		f.configure(d)
	}
	f.drivers = append(f.drivers, d)
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return d, nil
}

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFactory) driverClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open--
}

func (f *fakeFactory) setConfigure(fn func(d *fakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configure = fn
}

func (f *fakeFactory) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *fakeFactory) driver(i int) *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func (f *fakeFactory) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

func (f *fakeFactory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.SessionEvent
}

func (r *recordingNotifier) SessionChanged(ev model.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) states(id string) []model.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.State
	for _, ev := range r.events {
		if ev.SessionID == id {
			out = append(out, ev.State)
		}
	}
	return out
}

type harness struct {
	m        *Manager
	factory  *fakeFactory
	clock    *fakeClock
	notifier *recordingNotifier
	repo     *store.MemoryRepository
	sealer   *store.Sealer
}

func newHarness(t *testing.T, tweak ...func(o *Options)) *harness {
	t.Helper()
	sealer, err := store.NewSealer([]byte("test-key"), nil)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	h := &harness{
		factory:  &fakeFactory{},
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		repo:     store.NewMemoryRepository(),
		sealer:   sealer,
	}
	h.m = h.newManager(h.factory, tweak...)
	return h
}

// newManager builds a manager over a fresh store sharing the harness
// repository, as a restarted process would.
func (h *harness) newManager(factory *fakeFactory, tweak ...func(o *Options)) *Manager {
	opts := Options{
		Store:        store.New(store.Options{Repository: h.repo, Sealer: h.sealer}),
		Factory:      factory,
		Notifier:     h.notifier,
		MaxBrowsers:  3,
		MaxQueueWait: time.Second,
		Now:          h.clock.Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	return NewManager(opts)
}

var testCreds = model.Credentials{Identifier: "+49123", Secret: "1234"}

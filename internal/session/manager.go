// Package session owns the lifecycle of browser-backed brokerage sessions:
// per-session request ordering, the global browser cap, re-authentication,
// maintenance and reclamation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"portfolio-session-server/internal/browser"
	"portfolio-session-server/internal/model"
	"portfolio-session-server/internal/store"
)

// Notifier receives every session state transition.
type Notifier interface {
	SessionChanged(ev model.SessionEvent)
}

type Options struct {
	Store    *store.Store
	Factory  browser.Factory
	Logger   *zap.Logger
	Notifier Notifier

	MaxBrowsers            int
	MaxQueueWait           time.Duration
	TwoFactorTTL           time.Duration
	MaintenanceInterval    time.Duration
	MaintenanceTimeout     time.Duration
	ReapAfter              time.Duration
	ReapInterval           time.Duration
	TwoFactorSweepInterval time.Duration
	SnapshotInterval       time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxBrowsers <= 0 {
		o.MaxBrowsers = 3
	}
	if o.MaxQueueWait <= 0 {
		o.MaxQueueWait = 30 * time.Second
	}
	if o.TwoFactorTTL <= 0 {
		o.TwoFactorTTL = 5 * time.Minute
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 5 * time.Minute
	}
	if o.MaintenanceTimeout <= 0 {
		o.MaintenanceTimeout = 2 * time.Minute
	}
	if o.ReapAfter <= 0 {
		o.ReapAfter = 30 * 24 * time.Hour
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 24 * time.Hour
	}
	if o.TwoFactorSweepInterval <= 0 {
		o.TwoFactorSweepInterval = 30 * time.Second
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Manager struct {
	opts    Options
	store   *store.Store
	factory browser.Factory
	gate    *admission
	locks   *serializer
	log     *zap.Logger
	closed  atomic.Bool
}

func NewManager(opts Options) *Manager {
	opts.setDefaults()
	if opts.Store == nil {
		opts.Store = store.New(store.Options{Logger: opts.Logger})
	}
	return &Manager{
		opts:    opts,
		store:   opts.Store,
		factory: opts.Factory,
		gate:    newAdmission(opts.Factory, opts.MaxBrowsers, opts.MaxQueueWait),
		locks:   newSerializer(opts.MaxQueueWait),
		log:     opts.Logger,
	}
}

type LoginResult struct {
	SessionID      string                   `json:"sessionId"`
	State          model.State              `json:"state"`
	NeedsTwoFactor bool                     `json:"needs2FA"`
	Portfolio      *model.PortfolioSnapshot `json:"portfolio,omitempty"`
}

type SessionInfo struct {
	ID                string      `json:"sessionId"`
	State             model.State `json:"state"`
	CreatedAt         time.Time   `json:"createdAt"`
	LastActivityAt    time.Time   `json:"lastActivityAt"`
	TwoFactorDeadline *time.Time  `json:"twoFactorDeadline,omitempty"`
	ReauthRequired    bool        `json:"reauthRequired"`
	Busy              bool        `json:"busy"`
	Queued            int         `json:"queued"`
}

type Status struct {
	ActiveSessions int                 `json:"activeSessions"`
	BusySessions   int                 `json:"busySessions"`
	QueuedRequests int                 `json:"queuedRequests"`
	TotalSessions  int                 `json:"totalSessions"`
	OpenBrowsers   int                 `json:"openBrowsers"`
	MaxBrowsers    int                 `json:"maxBrowsers"`
	States         map[model.State]int `json:"states"`
	QueueDepths    map[string]int      `json:"queueDepths"`
}

// LoadSnapshot seeds the store from the repository. Loaded sessions wait in
// NeedsRestore for their next request or maintenance pass.
func (m *Manager) LoadSnapshot(ctx context.Context) (int, error) {
	n, err := m.store.LoadSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if n > 0 {
		m.log.Info("sessions loaded from snapshot", zap.Int("count", n))
	}
	return n, nil
}

// Login creates a session and authenticates it. An inline two-factor code
// is submitted straight away; a rejected one leaves the session waiting for
// another code. Any other failure before authentication deletes the session.
func (m *Manager) Login(ctx context.Context, creds model.Credentials, twoFactorCode string) (LoginResult, error) {
	if m.closed.Load() {
		return LoginResult{}, ErrManagerClosed
	}
	if creds.Identifier == "" || creds.Secret == "" {
		return LoginResult{}, ErrMissingCredentials
	}
	e, err := m.store.Create(creds, m.opts.Now())
	if err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}
	log := m.log.With(zap.String("session_id", e.ID()))

	var res LoginResult
	err = m.locks.Do(ctx, e.ID(), func() error {
		outcome, err := m.authenticate(ctx, e, creds)
		if err != nil {
			m.discard(e, "login failed")
			return err
		}
		if outcome == browser.LoginNeedsTwoFactor {
			if twoFactorCode == "" {
				m.awaitTwoFactor(e, "two-factor required")
				res = LoginResult{SessionID: e.ID(), State: model.StateAwaitingTwoFactor, NeedsTwoFactor: true}
				return nil
			}
			if err := m.submitCode(ctx, e, twoFactorCode); err != nil {
				if errors.Is(err, ErrTwoFactorRejected) {
					m.awaitTwoFactor(e, "inline two-factor code rejected")
					res = LoginResult{SessionID: e.ID(), State: model.StateAwaitingTwoFactor, NeedsTwoFactor: true}
					return err
				}
				m.discard(e, "two-factor submission failed")
				return err
			}
		}
		m.activate(e, "logged in")
		res = LoginResult{SessionID: e.ID(), State: model.StateActive}
		if snap, err := m.scrape(ctx, e); err != nil {
			log.Warn("initial portfolio fetch failed", zap.Error(err))
		} else {
			res.Portfolio = &snap
		}
		return nil
	})
	if err != nil && res.SessionID == "" {
		// The lock itself may have failed; make sure nothing is left behind.
		if _, ok := m.store.Get(e.ID()); ok {
			m.discard(e, "login aborted")
		}
	}
	m.persist(ctx)
	if err != nil {
		log.Info("login failed", zap.Error(err))
		return res, err
	}
	log.Info("login complete", zap.String("state", string(res.State)))
	return res, nil
}

// SubmitTwoFactor completes a pending login. A session awaiting restore is
// logged in again first; if the upstream then asks for a fresh code the
// supplied one is not reused and ErrTwoFactorRequired is returned.
func (m *Manager) SubmitTwoFactor(ctx context.Context, id, code string) (model.PortfolioSnapshot, error) {
	if m.closed.Load() {
		return model.PortfolioSnapshot{}, ErrManagerClosed
	}
	if code == "" {
		return model.PortfolioSnapshot{}, ErrMissingTwoFactorCode
	}
	if _, ok := m.store.Get(id); !ok {
		return model.PortfolioSnapshot{}, ErrSessionNotFound
	}

	var snap model.PortfolioSnapshot
	err := m.locks.Do(ctx, id, func() error {
		e, ok := m.store.Get(id)
		if !ok {
			return ErrSessionNotFound
		}
		rec := e.Record()
		switch rec.State {
		case model.StateNeedsRestore:
			if err := m.reauthenticate(ctx, e, "restored"); err != nil {
				return err
			}
		case model.StateAwaitingTwoFactor:
			if m.opts.Now().After(rec.TwoFactorDeadline) {
				m.discard(e, "two-factor window expired")
				return ErrTwoFactorExpired
			}
			if err := m.submitCode(ctx, e, code); err != nil {
				return err
			}
			m.activate(e, "two-factor accepted")
		default:
			return ErrNotAwaitingTwoFactor
		}
		var err error
		snap, err = m.scrape(ctx, e)
		return err
	})
	m.persist(ctx)
	return snap, err
}

// Refresh returns a fresh portfolio snapshot, re-authenticating first when
// the session was restored or the page has logged out.
func (m *Manager) Refresh(ctx context.Context, id string) (model.PortfolioSnapshot, error) {
	if m.closed.Load() {
		return model.PortfolioSnapshot{}, ErrManagerClosed
	}
	if _, ok := m.store.Get(id); !ok {
		return model.PortfolioSnapshot{}, ErrSessionNotFound
	}

	var (
		snap    model.PortfolioSnapshot
		changed bool
	)
	err := m.locks.Do(ctx, id, func() error {
		e, ok := m.store.Get(id)
		if !ok {
			return ErrSessionNotFound
		}
		before := e.State()
		defer func() { changed = e.State() != before }()
		switch before {
		case model.StateAwaitingTwoFactor:
			return ErrTwoFactorRequired
		case model.StateNeedsRestore:
			if err := m.reauthenticate(ctx, e, "restored"); err != nil {
				return err
			}
		case model.StateActive:
			if !m.stillAuthenticated(ctx, e) {
				if err := m.reauthenticate(ctx, e, "re-authenticated"); err != nil {
					return err
				}
			}
		default:
			return ErrSessionNotFound
		}
		var err error
		snap, err = m.scrape(ctx, e)
		return err
	})
	if changed {
		m.persist(ctx)
	}
	return snap, err
}

// Close tears the session down. Unknown ids return ErrSessionNotFound.
func (m *Manager) Close(ctx context.Context, id string) error {
	if _, ok := m.store.Get(id); !ok {
		return ErrSessionNotFound
	}
	err := m.locks.Do(ctx, id, func() error {
		e, ok := m.store.Get(id)
		if !ok {
			return ErrSessionNotFound
		}
		m.discard(e, "closed by client")
		return nil
	})
	if err == nil {
		m.persist(ctx)
	}
	return err
}

func (m *Manager) Get(id string) (SessionInfo, error) {
	e, ok := m.store.Get(id)
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	rec := e.Record()
	busy, queued := m.locks.busy(id)
	info := SessionInfo{
		ID:             rec.ID,
		State:          rec.State,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		ReauthRequired: rec.ReauthRequired,
		Busy:           busy,
		Queued:         queued,
	}
	if rec.State == model.StateAwaitingTwoFactor {
		deadline := rec.TwoFactorDeadline
		info.TwoFactorDeadline = &deadline
	}
	return info, nil
}

func (m *Manager) Status() Status {
	qs := m.locks.Stats()
	st := Status{
		BusySessions:   len(qs.Busy),
		QueuedRequests: qs.Queued,
		OpenBrowsers:   m.gate.InUse(),
		MaxBrowsers:    m.gate.max,
		States:         make(map[model.State]int),
		QueueDepths:    qs.Depths,
	}
	for _, e := range m.store.List() {
		state := e.State()
		st.States[state]++
		st.TotalSessions++
		if state == model.StateActive {
			st.ActiveSessions++
		}
	}
	return st
}

// Run drives the background loops until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.every(gctx, m.opts.MaintenanceInterval, m.maintainAll)
		return nil
	})
	g.Go(func() error {
		m.every(gctx, m.opts.ReapInterval, func(ctx context.Context) { m.reap(ctx) })
		return nil
	})
	g.Go(func() error {
		m.every(gctx, m.opts.TwoFactorSweepInterval, func(ctx context.Context) { m.sweepTwoFactor(ctx) })
		return nil
	})
	g.Go(func() error {
		m.every(gctx, m.opts.SnapshotInterval, m.persist)
		return nil
	})
	return g.Wait()
}

func (m *Manager) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Shutdown waits for the request each session is serving, closes every
// browser and writes a final snapshot. New requests are refused from the
// moment it is called. A session still busy when ctx ends has its browser
// closed regardless.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	var g errgroup.Group
	for _, e := range m.store.List() {
		g.Go(func() error {
			release, err := m.drainLock(ctx, e.ID())
			if err != nil {
				m.log.Warn("closing busy session", zap.String("session_id", e.ID()), zap.Error(err))
			} else {
				defer release()
			}
			if d := e.TakeDriver(); d != nil {
				return d.Close()
			}
			return nil
		})
	}
	closeErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, snapErr := m.store.Snapshot(sctx, m.opts.Now())
	if snapErr != nil {
		m.log.Warn("final snapshot failed", zap.Error(snapErr))
	}

	var factoryErr error
	if m.factory != nil {
		factoryErr = m.factory.Close()
	}
	return errors.Join(closeErr, snapErr, factoryErr)
}

// drainLock takes the lock for id, queueing again after each ErrQueueTimeout
// until ctx ends.
func (m *Manager) drainLock(ctx context.Context, id string) (func(), error) {
	for {
		release, err := m.locks.Acquire(ctx, id)
		if err == nil || !errors.Is(err, ErrQueueTimeout) || ctx.Err() != nil {
			return release, err
		}
	}
}

// authenticate logs in with creds, opening a driver through the admission
// gate when the session has none. A failed login closes the driver.
func (m *Manager) authenticate(ctx context.Context, e *store.Entry, creds model.Credentials) (browser.LoginOutcome, error) {
	d := e.Driver()
	if d == nil {
		if m.closed.Load() {
			return 0, ErrManagerClosed
		}
		var err error
		if d, err = m.gate.Open(ctx); err != nil {
			return 0, err
		}
		e.SetDriver(d)
	}
	outcome, err := d.Login(ctx, creds)
	if err != nil {
		m.closeDriver(e)
		switch {
		case errors.Is(err, browser.ErrInvalidCredentials), errors.Is(err, browser.ErrLoginNotConfirmed):
			return 0, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		default:
			return 0, fmt.Errorf("login: %w", err)
		}
	}
	return outcome, nil
}

// reauthenticate logs in again with the stored credentials. Unattended
// paths never reuse a two-factor code: a 2FA demand parks the session in
// AwaitingTwoFactor and returns ErrTwoFactorRequired.
func (m *Manager) reauthenticate(ctx context.Context, e *store.Entry, reason string) error {
	creds, err := e.Credentials()
	if err != nil {
		return err
	}
	outcome, err := m.authenticate(ctx, e, creds)
	if err != nil {
		m.markNeedsRestore(e, "re-authentication failed", false)
		return err
	}
	if outcome == browser.LoginNeedsTwoFactor {
		m.awaitTwoFactor(e, "re-authentication requires two-factor")
		return ErrTwoFactorRequired
	}
	m.activate(e, reason)
	return nil
}

func (m *Manager) stillAuthenticated(ctx context.Context, e *store.Entry) bool {
	d := e.Driver()
	if d == nil {
		return false
	}
	ok, err := d.IsAuthenticated(ctx)
	if err != nil {
		m.log.Debug("authentication check failed", zap.String("session_id", e.ID()), zap.Error(err))
		return false
	}
	return ok
}

func (m *Manager) submitCode(ctx context.Context, e *store.Entry, code string) error {
	d := e.Driver()
	if d == nil {
		return ErrNotAwaitingTwoFactor
	}
	if err := d.SubmitTwoFactor(ctx, code); err != nil {
		if errors.Is(err, browser.ErrTwoFactorRejected) {
			return fmt.Errorf("%w: %v", ErrTwoFactorRejected, err)
		}
		return fmt.Errorf("submit two-factor code: %w", err)
	}
	return nil
}

func (m *Manager) scrape(ctx context.Context, e *store.Entry) (model.PortfolioSnapshot, error) {
	d := e.Driver()
	if d == nil {
		return model.PortfolioSnapshot{}, ErrBrowserUnavailable
	}
	snap, err := d.ScrapePortfolio(ctx)
	if err != nil {
		if errors.Is(err, browser.ErrNotAuthenticated) {
			m.markNeedsRestore(e, "logged out during fetch", false)
		}
		return model.PortfolioSnapshot{}, fmt.Errorf("fetch portfolio: %w", err)
	}
	m.touch(e)
	return snap, nil
}

func (m *Manager) closeDriver(e *store.Entry) {
	if d := e.TakeDriver(); d != nil {
		if err := d.Close(); err != nil {
			m.log.Debug("browser close failed", zap.String("session_id", e.ID()), zap.Error(err))
		}
	}
}

// discard closes the driver, removes the session and reports it closed.
func (m *Manager) discard(e *store.Entry, reason string) {
	m.closeDriver(e)
	m.store.Delete(e.ID())
	e.Update(func(rec *model.SessionRecord) { rec.State = model.StateClosed })
	m.emit(e.ID(), model.StateClosed, reason)
}

func (m *Manager) activate(e *store.Entry, reason string) {
	now := m.opts.Now()
	var prev model.State
	e.Update(func(rec *model.SessionRecord) {
		prev = rec.State
		rec.State = model.StateActive
		rec.LastActivityAt = now
		rec.TwoFactorDeadline = time.Time{}
		rec.ReauthRequired = false
	})
	if prev != model.StateActive {
		m.emit(e.ID(), model.StateActive, reason)
	}
}

func (m *Manager) awaitTwoFactor(e *store.Entry, reason string) {
	deadline := m.opts.Now().Add(m.opts.TwoFactorTTL)
	e.Update(func(rec *model.SessionRecord) {
		rec.State = model.StateAwaitingTwoFactor
		rec.TwoFactorDeadline = deadline
	})
	m.emit(e.ID(), model.StateAwaitingTwoFactor, reason)
}

func (m *Manager) markNeedsRestore(e *store.Entry, reason string, reauth bool) {
	m.closeDriver(e)
	var prev model.State
	e.Update(func(rec *model.SessionRecord) {
		prev = rec.State
		rec.State = model.StateNeedsRestore
		rec.TwoFactorDeadline = time.Time{}
		rec.ReauthRequired = rec.ReauthRequired || reauth
	})
	if prev != model.StateNeedsRestore {
		m.emit(e.ID(), model.StateNeedsRestore, reason)
	}
}

func (m *Manager) touch(e *store.Entry) {
	now := m.opts.Now()
	e.Update(func(rec *model.SessionRecord) { rec.LastActivityAt = now })
}

func (m *Manager) emit(id string, state model.State, reason string) {
	m.log.Info("session state changed",
		zap.String("session_id", id),
		zap.String("state", string(state)),
		zap.String("reason", reason))
	if m.opts.Notifier != nil {
		m.opts.Notifier.SessionChanged(model.SessionEvent{
			SessionID: id,
			State:     state,
			Reason:    reason,
			At:        m.opts.Now(),
		})
	}
}

// persist writes the snapshot. Failures are logged and never surface to
// the request that triggered them.
func (m *Manager) persist(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	wrote, err := m.store.Snapshot(pctx, m.opts.Now())
	if err != nil {
		m.log.Warn("snapshot failed", zap.Error(err))
		return
	}
	if wrote {
		m.log.Debug("snapshot written", zap.Int("sessions", m.store.Len()))
	}
}
